package jorb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jorbd/app/core/orchestrator/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:jorbstore-%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := db.NewSQLiteDBAt(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = database.Close()
	})
	return NewStore(database)
}

func TestCreateAndGetJorb(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	contacts := []Contact{{Identifier: "+15551234567", Channel: "sms", Name: "Sam"}}
	created, err := store.CreateJorb(ctx, "Book dinner", "Budget $80/person", contacts, "careful")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, StatusPlanning, created.Status)

	got, err := store.GetJorb(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "Book dinner", got.Name)
	require.Equal(t, "Budget $80/person", got.OriginalPlan)
	require.Equal(t, "careful", got.Personality)
	require.Len(t, got.Contacts, 1)
	require.Equal(t, "+15551234567", got.Contacts[0].Identifier)
}

func TestGetJorbNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJorb(context.Background(), "jorb_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJorbTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateJorb(ctx, "Lifecycle", "plan", nil, "")
	require.NoError(t, err)

	setStatus := func(s Status) error {
		return store.UpdateJorb(ctx, created.ID, Patch{Status: &s})
	}

	// planning cannot pause or complete
	require.ErrorIs(t, setStatus(StatusPaused), ErrInvalidTransition)
	require.ErrorIs(t, setStatus(StatusComplete), ErrInvalidTransition)

	require.NoError(t, setStatus(StatusRunning))
	require.NoError(t, setStatus(StatusPaused))
	require.NoError(t, setStatus(StatusRunning))
	require.NoError(t, setStatus(StatusComplete))

	// terminal states reject everything, including re-writing themselves
	require.ErrorIs(t, setStatus(StatusRunning), ErrInvalidTransition)
	require.ErrorIs(t, setStatus(StatusCancelled), ErrInvalidTransition)
	require.ErrorIs(t, setStatus(StatusComplete), ErrInvalidTransition)
}

func TestUpdateJorbPatchFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateJorb(ctx, "Patchable", "plan", nil, "")
	require.NoError(t, err)

	progress := "first step done"
	reason := "needs money"
	approval := "spend $50"
	require.NoError(t, store.UpdateJorb(ctx, created.ID, Patch{
		ProgressSummary:  &progress,
		PausedReason:     &reason,
		NeedsApprovalFor: &approval,
		Metadata:         map[string]string{"preferred_transport": "sms"},
	}))

	got, err := store.GetJorb(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "first step done", got.ProgressSummary)
	require.Equal(t, "needs money", got.PausedReason)
	require.Equal(t, "spend $50", got.NeedsApprovalFor)
	require.Equal(t, "sms", got.Metadata["preferred_transport"])
	// untouched fields survive
	require.Equal(t, "Patchable", got.Name)
	require.Equal(t, StatusPlanning, got.Status)
}

func TestAwaitingRequiresWakeAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateJorb(ctx, "Async", "plan", nil, "")
	require.NoError(t, err)

	marker := "device_task:abc123"
	err = store.UpdateJorb(ctx, created.ID, Patch{Awaiting: &marker})
	require.Error(t, err)

	patch := Patch{}
	patch.SetAwaiting(marker, time.Now().Unix()+60)
	require.NoError(t, store.UpdateJorb(ctx, created.ID, patch))

	got, err := store.GetJorb(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, marker, got.Awaiting)
	require.NotZero(t, got.WakeAt)

	clear := Patch{}
	clear.ClearAwaiting()
	require.NoError(t, store.UpdateJorb(ctx, created.ID, clear))

	got, err = store.GetJorb(ctx, created.ID)
	require.NoError(t, err)
	require.Empty(t, got.Awaiting)
	require.Zero(t, got.WakeAt)
}

func TestListJorbsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.CreateJorb(ctx, "open one", "plan", nil, "")
	require.NoError(t, err)
	b, err := store.CreateJorb(ctx, "closed one", "plan", nil, "")
	require.NoError(t, err)

	running := StatusRunning
	cancelled := StatusCancelled
	require.NoError(t, store.UpdateJorb(ctx, a.ID, Patch{Status: &running}))
	require.NoError(t, store.UpdateJorb(ctx, b.ID, Patch{Status: &cancelled}))

	open, err := store.ListJorbs(ctx, FilterOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, a.ID, open[0].ID)

	closed, err := store.ListJorbs(ctx, FilterClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, b.ID, closed[0].ID)

	all, err := store.ListJorbs(ctx, FilterAll)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestListDueJorbsOrderAndEligibility(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	mkRunning := func(name string, wakeAt int64) Jorb {
		j, err := store.CreateJorb(ctx, name, "plan", nil, "")
		require.NoError(t, err)
		running := StatusRunning
		patch := Patch{Status: &running}
		if wakeAt != 0 {
			patch.WakeAt = &wakeAt
		}
		require.NoError(t, store.UpdateJorb(ctx, j.ID, patch))
		return j
	}

	later := mkRunning("due later", now-10)
	earlier := mkRunning("due earlier", now-100)
	mkRunning("not due", now+1000)
	mkRunning("no wake", 0)

	due, err := store.ListDueJorbs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, earlier.ID, due[0].ID)
	require.Equal(t, later.ID, due[1].ID)
}

func TestAddMessageAndGetMessagesChronological(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJorb(ctx, "Chatty", "plan", nil, "")
	require.NoError(t, err)

	base := time.Now().Unix()
	for i := 0; i < 5; i++ {
		_, err := store.AddMessage(ctx, Message{
			JorbID:    j.ID,
			Timestamp: base + int64(i),
			Direction: DirectionInbound,
			Channel:   "sms",
			Sender:    "+15551234567",
			Content:   fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}

	// limited fetch returns the most recent window, oldest first
	msgs, err := store.GetMessages(ctx, j.ID, 3, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "message 2", msgs[0].Content)
	require.Equal(t, "message 4", msgs[2].Content)

	got, err := store.GetJorb(ctx, j.ID)
	require.NoError(t, err)
	require.EqualValues(t, 5, got.Metrics.MessagesIn)
	require.EqualValues(t, 0, got.Metrics.MessagesOut)
}

func TestAddMessageUnknownJorb(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AddMessage(context.Background(), Message{
		JorbID:    "jorb_nope",
		Direction: DirectionInbound,
		Channel:   "sms",
		Content:   "hello",
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckpoints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJorb(ctx, "Checkpointed", "plan", nil, "")
	require.NoError(t, err)

	ckpt, err := store.AddCheckpoint(ctx, j.ID, "made a reservation, waiting on confirmation")
	require.NoError(t, err)
	require.NotEmpty(t, ckpt.ID)
	require.Greater(t, ckpt.TokenCount, 0)

	list, err := store.GetCheckpoints(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, ckpt.ID, list[0].ID)

	got, err := store.GetJorb(ctx, j.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Metrics.ContextResets)
}

func TestAggregateMetrics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.CreateJorb(ctx, "one", "plan", nil, "")
	require.NoError(t, err)
	_, err = store.CreateJorb(ctx, "two", "plan", nil, "")
	require.NoError(t, err)

	running := StatusRunning
	require.NoError(t, store.UpdateJorb(ctx, a.ID, Patch{Status: &running}))
	require.NoError(t, store.AddUsage(ctx, a.ID, 1200, 0.0036))
	_, err = store.AddMessage(ctx, Message{JorbID: a.ID, Direction: DirectionOutbound, Channel: "sms", Content: "hi"})
	require.NoError(t, err)

	agg, err := store.GetAggregateMetrics(ctx, FilterAll)
	require.NoError(t, err)
	require.EqualValues(t, 2, agg.TotalJorbs)
	require.EqualValues(t, 1, agg.ByStatus[StatusRunning])
	require.EqualValues(t, 1, agg.ByStatus[StatusPlanning])
	require.EqualValues(t, 1200, agg.TokensUsed)
	require.EqualValues(t, 1, agg.MessagesOut)
	require.InDelta(t, 0.0036, agg.EstimatedCost, 1e-9)
}

func TestIsOwnOutboundEcho(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJorb(ctx, "Echoey", "plan", nil, "")
	require.NoError(t, err)

	sentAt := time.Now().Unix()
	_, err = store.AddMessage(ctx, Message{
		JorbID:    j.ID,
		Timestamp: sentAt,
		Direction: DirectionOutbound,
		Channel:   "sms",
		Recipient: "+15551234567",
		Content:   "I booked Carbone for 7pm",
	})
	require.NoError(t, err)

	// exact content, case-shifted, inside the window
	echo, err := store.IsOwnOutboundEcho(ctx, "i booked carbone for 7PM", sentAt+2, 5)
	require.NoError(t, err)
	require.True(t, echo)

	// substring of what we sent also counts
	echo, err = store.IsOwnOutboundEcho(ctx, "booked Carbone", sentAt+2, 5)
	require.NoError(t, err)
	require.True(t, echo)

	// outside the window
	echo, err = store.IsOwnOutboundEcho(ctx, "I booked Carbone for 7pm", sentAt+30, 5)
	require.NoError(t, err)
	require.False(t, echo)

	// unrelated content
	echo, err = store.IsOwnOutboundEcho(ctx, "what about thai instead", sentAt+2, 5)
	require.NoError(t, err)
	require.False(t, echo)
}

func TestCountOutboundMessagesSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJorb(ctx, "Counter", "plan", []Contact{{Identifier: "+15551234567", Channel: "sms"}}, "")
	require.NoError(t, err)

	now := int64(100000)
	add := func(ts int64, direction string) {
		t.Helper()
		_, err := store.AddMessage(ctx, Message{
			JorbID:    j.ID,
			Timestamp: ts,
			Direction: direction,
			Channel:   "sms",
			Sender:    "+15551234567",
			Recipient: "+15551234567",
			Content:   "ping",
		})
		require.NoError(t, err)
	}
	add(now-3601, DirectionOutbound) // just outside the window
	add(now-3600, DirectionOutbound) // boundary is inclusive
	add(now-10, DirectionOutbound)
	add(now-5, DirectionInbound) // inbound never counts

	count, err := store.CountOutboundMessagesSince(ctx, j.ID, now-3600)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	other, err := store.CreateJorb(ctx, "Other", "plan", nil, "")
	require.NoError(t, err)
	count, err = store.CountOutboundMessagesSince(ctx, other.ID, now-3600)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestHasContactAcrossHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJorb(ctx, "Old jorb", "plan", []Contact{{Identifier: "+1 (555) 123-4567", Channel: "sms"}}, "")
	require.NoError(t, err)

	// close it; historical membership still counts
	running := StatusRunning
	complete := StatusComplete
	require.NoError(t, store.UpdateJorb(ctx, j.ID, Patch{Status: &running}))
	require.NoError(t, store.UpdateJorb(ctx, j.ID, Patch{Status: &complete}))

	known, err := store.HasContact(ctx, "5551234567")
	require.NoError(t, err)
	require.True(t, known)

	unknown, err := store.HasContact(ctx, "+15559990000")
	require.NoError(t, err)
	require.False(t, unknown)
}

func TestNormalizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 123-4567": "5551234567",
		"15551234567":       "5551234567",
		"@SamHandle":        "samhandle",
		"Sam@Example.COM":   "sam@example.com",
		"  Plain  ":         "plain",
	}
	for input, want := range cases {
		require.Equal(t, want, NormalizeIdentifier(input), "input %q", input)
	}
}
