package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	config "jorbd/app/configs"
	"jorbd/app/core/contextreset"
	"jorbd/app/core/orchestrator/agent"
	"jorbd/app/core/orchestrator/db"
	"jorbd/app/core/orchestrator/jorb"
	"jorbd/app/core/orchestrator/oracle"
	"jorbd/app/core/orchestrator/switchboard"
	"jorbd/app/core/transport"
)

type scriptedOracle struct {
	replies []string
	calls   int
}

func (s *scriptedOracle) Complete(_ context.Context, _ oracle.Request) (oracle.Response, error) {
	s.calls++
	if len(s.replies) == 0 {
		return oracle.Response{Text: `{"action":"continue"}`}, nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return oracle.Response{Text: reply, TokensUsed: 20}, nil
}

type fakeNotifier struct {
	subjects []string
}

func (f *fakeNotifier) Notify(_ context.Context, subject string, _ string) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

type fakeLookup struct {
	status transport.AsyncStatus
	err    error
	asked  []string
}

func (f *fakeLookup) GetStatus(_ context.Context, taskID string) (transport.AsyncStatus, error) {
	f.asked = append(f.asked, taskID)
	return f.status, f.err
}

type fakeMaintenance struct {
	monthly int
	weekly  int
}

func (f *fakeMaintenance) RunMonthly(_ context.Context) error {
	f.monthly++
	return nil
}

func (f *fakeMaintenance) RunWeekly(_ context.Context) error {
	f.weekly++
	return nil
}

func newTestDeps(t *testing.T, orc oracle.Oracle) (LoopDeps, *jorb.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:looptest-%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := db.NewSQLiteDBAt(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = database.Close()
	})

	store := jorb.NewStore(database)
	state, err := LoadState(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	dispatcher := transport.NewDispatcher()
	dispatcher.Register("sms", &transport.LogSender{Channel: "sms"})

	board := switchboard.New(orc, store, 5)
	runner := agent.NewRunner(agent.Config{Name: "jorbd"}, store, board, orc, dispatcher, nil)
	compactor := contextreset.NewService(store, orc, state, nil, 3, 20)

	return LoopDeps{
		Store:     store,
		Runner:    runner,
		Compactor: compactor,
		State:     state,
	}, store
}

func runningJorb(t *testing.T, store *jorb.Store, name string) jorb.Jorb {
	t.Helper()
	ctx := context.Background()
	j, err := store.CreateJorb(ctx, name, "plan for "+name, []jorb.Contact{{Identifier: "+15551234567", Channel: "sms"}}, "")
	require.NoError(t, err)
	running := jorb.StatusRunning
	require.NoError(t, store.UpdateJorb(ctx, j.ID, jorb.Patch{Status: &running}))
	j.Status = jorb.StatusRunning
	return j
}

func TestWorkerClaimClearsWakeAt(t *testing.T) {
	orc := &scriptedOracle{replies: []string{`{"action":"continue"}`}}
	deps, store := newTestDeps(t, orc)
	ctx := context.Background()
	cfg := config.SchedulerConfig{WorkerBatchLimit: 10, AsyncPollIntervalSec: 15}

	j := runningJorb(t, store, "Sleeper")
	past := time.Now().Unix() - 10
	require.NoError(t, store.UpdateJorb(ctx, j.ID, jorb.Patch{WakeAt: &past}))

	require.NoError(t, workerTick(ctx, deps, cfg))
	require.Equal(t, 1, orc.calls)

	got, err := store.GetJorb(ctx, j.ID)
	require.NoError(t, err)
	require.Zero(t, got.WakeAt, "claim must clear wake_at")

	// a second tick must not pick the same jorb up again
	require.NoError(t, workerTick(ctx, deps, cfg))
	require.Equal(t, 1, orc.calls)
}

func TestWorkerContinueWithWaitRearms(t *testing.T) {
	orc := &scriptedOracle{replies: []string{`{"action":"continue","wait_seconds":300}`}}
	deps, store := newTestDeps(t, orc)
	ctx := context.Background()
	cfg := config.SchedulerConfig{WorkerBatchLimit: 10, AsyncPollIntervalSec: 15}

	j := runningJorb(t, store, "Patient")
	past := time.Now().Unix() - 10
	require.NoError(t, store.UpdateJorb(ctx, j.ID, jorb.Patch{WakeAt: &past}))

	require.NoError(t, workerTick(ctx, deps, cfg))

	got, err := store.GetJorb(ctx, j.ID)
	require.NoError(t, err)
	require.Greater(t, got.WakeAt, time.Now().Unix()+200, "continue with wait_seconds writes a future wake_at")
}

func TestWorkerAsyncPollRearmsUntilTerminal(t *testing.T) {
	orc := &scriptedOracle{replies: []string{`{"action":"continue"}`}}
	deps, store := newTestDeps(t, orc)
	ctx := context.Background()
	cfg := config.SchedulerConfig{WorkerBatchLimit: 10, AsyncPollIntervalSec: 15}

	lookup := &fakeLookup{status: transport.AsyncStatus{Status: transport.AsyncStatusRunning}}
	deps.AsyncLookup = lookup

	j := runningJorb(t, store, "Waiting on device")
	patch := jorb.Patch{}
	patch.SetAwaiting("device_task:task_123", time.Now().Unix()-10)
	require.NoError(t, store.UpdateJorb(ctx, j.ID, patch))

	// still running: poll, no oracle turn, re-armed
	require.NoError(t, workerTick(ctx, deps, cfg))
	require.Equal(t, []string{"task_123"}, lookup.asked)
	require.Zero(t, orc.calls)

	got, err := store.GetJorb(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, "device_task:task_123", got.Awaiting)
	require.Greater(t, got.WakeAt, time.Now().Unix())

	// force it due again and finish the external op
	past := time.Now().Unix() - 1
	require.NoError(t, store.UpdateJorb(ctx, j.ID, jorb.Patch{WakeAt: &past}))
	lookup.status = transport.AsyncStatus{Status: transport.AsyncStatusCompleted, Result: "screenshot saved"}

	require.NoError(t, workerTick(ctx, deps, cfg))
	require.Equal(t, 1, orc.calls, "terminal status hands the jorb back to the agent")

	got, err = store.GetJorb(ctx, j.ID)
	require.NoError(t, err)
	require.Empty(t, got.Awaiting)
	require.Zero(t, got.WakeAt)
	require.Contains(t, got.ProgressSummary, "device_task:task_123 finished with status completed")
	require.Contains(t, got.ProgressSummary, "screenshot saved")
}

func TestDigestTickOncePerDay(t *testing.T) {
	deps, store := newTestDeps(t, &scriptedOracle{})
	notifier := &fakeNotifier{}
	deps.Notifier = notifier
	ctx := context.Background()

	runningJorb(t, store, "Dinner")

	morning := time.Date(2026, 8, 31, 7, 30, 0, 0, time.UTC)
	require.NoError(t, digestTick(ctx, deps, "08:00", morning))
	require.Empty(t, notifier.subjects, "too early in the day")

	later := morning.Add(time.Hour)
	require.NoError(t, digestTick(ctx, deps, "08:00", later))
	require.Len(t, notifier.subjects, 1)

	require.NoError(t, digestTick(ctx, deps, "08:00", later.Add(time.Hour)))
	require.Len(t, notifier.subjects, 1, "at most one digest per calendar day")

	nextDay := later.AddDate(0, 0, 1)
	require.NoError(t, digestTick(ctx, deps, "08:00", nextDay))
	require.Len(t, notifier.subjects, 2)
}

func TestMaintenanceTickIdempotentPerPeriod(t *testing.T) {
	deps, _ := newTestDeps(t, &scriptedOracle{})
	maint := &fakeMaintenance{}
	deps.Maintenance = maint
	ctx := context.Background()

	monthly, err := cron.ParseStandard("0 3 1 * *")
	require.NoError(t, err)
	weekly, err := cron.ParseStandard("0 4 * * 0")
	require.NoError(t, err)

	// pretend the previous weekly occurrence (Sun Jul 26 2026) already ran
	require.NoError(t, deps.State.MarkWeeklyMaintenance("2026-W30"))

	// before this month's and this week's occurrences
	early := time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, maintenanceTick(ctx, deps, monthly, weekly, early))
	require.Zero(t, maint.monthly+maint.weekly)

	// past the monthly occurrence; Aug 2 2026 is a Sunday, past the weekly one
	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, maintenanceTick(ctx, deps, monthly, weekly, now))
	require.Equal(t, 1, maint.monthly)
	require.Equal(t, 1, maint.weekly)

	// hourly re-checks are no-ops, including across the ISO week boundary
	require.NoError(t, maintenanceTick(ctx, deps, monthly, weekly, now.Add(time.Hour)))
	require.NoError(t, maintenanceTick(ctx, deps, monthly, weekly, now.AddDate(0, 0, 1)))
	require.Equal(t, 1, maint.monthly)
	require.Equal(t, 1, maint.weekly)

	// next weekly occurrence fires weekly again, monthly stays done
	nextSunday := time.Date(2026, 8, 9, 12, 0, 0, 0, time.UTC)
	require.NoError(t, maintenanceTick(ctx, deps, monthly, weekly, nextSunday))
	require.Equal(t, 1, maint.monthly)
	require.Equal(t, 2, maint.weekly)
}

func TestStateMarkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	state, err := LoadState(path)
	require.NoError(t, err)

	require.False(t, state.DigestSentOn("2026-08-31"))
	require.NoError(t, state.MarkDigestSent("2026-08-31"))
	require.True(t, state.DigestSentOn("2026-08-31"))
	require.False(t, state.DigestSentOn("2026-09-01"))

	require.NoError(t, state.MarkMonthlyMaintenance("2026-08"))
	require.NoError(t, state.MarkWeeklyMaintenance("2026-W36"))

	// markers survive a reload
	reloaded, err := LoadState(path)
	require.NoError(t, err)
	require.True(t, reloaded.DigestSentOn("2026-08-31"))
	require.True(t, reloaded.MonthlyMaintenanceDone("2026-08"))
	require.True(t, reloaded.WeeklyMaintenanceDone("2026-W36"))
	require.False(t, reloaded.WeeklyMaintenanceDone("2026-W37"))
}
