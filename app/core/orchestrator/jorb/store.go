package jorb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tiktoken-go/tokenizer"

	"jorbd/app/core/orchestrator/db"
)

// Store is the single source of truth for jorb state. Every mutating
// operation is atomic per jorb row.
type Store struct {
	db    *db.DB
	codec tokenizer.Codec
	now   func() int64
}

func NewStore(database *db.DB) *Store {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		codec = nil
	}
	return &Store{
		db:    database,
		codec: codec,
		now:   func() int64 { return time.Now().Unix() },
	}
}

// SetClock overrides the store's time source. Tests only.
func (s *Store) SetClock(now func() int64) {
	s.now = now
}

func (s *Store) CreateJorb(ctx context.Context, name string, plan string, contacts []Contact, personality string) (Jorb, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Jorb{}, fmt.Errorf("jorb name is required")
	}
	now := s.now()
	j := Jorb{
		ID:           newID("jorb", 8),
		Name:         name,
		Status:       StatusPlanning,
		OriginalPlan: plan,
		Personality:  personality,
		Contacts:     contacts,
		Metadata:     map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	contactsJSON, err := json.Marshal(j.Contacts)
	if err != nil {
		return Jorb{}, err
	}

	query := `INSERT INTO jorbs (id, name, status, original_plan, personality, contacts_json, metadata_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, '{}', ?, ?)`
	if _, err := s.db.Conn().ExecContext(ctx, query, j.ID, j.Name, string(j.Status), j.OriginalPlan, j.Personality, string(contactsJSON), now, now); err != nil {
		return Jorb{}, err
	}
	return j, nil
}

const jorbColumns = `id, name, status, original_plan, personality, progress_summary, paused_reason,
needs_approval_for, COALESCE(awaiting, ''), COALESCE(wake_at, 0), contacts_json, metadata_json,
COALESCE(outcome_json, ''), messages_in, messages_out, tokens_used, estimated_cost, context_resets,
created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJorb(row rowScanner) (Jorb, error) {
	var (
		j            Jorb
		status       string
		contactsJSON string
		metadataJSON string
		outcomeJSON  string
	)
	err := row.Scan(
		&j.ID,
		&j.Name,
		&status,
		&j.OriginalPlan,
		&j.Personality,
		&j.ProgressSummary,
		&j.PausedReason,
		&j.NeedsApprovalFor,
		&j.Awaiting,
		&j.WakeAt,
		&contactsJSON,
		&metadataJSON,
		&outcomeJSON,
		&j.Metrics.MessagesIn,
		&j.Metrics.MessagesOut,
		&j.Metrics.TokensUsed,
		&j.Metrics.EstimatedCost,
		&j.Metrics.ContextResets,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return Jorb{}, err
	}
	j.Status = Status(status)
	if contactsJSON != "" {
		_ = json.Unmarshal([]byte(contactsJSON), &j.Contacts)
	}
	if metadataJSON != "" {
		_ = json.Unmarshal([]byte(metadataJSON), &j.Metadata)
	}
	if outcomeJSON != "" {
		var outcome Outcome
		if err := json.Unmarshal([]byte(outcomeJSON), &outcome); err == nil {
			j.Outcome = &outcome
		}
	}
	return j, nil
}

func (s *Store) GetJorb(ctx context.Context, jorbID string) (Jorb, error) {
	query := `SELECT ` + jorbColumns + ` FROM jorbs WHERE id = ?`
	j, err := scanJorb(s.db.Conn().QueryRowContext(ctx, query, jorbID))
	if err == sql.ErrNoRows {
		return Jorb{}, fmt.Errorf("%w: %s", ErrNotFound, jorbID)
	}
	if err != nil {
		return Jorb{}, err
	}
	return j, nil
}

// UpdateJorb applies a patch atomically. A status change is validated
// against the lifecycle transition table inside the same transaction that
// writes it, so concurrent updaters cannot race a jorb out of a terminal
// state.
func (s *Store) UpdateJorb(ctx context.Context, jorbID string, patch Patch) error {
	if patch.Awaiting != nil && *patch.Awaiting != "" && patch.WakeAt == nil {
		return fmt.Errorf("jorb: awaiting marker requires wake_at in the same patch")
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var currentStatus string
	var metadataJSON string
	err = tx.QueryRowContext(ctx, `SELECT status, metadata_json FROM jorbs WHERE id = ?`, jorbID).Scan(&currentStatus, &metadataJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, jorbID)
	}
	if err != nil {
		return err
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{s.now()}

	if patch.Status != nil {
		if !CanTransition(Status(currentStatus), *patch.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, *patch.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.ProgressSummary != nil {
		sets = append(sets, "progress_summary = ?")
		args = append(args, *patch.ProgressSummary)
	}
	if patch.PausedReason != nil {
		sets = append(sets, "paused_reason = ?")
		args = append(args, *patch.PausedReason)
	}
	if patch.NeedsApprovalFor != nil {
		sets = append(sets, "needs_approval_for = ?")
		args = append(args, *patch.NeedsApprovalFor)
	}
	if patch.Awaiting != nil {
		sets = append(sets, "awaiting = ?")
		args = append(args, nullableText(*patch.Awaiting))
	}
	if patch.WakeAt != nil {
		sets = append(sets, "wake_at = ?")
		args = append(args, nullableInt(*patch.WakeAt))
	}
	if patch.Metadata != nil {
		merged := map[string]string{}
		if metadataJSON != "" {
			_ = json.Unmarshal([]byte(metadataJSON), &merged)
		}
		for k, v := range patch.Metadata {
			merged[k] = v
		}
		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata_json = ?")
		args = append(args, string(mergedJSON))
	}
	if patch.Outcome != nil {
		outcomeJSON, err := json.Marshal(patch.Outcome)
		if err != nil {
			return err
		}
		sets = append(sets, "outcome_json = ?")
		args = append(args, string(outcomeJSON))
	}

	args = append(args, jorbID)
	query := "UPDATE jorbs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListJorbs(ctx context.Context, filter StatusFilter) ([]Jorb, error) {
	clause, err := statusClause(filter)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + jorbColumns + ` FROM jorbs` + clause + ` ORDER BY updated_at DESC`
	rows, err := s.db.Conn().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Jorb
	for rows.Next() {
		j, err := scanJorb(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, j)
	}
	return items, rows.Err()
}

// ListDueJorbs returns running jorbs whose wake time has arrived, soonest
// first. Only the worker loop calls this; it claims each result by clearing
// wake_at before touching anything else.
func (s *Store) ListDueJorbs(ctx context.Context, now int64, limit int) ([]Jorb, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + jorbColumns + ` FROM jorbs
WHERE status = 'running' AND wake_at IS NOT NULL AND wake_at <= ?
ORDER BY wake_at ASC LIMIT ?`
	rows, err := s.db.Conn().QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Jorb
	for rows.Next() {
		j, err := scanJorb(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, j)
	}
	return items, rows.Err()
}

// AddMessage appends to the conversation log and bumps the owning jorb's
// message counters in the same transaction.
func (s *Store) AddMessage(ctx context.Context, m Message) (Message, error) {
	if strings.TrimSpace(m.JorbID) == "" {
		return Message{}, fmt.Errorf("jorb_id is required")
	}
	if m.Direction != DirectionInbound && m.Direction != DirectionOutbound {
		return Message{}, fmt.Errorf("invalid message direction: %s", m.Direction)
	}
	if m.Timestamp == 0 {
		m.Timestamp = s.now()
	}
	m.ID = newID("msg", 12)

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	insert := `INSERT INTO jorb_messages (id, jorb_id, ts, direction, channel, sender, sender_name, recipient, content, reasoning)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, m.ID, m.JorbID, m.Timestamp, m.Direction, m.Channel, m.Sender, m.SenderName, m.Recipient, m.Content, m.Reasoning); err != nil {
		return Message{}, err
	}

	counter := "messages_in"
	if m.Direction == DirectionOutbound {
		counter = "messages_out"
	}
	update := fmt.Sprintf(`UPDATE jorbs SET %s = %s + 1, updated_at = ? WHERE id = ?`, counter, counter)
	res, err := tx.ExecContext(ctx, update, s.now(), m.JorbID)
	if err != nil {
		return Message{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Message{}, err
	}
	if affected == 0 {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, m.JorbID)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// GetMessages returns up to limit messages in chronological order, skipping
// offset most-recent messages first. The underlying fetch is most-recent-first
// so the window is always the tail of the conversation.
func (s *Store) GetMessages(ctx context.Context, jorbID string, limit int, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, jorb_id, ts, direction, channel, sender, sender_name, recipient, content, reasoning
FROM jorb_messages WHERE jorb_id = ? ORDER BY ts DESC, rowid DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Conn().QueryContext(ctx, query, jorbID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.JorbID, &m.Timestamp, &m.Direction, &m.Channel, &m.Sender, &m.SenderName, &m.Recipient, &m.Content, &m.Reasoning); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse to chronological order
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// AddCheckpoint records a compaction event and bumps the jorb's reset
// counter. Token count is estimated from the summary text.
func (s *Store) AddCheckpoint(ctx context.Context, jorbID string, summary string) (Checkpoint, error) {
	ckpt := Checkpoint{
		ID:         newID("ckpt", 8),
		JorbID:     jorbID,
		Timestamp:  s.now(),
		Summary:    summary,
		TokenCount: s.countTokens(summary),
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, err
	}
	defer tx.Rollback()

	insert := `INSERT INTO jorb_checkpoints (id, jorb_id, ts, summary, token_count) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, ckpt.ID, ckpt.JorbID, ckpt.Timestamp, ckpt.Summary, ckpt.TokenCount); err != nil {
		return Checkpoint{}, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE jorbs SET context_resets = context_resets + 1, updated_at = ? WHERE id = ?`, s.now(), jorbID)
	if err != nil {
		return Checkpoint{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Checkpoint{}, err
	}
	if affected == 0 {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, jorbID)
	}

	if err := tx.Commit(); err != nil {
		return Checkpoint{}, err
	}
	return ckpt, nil
}

func (s *Store) GetCheckpoints(ctx context.Context, jorbID string) ([]Checkpoint, error) {
	query := `SELECT id, jorb_id, ts, summary, token_count FROM jorb_checkpoints WHERE jorb_id = ? ORDER BY ts ASC, rowid ASC`
	rows, err := s.db.Conn().QueryContext(ctx, query, jorbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.ID, &c.JorbID, &c.Timestamp, &c.Summary, &c.TokenCount); err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// AddUsage accumulates oracle token and cost counters onto a jorb.
func (s *Store) AddUsage(ctx context.Context, jorbID string, tokens int64, cost float64) error {
	query := `UPDATE jorbs SET tokens_used = tokens_used + ?, estimated_cost = estimated_cost + ?, updated_at = ? WHERE id = ?`
	res, err := s.db.Conn().ExecContext(ctx, query, tokens, cost, s.now(), jorbID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jorbID)
	}
	return nil
}

type AggregateMetrics struct {
	TotalJorbs    int64
	ByStatus      map[Status]int64
	MessagesIn    int64
	MessagesOut   int64
	TokensUsed    int64
	EstimatedCost float64
	ContextResets int64
}

func (s *Store) GetAggregateMetrics(ctx context.Context, filter StatusFilter) (AggregateMetrics, error) {
	clause, err := statusClause(filter)
	if err != nil {
		return AggregateMetrics{}, err
	}

	agg := AggregateMetrics{ByStatus: map[Status]int64{}}

	query := `SELECT status, COUNT(*), SUM(messages_in), SUM(messages_out), SUM(tokens_used), SUM(estimated_cost), SUM(context_resets)
FROM jorbs` + clause + ` GROUP BY status`
	rows, err := s.db.Conn().QueryContext(ctx, query)
	if err != nil {
		return AggregateMetrics{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int64
			msgIn  int64
			msgOut int64
			tokens int64
			cost   float64
			resets int64
		)
		if err := rows.Scan(&status, &count, &msgIn, &msgOut, &tokens, &cost, &resets); err != nil {
			return AggregateMetrics{}, err
		}
		agg.ByStatus[Status(status)] = count
		agg.TotalJorbs += count
		agg.MessagesIn += msgIn
		agg.MessagesOut += msgOut
		agg.TokensUsed += tokens
		agg.EstimatedCost += cost
		agg.ContextResets += resets
	}
	return agg, rows.Err()
}

type JorbWithMessages struct {
	Jorb     Jorb
	Messages []Message
}

// GetOpenJorbsWithMessages loads every open jorb with a recent tail of its
// conversation. Digest and context compaction both feed from this.
func (s *Store) GetOpenJorbsWithMessages(ctx context.Context, messageLimit int) ([]JorbWithMessages, error) {
	open, err := s.ListJorbs(ctx, FilterOpen)
	if err != nil {
		return nil, err
	}
	items := make([]JorbWithMessages, 0, len(open))
	for _, j := range open {
		msgs, err := s.GetMessages(ctx, j.ID, messageLimit, 0)
		if err != nil {
			return nil, err
		}
		items = append(items, JorbWithMessages{Jorb: j, Messages: msgs})
	}
	return items, nil
}

// IsOwnOutboundEcho reports whether an outbound message with matching content
// was recorded within windowSeconds of the given timestamp. Channels that
// mirror sent messages back as received would otherwise feed the agent its
// own words forever.
func (s *Store) IsOwnOutboundEcho(ctx context.Context, content string, timestamp int64, windowSeconds int64) (bool, error) {
	if windowSeconds <= 0 {
		windowSeconds = 5
	}
	query := `SELECT content FROM jorb_messages WHERE direction = 'outbound' AND ts BETWEEN ? AND ?`
	rows, err := s.db.Conn().QueryContext(ctx, query, timestamp-windowSeconds, timestamp+windowSeconds)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	needle := strings.ToLower(strings.TrimSpace(content))
	if needle == "" {
		return false, rows.Err()
	}
	for rows.Next() {
		var sent string
		if err := rows.Scan(&sent); err != nil {
			return false, err
		}
		haystack := strings.ToLower(strings.TrimSpace(sent))
		if haystack == "" {
			continue
		}
		if strings.Contains(haystack, needle) || strings.Contains(needle, haystack) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// CountOutboundMessagesSince reports how many outbound messages a jorb has
// sent at or after the given unix timestamp. The agent's per-jorb rate limit
// feeds from this.
func (s *Store) CountOutboundMessagesSince(ctx context.Context, jorbID string, since int64) (int64, error) {
	var count int64
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jorb_messages WHERE jorb_id = ? AND direction = 'outbound' AND ts >= ?`,
		jorbID, since).Scan(&count)
	return count, err
}

// HasContact reports whether the normalized identifier has ever appeared as
// a contact on any jorb, regardless of status. This is the trusted-sender
// check: history with us at any point counts.
func (s *Store) HasContact(ctx context.Context, identifier string) (bool, error) {
	normalized := NormalizeIdentifier(identifier)
	if normalized == "" {
		return false, nil
	}

	rows, err := s.db.Conn().QueryContext(ctx, `SELECT contacts_json FROM jorbs`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var contactsJSON string
		if err := rows.Scan(&contactsJSON); err != nil {
			return false, err
		}
		var contacts []Contact
		if err := json.Unmarshal([]byte(contactsJSON), &contacts); err != nil {
			continue
		}
		for _, c := range contacts {
			if NormalizeIdentifier(c.Identifier) == normalized {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}

func (s *Store) countTokens(text string) int {
	if s.codec != nil {
		if ids, _, err := s.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return len(text) / 4
}

func statusClause(filter StatusFilter) (string, error) {
	switch filter {
	case FilterOpen:
		return ` WHERE status IN ('planning', 'running', 'paused')`, nil
	case FilterClosed:
		return ` WHERE status IN ('complete', 'failed', 'cancelled')`, nil
	case FilterAll, "":
		return "", nil
	default:
		return "", fmt.Errorf("invalid status filter: %s", filter)
	}
}

func nullableText(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func newID(prefix string, hexLen int) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "_" + raw[:hexLen]
}
