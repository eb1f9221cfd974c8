// Package contextreset keeps indefinitely long conversations inside a
// bounded reasoning budget. On a cadence it rewrites every open jorb's raw
// history into a compact narrative, checkpoints the result, and appends a
// human-readable handoff section to the progress log.
package contextreset

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"jorbd/app/core/orchestrator/jorb"
	"jorbd/app/core/orchestrator/oracle"
	"jorbd/app/pkg/metrics"
)

// ResetState is the subset of the runtime state bookkeeping the compactor
// uses; *runtime.State satisfies it.
type ResetState interface {
	RecordActivity(now int64) error
	LastResetAt() int64
	LastActivityAt() int64
	MarkReset(now int64) error
	ResetCount() int64
}

type Service struct {
	store        *jorb.Store
	oracle       oracle.Oracle
	state        ResetState
	progressLog  *ProgressLog
	intervalDays int
	messageLimit int
	now          func() time.Time
}

func NewService(store *jorb.Store, orc oracle.Oracle, state ResetState, progressLog *ProgressLog, intervalDays int, messageLimit int) *Service {
	if intervalDays <= 0 {
		intervalDays = 3
	}
	if messageLimit <= 0 {
		messageLimit = 20
	}
	return &Service{
		store:        store,
		oracle:       orc,
		state:        state,
		progressLog:  progressLog,
		intervalDays: intervalDays,
		messageLimit: messageLimit,
		now:          time.Now,
	}
}

// SetClock overrides the service's time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// RecordActivity marks that some jorb sent or received a message.
func (s *Service) RecordActivity() {
	if err := s.state.RecordActivity(s.now().Unix()); err != nil {
		log.Printf("[ContextReset] could not record activity: %v", err)
	}
}

// ShouldReset is true only when the reset interval has elapsed AND there has
// been activity since the last reset. Idle stretches never trigger
// compaction cycles.
func (s *Service) ShouldReset(now time.Time) bool {
	lastReset := s.state.LastResetAt()
	lastActivity := s.state.LastActivityAt()

	if lastReset == 0 {
		return lastActivity > 0
	}
	if now.Unix()-lastReset < int64(s.intervalDays)*86400 {
		return false
	}
	return lastActivity > lastReset
}

type resetReply struct {
	SessionSummary string        `json:"session_summary"`
	Tasks          []JorbHandoff `json:"tasks"`
}

// PerformReset compacts every open jorb in one oracle pass. If the oracle is
// unreachable the whole reset fails with no partial per-jorb updates; the
// next heartbeat retries it.
func (s *Service) PerformReset(ctx context.Context) (HandoffSummary, error) {
	open, err := s.store.GetOpenJorbsWithMessages(ctx, s.messageLimit)
	if err != nil {
		return HandoffSummary{}, fmt.Errorf("load open jorbs: %w", err)
	}

	now := s.now()
	if len(open) == 0 {
		if err := s.state.MarkReset(now.Unix()); err != nil {
			return HandoffSummary{}, err
		}
		return HandoffSummary{SessionSummary: "No open jorbs."}, nil
	}

	metrics.OracleCalls.WithLabelValues("reset").Inc()
	resp, err := s.oracle.Complete(ctx, oracle.Request{
		System: "You are writing handoff notes so a fresh instance of an autonomous task agent can pick up every in-flight task. Return JSON only.",
		Prompt: buildResetPrompt(open),
	})
	if err != nil {
		metrics.OracleFailures.WithLabelValues("reset").Inc()
		return HandoffSummary{}, fmt.Errorf("summarize open jorbs: %w", err)
	}

	payload, err := oracle.ExtractJSONObject(resp.Text)
	if err != nil {
		return HandoffSummary{}, fmt.Errorf("reset reply was not JSON: %w", err)
	}
	var reply resetReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		return HandoffSummary{}, fmt.Errorf("parse reset reply: %w", err)
	}

	byID := make(map[string]JorbHandoff, len(reply.Tasks))
	for _, h := range reply.Tasks {
		byID[h.JorbID] = h
	}

	summary := HandoffSummary{SessionSummary: reply.SessionSummary}
	for _, item := range open {
		handoff, ok := byID[item.Jorb.ID]
		if !ok {
			// Oracle skipped one; carry its existing narrative through.
			handoff = JorbHandoff{
				JorbID:          item.Jorb.ID,
				ProgressSummary: item.Jorb.ProgressSummary,
			}
		}
		handoff.Name = item.Jorb.Name
		handoff.Status = string(item.Jorb.Status)
		if strings.TrimSpace(handoff.ProgressSummary) == "" {
			handoff.ProgressSummary = item.Jorb.ProgressSummary
		}
		summary.Jorbs = append(summary.Jorbs, handoff)
	}

	if s.progressLog != nil {
		if err := s.progressLog.AppendResetSection(now, summary); err != nil {
			return HandoffSummary{}, fmt.Errorf("append progress log: %w", err)
		}
	}

	for _, h := range summary.Jorbs {
		if _, err := s.store.AddCheckpoint(ctx, h.JorbID, checkpointText(h)); err != nil {
			return HandoffSummary{}, fmt.Errorf("checkpoint %s: %w", h.JorbID, err)
		}
		progress := h.ProgressSummary
		if err := s.store.UpdateJorb(ctx, h.JorbID, jorb.Patch{ProgressSummary: &progress}); err != nil {
			return HandoffSummary{}, fmt.Errorf("update %s: %w", h.JorbID, err)
		}
	}

	if err := s.state.MarkReset(now.Unix()); err != nil {
		return HandoffSummary{}, err
	}
	metrics.ContextResets.Inc()
	log.Printf("[ContextReset] compacted %d open jorbs (reset #%d)", len(summary.Jorbs), s.state.ResetCount())
	return summary, nil
}

func buildResetPrompt(open []jorb.JorbWithMessages) string {
	var b strings.Builder
	b.WriteString("Compact each task's history into handoff notes.\n\n")
	b.WriteString("JSON schema:\n")
	b.WriteString(`{"session_summary":"one paragraph across all tasks","tasks":[{"id":"...","progress_summary":"full replacement narrative","recent_activity":"short","next_steps":"short"}]}`)
	b.WriteString("\n\nEvery task listed below must appear in tasks, keyed by its id.\n")
	for _, item := range open {
		j := item.Jorb
		b.WriteString(fmt.Sprintf("\n--- task id=%s name=%q status=%s\n", j.ID, j.Name, j.Status))
		b.WriteString("goal: " + j.OriginalPlan + "\n")
		if j.ProgressSummary != "" {
			b.WriteString("progress so far: " + j.ProgressSummary + "\n")
		}
		b.WriteString("recent messages:\n")
		if len(item.Messages) == 0 {
			b.WriteString("- none\n")
		}
		for _, m := range item.Messages {
			b.WriteString(fmt.Sprintf("- [%s] %s\n", m.Direction, m.Content))
		}
	}
	return b.String()
}

func checkpointText(h JorbHandoff) string {
	text := h.ProgressSummary
	if h.RecentActivity != "" {
		text += "\nRecent: " + h.RecentActivity
	}
	if h.NextSteps != "" {
		text += "\nNext: " + h.NextSteps
	}
	return text
}
