package agent

import (
	"context"
	"fmt"
	"log"

	"jorbd/app/core/orchestrator/jorb"
)

// Approve moves a jorb forward on an explicit human decision. A planning
// jorb starts and is kicked off; a paused jorb resumes and immediately takes
// a turn. Anything else is an invalid transition.
func (r *Runner) Approve(ctx context.Context, jorbID string, decision string) (Result, error) {
	j, err := r.store.GetJorb(ctx, jorbID)
	if err != nil {
		return Result{JorbID: jorbID}, err
	}

	switch j.Status {
	case jorb.StatusPlanning:
		running := jorb.StatusRunning
		progress := appendEntry(j.ProgressSummary, "Started with instructions: "+decision)
		if err := r.store.UpdateJorb(ctx, j.ID, jorb.Patch{
			Status:          &running,
			ProgressSummary: &progress,
		}); err != nil {
			return Result{JorbID: j.ID}, err
		}
		j.Status = jorb.StatusRunning
		j.ProgressSummary = progress
		log.Printf("[Agent] jorb %s approved from planning, kicking off", j.ID)
		return r.KickoffJorb(ctx, j), nil

	case jorb.StatusPaused:
		running := jorb.StatusRunning
		progress := appendEntry(j.ProgressSummary, "Approved: "+decision)
		cleared := ""
		if err := r.store.UpdateJorb(ctx, j.ID, jorb.Patch{
			Status:           &running,
			ProgressSummary:  &progress,
			PausedReason:     &cleared,
			NeedsApprovalFor: &cleared,
		}); err != nil {
			return Result{JorbID: j.ID}, err
		}
		j.Status = jorb.StatusRunning
		j.ProgressSummary = progress
		j.PausedReason = ""
		j.NeedsApprovalFor = ""
		log.Printf("[Agent] jorb %s approved from paused, resuming", j.ID)
		return r.ProcessJorbEvent(ctx, j, nil), nil

	default:
		return Result{JorbID: j.ID}, fmt.Errorf("%w: approve from %s", jorb.ErrInvalidTransition, j.Status)
	}
}

// Cancel terminates any non-terminal jorb. Terminal jorbs reject the
// transition rather than absorbing it.
func (r *Runner) Cancel(ctx context.Context, jorbID string, reason string) error {
	j, err := r.store.GetJorb(ctx, jorbID)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: cancel from %s", jorb.ErrInvalidTransition, j.Status)
	}

	cancelled := jorb.StatusCancelled
	progress := appendEntry(j.ProgressSummary, "Cancelled: "+reason)
	return r.store.UpdateJorb(ctx, j.ID, jorb.Patch{
		Status:          &cancelled,
		ProgressSummary: &progress,
		Outcome:         &jorb.Outcome{Result: "cancelled: " + reason, CompletedAt: r.now()},
	})
}

// CheckStaleJorbs pauses running jorbs with no activity past the configured
// threshold so a stuck jorb cannot quietly burn resources forever.
func (r *Runner) CheckStaleJorbs(ctx context.Context) ([]string, error) {
	open, err := r.store.ListJorbs(ctx, jorb.FilterOpen)
	if err != nil {
		return nil, err
	}

	cutoff := r.now() - int64(r.cfg.StaleAfterHours)*3600
	var pausedIDs []string
	for _, j := range open {
		if j.Status != jorb.StatusRunning || j.UpdatedAt > cutoff {
			continue
		}
		paused := jorb.StatusPaused
		reason := fmt.Sprintf("Auto-paused: no activity in %d hours", r.cfg.StaleAfterHours)
		approvalFor := "resume"
		if err := r.store.UpdateJorb(ctx, j.ID, jorb.Patch{
			Status:           &paused,
			PausedReason:     &reason,
			NeedsApprovalFor: &approvalFor,
		}); err != nil {
			log.Printf("[Agent] could not auto-pause stale jorb %s: %v", j.ID, err)
			continue
		}
		log.Printf("[Agent] auto-paused stale jorb %s", j.ID)
		pausedIDs = append(pausedIDs, j.ID)
	}
	return pausedIDs, nil
}

// CheckExpiredJorbs fails running or paused jorbs past their absolute
// lifetime limit, regardless of activity.
func (r *Runner) CheckExpiredJorbs(ctx context.Context) ([]string, error) {
	open, err := r.store.ListJorbs(ctx, jorb.FilterOpen)
	if err != nil {
		return nil, err
	}

	cutoff := r.now() - int64(r.cfg.MaxLifetimeDays)*86400
	var failedIDs []string
	for _, j := range open {
		if j.Status == jorb.StatusPlanning || j.CreatedAt > cutoff {
			continue
		}
		failed := jorb.StatusFailed
		note := fmt.Sprintf("Auto-failed: exceeded %d day limit", r.cfg.MaxLifetimeDays)
		progress := appendEntry(j.ProgressSummary, note)
		if err := r.store.UpdateJorb(ctx, j.ID, jorb.Patch{
			Status:          &failed,
			ProgressSummary: &progress,
			Outcome:         &jorb.Outcome{FailureReason: note, CompletedAt: r.now()},
		}); err != nil {
			log.Printf("[Agent] could not auto-fail expired jorb %s: %v", j.ID, err)
			continue
		}
		log.Printf("[Agent] auto-failed expired jorb %s", j.ID)
		failedIDs = append(failedIDs, j.ID)
	}
	return failedIDs, nil
}
