package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	config "jorbd/app/configs"
	"jorbd/app/core/contextreset"
	"jorbd/app/core/orchestrator/agent"
	"jorbd/app/core/orchestrator/jorb"
	"jorbd/app/core/scheduler"
	"jorbd/app/core/transport"
	"jorbd/app/pkg/metrics"
)

// LoopDeps carries everything the four orchestration loops touch.
type LoopDeps struct {
	Store       *jorb.Store
	Runner      *agent.Runner
	Compactor   *contextreset.Service
	State       *State
	Notifier    transport.NotificationSink
	AsyncLookup transport.AsyncTaskLookup
	Maintenance transport.DeviceMaintenance
}

// RegisterLoops wires the heartbeat, digest, maintenance, and worker loops
// onto the scheduler. Each loop catches its own tick failures; a bad tick is
// logged and the next interval tries again.
func RegisterLoops(jobScheduler *scheduler.Scheduler, deps LoopDeps, cfg config.SchedulerConfig) error {
	monthlySched, err := cron.ParseStandard(cfg.MonthlyCronSpec)
	if err != nil {
		return fmt.Errorf("parse monthly cron spec: %w", err)
	}
	weeklySched, err := cron.ParseStandard(cfg.WeeklyCronSpec)
	if err != nil {
		return fmt.Errorf("parse weekly cron spec: %w", err)
	}

	jobs := []scheduler.JobSpec{
		{
			Name:       "heartbeat",
			Interval:   time.Duration(cfg.HeartbeatIntervalMin) * time.Minute,
			Timeout:    10 * time.Minute,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				return heartbeatTick(ctx, deps)
			},
		},
		{
			Name:     "digest",
			Interval: time.Minute,
			Timeout:  2 * time.Minute,
			Run: func(ctx context.Context) error {
				return digestTick(ctx, deps, cfg.DigestTime, time.Now())
			},
		},
		{
			Name:     "maintenance",
			Interval: time.Hour,
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				return maintenanceTick(ctx, deps, monthlySched, weeklySched, time.Now())
			},
		},
		{
			Name:     "worker",
			Interval: time.Duration(cfg.WorkerTickSec) * time.Second,
			Timeout:  5 * time.Minute,
			Run: func(ctx context.Context) error {
				return workerTick(ctx, deps, cfg)
			},
		},
	}

	for _, job := range jobs {
		if err := jobScheduler.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// heartbeatTick enforces staleness and expiry, then runs a context reset if
// one is due. Failures in one step do not stop the others.
func heartbeatTick(ctx context.Context, deps LoopDeps) error {
	var errs []error

	if paused, err := deps.Runner.CheckStaleJorbs(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stale check: %w", err))
	} else if len(paused) > 0 {
		log.Printf("[Heartbeat] auto-paused %d stale jorbs", len(paused))
	}

	if failed, err := deps.Runner.CheckExpiredJorbs(ctx); err != nil {
		errs = append(errs, fmt.Errorf("expiry check: %w", err))
	} else if len(failed) > 0 {
		log.Printf("[Heartbeat] auto-failed %d expired jorbs", len(failed))
	}

	if deps.Compactor.ShouldReset(time.Now()) {
		if _, err := deps.Compactor.PerformReset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("context reset: %w", err))
		}
	}

	if open, err := deps.Store.ListJorbs(ctx, jorb.FilterOpen); err == nil {
		metrics.OpenJorbs.Set(float64(len(open)))
	}

	return errors.Join(errs...)
}

// digestTick fires at most once per calendar day, at or after the configured
// local time.
func digestTick(ctx context.Context, deps LoopDeps, digestTime string, now time.Time) error {
	date := now.Format("2006-01-02")
	if deps.State.DigestSentOn(date) {
		return nil
	}

	fireAt, err := time.ParseInLocation("15:04", digestTime, now.Location())
	if err != nil {
		return fmt.Errorf("parse digest time %q: %w", digestTime, err)
	}
	fireAt = time.Date(now.Year(), now.Month(), now.Day(), fireAt.Hour(), fireAt.Minute(), 0, 0, now.Location())
	if now.Before(fireAt) {
		return nil
	}

	body, err := buildDigest(ctx, deps.Store, now)
	if err != nil {
		return fmt.Errorf("build digest: %w", err)
	}
	if deps.Notifier != nil {
		if err := deps.Notifier.Notify(ctx, "Daily jorb digest", body); err != nil {
			return fmt.Errorf("send digest: %w", err)
		}
	}
	return deps.State.MarkDigestSent(date)
}

func buildDigest(ctx context.Context, store *jorb.Store, now time.Time) (string, error) {
	open, err := store.GetOpenJorbsWithMessages(ctx, 5)
	if err != nil {
		return "", err
	}
	closed, err := store.ListJorbs(ctx, jorb.FilterClosed)
	if err != nil {
		return "", err
	}

	dayAgo := now.Unix() - 86400
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Open jorbs: %d\n", len(open)))
	for _, item := range open {
		j := item.Jorb
		b.WriteString(fmt.Sprintf("- %s [%s]", j.Name, j.Status))
		if j.NeedsApprovalFor != "" {
			b.WriteString(" needs approval: " + j.NeedsApprovalFor)
		}
		recent := 0
		for _, m := range item.Messages {
			if m.Timestamp >= dayAgo {
				recent++
			}
		}
		if recent > 0 {
			b.WriteString(fmt.Sprintf(" (%d messages today)", recent))
		}
		b.WriteString("\n")
	}

	var closedToday []jorb.Jorb
	for _, j := range closed {
		if j.UpdatedAt >= dayAgo {
			closedToday = append(closedToday, j)
		}
	}
	if len(closedToday) > 0 {
		b.WriteString(fmt.Sprintf("\nClosed in the last day: %d\n", len(closedToday)))
		for _, j := range closedToday {
			b.WriteString(fmt.Sprintf("- %s [%s]\n", j.Name, j.Status))
		}
	}
	return b.String(), nil
}

// maintenanceTick runs the monthly and weekly device maintenance payloads,
// each at most once per calendar month / ISO week even though the loop
// checks hourly.
func maintenanceTick(ctx context.Context, deps LoopDeps, monthly cron.Schedule, weekly cron.Schedule, now time.Time) error {
	if deps.Maintenance == nil {
		return nil
	}
	var errs []error

	// Idempotence keys come from the occurrence, not from now, so one cron
	// occurrence runs exactly once no matter where in its period the hourly
	// check lands.
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	if occ := monthly.Next(startOfMonth.Add(-time.Second)); !occ.After(now) {
		if monthKey := occ.Format("2006-01"); !deps.State.MonthlyMaintenanceDone(monthKey) {
			if err := deps.Maintenance.RunMonthly(ctx); err != nil {
				errs = append(errs, fmt.Errorf("monthly maintenance: %w", err))
			} else if err := deps.State.MarkMonthlyMaintenance(monthKey); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if occ := weekly.Next(now.AddDate(0, 0, -7)); !occ.After(now) {
		if weekKey := isoWeekKey(occ); !deps.State.WeeklyMaintenanceDone(weekKey) {
			if err := deps.Maintenance.RunWeekly(ctx); err != nil {
				errs = append(errs, fmt.Errorf("weekly maintenance: %w", err))
			} else if err := deps.State.MarkWeeklyMaintenance(weekKey); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func isoWeekKey(now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// workerTick resumes jorbs whose wake time arrived. Each due jorb is claimed
// by clearing wake_at before any processing, so an overrunning tick can
// never hand the same jorb to two turns.
func workerTick(ctx context.Context, deps LoopDeps, cfg config.SchedulerConfig) error {
	now := time.Now().Unix()
	due, err := deps.Store.ListDueJorbs(ctx, now, cfg.WorkerBatchLimit)
	if err != nil {
		return fmt.Errorf("list due jorbs: %w", err)
	}

	for _, j := range due {
		if err := processDueJorb(ctx, deps, cfg, j); err != nil {
			log.Printf("[Worker] jorb %s: %v", j.ID, err)
		}
	}
	return nil
}

func processDueJorb(ctx context.Context, deps LoopDeps, cfg config.SchedulerConfig, j jorb.Jorb) error {
	var zero int64
	if err := deps.Store.UpdateJorb(ctx, j.ID, jorb.Patch{WakeAt: &zero}); err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	j.WakeAt = 0

	if j.Awaiting == "" {
		result := deps.Runner.ProcessJorbEvent(ctx, j, nil)
		return result.Err
	}

	// Waiting on an external async operation: poll its status without
	// spending an oracle call. Only a terminal status hands the jorb back
	// to the agent.
	refID := j.Awaiting
	if idx := strings.LastIndexByte(refID, ':'); idx >= 0 {
		refID = refID[idx+1:]
	}

	rearm := func() error {
		wakeAt := time.Now().Unix() + int64(cfg.AsyncPollIntervalSec)
		return deps.Store.UpdateJorb(ctx, j.ID, jorb.Patch{WakeAt: &wakeAt})
	}

	if deps.AsyncLookup == nil {
		return rearm()
	}
	status, err := deps.AsyncLookup.GetStatus(ctx, refID)
	if err != nil {
		if rearmErr := rearm(); rearmErr != nil {
			return rearmErr
		}
		return fmt.Errorf("poll %s: %w", j.Awaiting, err)
	}
	if !status.IsTerminal() {
		return rearm()
	}

	note := fmt.Sprintf("External operation %s finished with status %s.", j.Awaiting, status.Status)
	if status.Result != "" {
		note += " Result: " + status.Result
	}
	if status.Error != "" {
		note += " Error: " + status.Error
	}
	progress := j.ProgressSummary
	if progress != "" {
		progress += "\n"
	}
	progress += note

	patch := jorb.Patch{ProgressSummary: &progress}
	patch.ClearAwaiting()
	if err := deps.Store.UpdateJorb(ctx, j.ID, patch); err != nil {
		return fmt.Errorf("clear awaiting: %w", err)
	}
	j.Awaiting = ""
	j.ProgressSummary = progress

	result := deps.Runner.ProcessJorbEvent(ctx, j, nil)
	return result.Err
}
