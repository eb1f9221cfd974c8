// Package scheduler runs named jobs on fixed intervals, each in its own
// goroutine under a shared cancellation tree. Stop cancels every job and
// waits for all of them to acknowledge before returning.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"jorbd/app/pkg/metrics"
)

var (
	ErrJobExists      = errors.New("scheduler: job already exists")
	ErrJobNotFound    = errors.New("scheduler: job not found")
	ErrSchedulerStart = errors.New("scheduler: already started")
)

type JobSpec struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(context.Context) error
}

type JobStatus struct {
	Name         string
	Runs         int64
	LastStartAt  time.Time
	LastEndAt    time.Time
	LastError    string
	LastDuration time.Duration
}

type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]JobSpec
	status  map[string]JobStatus
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	jobStop map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{
		jobs:    make(map[string]JobSpec),
		status:  make(map[string]JobStatus),
		jobStop: make(map[string]context.CancelFunc),
	}
}

// Register adds a job. On a running scheduler the job's loop starts
// immediately.
func (s *Scheduler) Register(job JobSpec) error {
	switch {
	case job.Name == "":
		return errors.New("scheduler: job name is required")
	case job.Interval <= 0:
		return errors.New("scheduler: job interval must be greater than zero")
	case job.Run == nil:
		return errors.New("scheduler: job run callback is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}
	s.jobs[job.Name] = job
	s.status[job.Name] = JobStatus{Name: job.Name}
	s.launchLocked(job)
	return nil
}

func (s *Scheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	delete(s.jobs, name)
	delete(s.status, name)
	if stop, exists := s.jobStop[name]; exists {
		stop()
		delete(s.jobStop, name)
	}
	return nil
}

func (s *Scheduler) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSchedulerStart
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	s.started = true
	for _, job := range s.jobs {
		s.launchLocked(job)
	}
	return nil
}

// Stop cancels every job loop and waits up to timeout for all of them to
// exit. A non-positive timeout waits indefinitely.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.ctx = nil
	s.cancel = nil
	s.started = false
	s.jobStop = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	cancel()
	if timeout <= 0 {
		s.wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler: stop timeout after %s", timeout)
	}
}

func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		items = append(items, st)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}

func (s *Scheduler) launchLocked(job JobSpec) {
	if !s.started || s.ctx == nil {
		return
	}
	if _, running := s.jobStop[job.Name]; running {
		return
	}
	jobCtx, stop := context.WithCancel(s.ctx)
	s.jobStop[job.Name] = stop
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		if job.RunOnStart {
			s.runOnce(jobCtx, job)
		}
		ticker := time.NewTicker(job.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				s.runOnce(jobCtx, job)
			}
		}
	}()
}

func (s *Scheduler) runOnce(parent context.Context, job JobSpec) {
	start := time.Now()
	s.updateStatus(job.Name, func(st *JobStatus) {
		st.LastStartAt = start
	})

	runCtx := parent
	cancel := func() {}
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, job.Timeout)
	}
	err := job.Run(runCtx)
	cancel()

	end := time.Now()
	s.updateStatus(job.Name, func(st *JobStatus) {
		st.Runs++
		st.LastEndAt = end
		st.LastDuration = end.Sub(start)
		st.LastError = ""
		if err != nil {
			st.LastError = err.Error()
		}
	})

	metrics.LoopTicks.WithLabelValues(job.Name).Inc()
	if err != nil {
		metrics.LoopErrors.WithLabelValues(job.Name).Inc()
		log.Printf("[Scheduler] job=%s failed: %v", job.Name, err)
	}
}

// updateStatus mutates one job's status entry under the lock. Unregistered
// names are dropped so a racing Unregister cannot resurrect a row.
func (s *Scheduler) updateStatus(name string, apply func(*JobStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		return
	}
	apply(&st)
	s.status[name] = st
}
