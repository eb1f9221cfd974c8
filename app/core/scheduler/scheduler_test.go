package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterValidation(t *testing.T) {
	s := New()

	require.Error(t, s.Register(JobSpec{Interval: time.Second, Run: func(context.Context) error { return nil }}))
	require.Error(t, s.Register(JobSpec{Name: "a", Run: func(context.Context) error { return nil }}))
	require.Error(t, s.Register(JobSpec{Name: "a", Interval: time.Second}))

	spec := JobSpec{Name: "a", Interval: time.Second, Run: func(context.Context) error { return nil }}
	require.NoError(t, s.Register(spec))
	require.ErrorIs(t, s.Register(spec), ErrJobExists)
}

func TestRunOnStartAndTicks(t *testing.T) {
	s := New()
	var runs atomic.Int64
	require.NoError(t, s.Register(JobSpec{
		Name:       "ticker",
		Interval:   20 * time.Millisecond,
		RunOnStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrSchedulerStart)

	require.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(time.Second))
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestRegisterAfterStart(t *testing.T) {
	s := New()
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)

	var runs atomic.Int64
	require.NoError(t, s.Register(JobSpec{
		Name:       "late",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSnapshotRecordsErrors(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(JobSpec{
		Name:       "flaky",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(context.Context) error {
			return errors.New("boom")
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)

	require.Eventually(t, func() bool {
		for _, st := range s.Snapshot() {
			if st.Name == "flaky" && st.Runs == 1 && st.LastError == "boom" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnregisterStopsJob(t *testing.T) {
	s := New()
	var runs atomic.Int64
	require.NoError(t, s.Register(JobSpec{
		Name:     "short",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)

	require.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Unregister("short"))
	require.ErrorIs(t, s.Unregister("short"), ErrJobNotFound)

	stopped := runs.Load()
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, runs.Load(), stopped+1, "at most one in-flight run after Unregister")
}

func TestJobTimeoutCancelsRun(t *testing.T) {
	s := New()
	cancelled := make(chan struct{})
	require.NoError(t, s.Register(JobSpec{
		Name:       "slow",
		Interval:   time.Hour,
		Timeout:    10 * time.Millisecond,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("job context was not cancelled by its timeout")
	}
}
