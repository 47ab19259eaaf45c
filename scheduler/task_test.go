package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		spec string
		next time.Time
	}{
		{"@every 60s", epoch.Add(time.Minute)},
		{"*/5 * * * *", epoch.Add(5 * time.Minute)},
		{"30 * * * * *", epoch.Add(30 * time.Second)},
		{"@hourly", epoch.Add(time.Hour)},
	}
	for _, tt := range tests {
		sched, err := ParseSchedule(tt.spec)
		require.NoError(t, err, tt.spec)
		assert.Equal(t, tt.next, sched.Next(epoch), tt.spec)
	}

	for _, bad := range []string{"", "   ", "every minute", "61 * * * *"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func waitRun(t *testing.T, runs <-chan int) int {
	t.Helper()
	select {
	case n := <-runs:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
		return 0
	}
}

func TestTaskRunsOnEveryTick(t *testing.T) {
	clock := NewManualClock(epoch)
	sched, err := ParseSchedule("@every 60s")
	require.NoError(t, err)

	runs := make(chan int, 10)
	var count atomic.Int32
	task := &Task{
		Name:     "ingest",
		Schedule: sched,
		Clock:    clock,
		Logger:   zap.NewNop(),
		Job: func(ctx context.Context) {
			runs <- int(count.Add(1))
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	clock.BlockUntil(1)
	clock.Advance(59 * time.Second)
	assert.Never(t, func() bool { return count.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Second)
	assert.Equal(t, 1, waitRun(t, runs))

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	assert.Equal(t, 2, waitRun(t, runs))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop")
	}
}

func TestTaskRunOnStart(t *testing.T) {
	clock := NewManualClock(epoch)
	sched, err := ParseSchedule("@every 60s")
	require.NoError(t, err)

	runs := make(chan int, 1)
	task := &Task{
		Name:       "ingest",
		Schedule:   sched,
		Clock:      clock,
		RunOnStart: true,
		Job:        func(ctx context.Context) { runs <- 1 },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go task.Run(ctx)

	assert.Equal(t, 1, waitRun(t, runs))
}

func TestTaskSurvivesPanickingJob(t *testing.T) {
	clock := NewManualClock(epoch)
	sched, err := ParseSchedule("@every 60s")
	require.NoError(t, err)

	runs := make(chan int, 10)
	var count atomic.Int32
	task := &Task{
		Name:     "ingest",
		Schedule: sched,
		Clock:    clock,
		Job: func(ctx context.Context) {
			n := int(count.Add(1))
			runs <- n
			if n == 1 {
				panic("upstream exploded")
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go task.Run(ctx)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	assert.Equal(t, 1, waitRun(t, runs))

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	assert.Equal(t, 2, waitRun(t, runs))
}

func TestTaskRequiresJob(t *testing.T) {
	task := &Task{Name: "empty"}
	assert.Error(t, task.Run(context.Background()))
}

func TestManualClockAfter(t *testing.T) {
	clock := NewManualClock(epoch)

	immediate := clock.After(0)
	select {
	case got := <-immediate:
		assert.Equal(t, epoch, got)
	default:
		t.Fatal("zero duration should fire immediately")
	}

	ch := clock.After(10 * time.Second)
	assert.Equal(t, 1, clock.Waiters())
	clock.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}
	clock.Advance(5 * time.Second)
	assert.Equal(t, epoch.Add(10*time.Second), <-ch)
	assert.Equal(t, 0, clock.Waiters())
}
