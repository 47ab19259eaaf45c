package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule accepts descriptors ("@every 60s", "@hourly") and 5 or 6 field cron expressions.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	return parser.Parse(spec)
}

// Task runs Job on every activation of Schedule until the context is cancelled.
// Activations are computed from Clock, so a ManualClock can drive it in tests.
type Task struct {
	Name       string
	Schedule   cron.Schedule
	Clock      Clock
	Logger     *zap.Logger
	RunOnStart bool
	Job        func(ctx context.Context)
}

func (t *Task) Run(ctx context.Context) error {
	if t.Schedule == nil || t.Job == nil {
		return fmt.Errorf("task %q: schedule and job are required", t.Name)
	}
	clock := t.Clock
	if clock == nil {
		clock = RealClock()
	}
	log := t.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("task", t.Name))

	log.Info("task started")
	defer log.Info("task stopped")

	if t.RunOnStart {
		t.runOnce(ctx, log)
	}
	for {
		now := clock.Now()
		next := t.Schedule.Next(now)
		if next.IsZero() {
			return fmt.Errorf("task %q: schedule has no future activation", t.Name)
		}
		log.Debug("next activation", zap.Time("at", next))

		select {
		case <-ctx.Done():
			return nil
		case <-clock.After(next.Sub(now)):
		}
		if ctx.Err() != nil {
			return nil
		}
		t.runOnce(ctx, log)
	}
}

func (t *Task) runOnce(ctx context.Context, log *zap.Logger) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	t.Job(ctx)
	log.Debug("task job finished", zap.Duration("elapsed", time.Since(started)))
}
