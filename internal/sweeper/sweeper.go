// Package sweeper finishes conversations whose timeout has passed and
// releases their instance slots, on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/flowgate/internal/alert"
	"github.com/zulandar/flowgate/internal/conversation"
	"github.com/zulandar/flowgate/internal/logger"
	"go.uber.org/zap"
)

// DefaultSchedule runs a sweep every ten minutes.
const DefaultSchedule = "*/10 * * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule reports whether expr is a valid 5-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", expr, err)
	}
	return nil
}

// Sweeper expires conversations.
type Sweeper struct {
	store    *conversation.Store
	schedule string
	alerter  alert.Alerter
	now      func() time.Time
	done     chan struct{}
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithAlerter reports failed scheduled sweeps to operators.
func WithAlerter(a alert.Alerter) Option {
	return func(s *Sweeper) { s.alerter = a }
}

// New returns a Sweeper. An empty schedule uses DefaultSchedule.
func New(store *conversation.Store, schedule string, opts ...Option) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	s := &Sweeper{store: store, schedule: schedule, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sweep finishes every live conversation past its timeout and returns how
// many this call finished. Overlapping sweeps never release a slot twice.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.ExpireDue(ctx, s.now())
	if err != nil {
		return n, fmt.Errorf("sweeper: %w", err)
	}
	return n, nil
}

// Start schedules Sweep and returns. The schedule stops when ctx is done;
// Done is closed once a running sweep has returned.
func (s *Sweeper) Start(ctx context.Context) error {
	sched, err := cronParser.Parse(s.schedule)
	if err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", s.schedule, err)
	}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger{logger.L().Sugar()}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.L().Sugar()})),
	)
	c.Schedule(sched, cron.FuncJob(func() { s.run(ctx) }))
	c.Start()
	logger.Info("sweeper scheduled", zap.String("schedule", s.schedule))

	s.done = make(chan struct{})
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		close(s.done)
	}()
	return nil
}

// Done is closed after Start's schedule has stopped. It is nil before Start.
func (s *Sweeper) Done() <-chan struct{} {
	return s.done
}

func (s *Sweeper) run(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		logger.Error("sweep failed", zap.Int("finished", n), zap.Error(err))
		if s.alerter != nil {
			aerr := s.alerter.Alert(ctx, alert.Alert{
				Key:    "sweep_failed",
				Level:  alert.LevelError,
				Title:  "Expiry sweep failed",
				Body:   err.Error(),
				Fields: []alert.Field{{Name: "Finished before failure", Value: fmt.Sprint(n), Short: true}},
			})
			if aerr != nil {
				logger.Warn("alert delivery failed", zap.String("key", "sweep_failed"), zap.Error(aerr))
			}
		}
		return
	}
	if n > 0 {
		logger.Info("expired conversations finished", zap.Int("count", n))
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
