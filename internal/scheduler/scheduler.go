package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var errMissingRunner = errors.New("scheduled runner is required")

// Runner executes one scheduled sync.
type Runner interface {
	SyncScheduled(ctx context.Context, scheduledAt time.Time)
}

type Config struct {
	// Spec is a standard five-field cron expression or descriptor. Empty
	// disables scheduling.
	Spec     string
	Runner   Runner
	Location *time.Location
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Scheduler fires the scheduled sync trigger. Overlapping ticks are skipped.
type Scheduler struct {
	spec   string
	runner Runner
	clock  func() time.Time
	logger *zap.Logger
	cron   *cron.Cron
	job    cron.Job

	running atomic.Bool

	mu      sync.Mutex
	baseCtx context.Context
	entryID cron.EntryID
	started bool
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errMissingRunner
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}

	cronLogger := zapCronLogger{logger: logger.Sugar()}
	s := &Scheduler{
		spec:    strings.TrimSpace(cfg.Spec),
		runner:  cfg.Runner,
		clock:   clock,
		logger:  logger,
		baseCtx: context.Background(),
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithLogger(cronLogger),
		),
	}
	chain := cron.NewChain(
		cron.Recover(cronLogger),
		skipIfRunning(&s.running, cronLogger),
	)
	s.job = chain.Then(cron.FuncJob(func() { s.tick(s.now()) }))

	if s.spec == "" {
		return s, nil
	}
	entryID, err := s.cron.AddJob(s.spec, chain.Then(cron.FuncJob(func() { s.tick(s.entryTime()) })))
	if err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", s.spec, err)
	}
	s.entryID = entryID
	return s, nil
}

// Enabled reports whether a schedule is configured.
func (s *Scheduler) Enabled() bool {
	return s.spec != ""
}

// Start begins firing ticks. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Info("sync schedule disabled")
		return
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("sync schedule started",
		zap.String("schedule", s.spec),
		zap.Time("next", s.Next()))
}

// Stop halts new ticks and waits for a running tick to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled tick, or the zero time when disabled.
func (s *Scheduler) Next() time.Time {
	if !s.Enabled() {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Trigger fires one tick immediately, stamped with the current time. It
// shares the overlap gate with cron-fired ticks.
func (s *Scheduler) Trigger() {
	s.job.Run()
}

func (s *Scheduler) tick(scheduledAt time.Time) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.logger.Debug("sync schedule fired", zap.Time("scheduled_at", scheduledAt))
	s.runner.SyncScheduled(ctx, scheduledAt)
}

func (s *Scheduler) now() time.Time {
	return s.clock().UTC().Truncate(time.Second)
}

// entryTime is the activation time cron dispatched the running tick for.
// The run loop advances Prev before it answers the entry snapshot.
func (s *Scheduler) entryTime() time.Time {
	prev := s.cron.Entry(s.entryID).Prev
	if prev.IsZero() {
		return s.now()
	}
	return prev.UTC()
}

// skipIfRunning drops a tick while another one holds the flag, whichever
// path started it.
func skipIfRunning(running *atomic.Bool, logger cron.Logger) cron.JobWrapper {
	return func(job cron.Job) cron.Job {
		return cron.FuncJob(func() {
			if !running.CompareAndSwap(false, true) {
				logger.Info("skip")
				return
			}
			defer running.Store(false)
			job.Run()
		})
	}
}

// zapCronLogger adapts zap to cron.Logger.
type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
