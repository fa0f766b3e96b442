// Package scheduler periodically scans the vault for credentials nearing
// expiry and hands them to a rotation handler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/371-Minds/credvault/internal/vault"
)

// Defaults used when Config fields are zero.
const (
	DefaultCron       = "0 * * * *"
	DefaultWindowDays = 7
)

// ExpiryChecker is the slice of the vault the scheduler reads from.
// Satisfied by *vault.Service.
type ExpiryChecker interface {
	CheckExpiring(ctx context.Context, daysAhead int) []vault.Expiring
}

// RotationHandler receives the credentials found by a sweep. The scheduler
// never mutates the vault itself.
type RotationHandler interface {
	HandleExpiring(ctx context.Context, due []vault.Expiring) error
}

// HandlerFunc adapts a function to RotationHandler.
type HandlerFunc func(ctx context.Context, due []vault.Expiring) error

// HandleExpiring calls f.
func (f HandlerFunc) HandleExpiring(ctx context.Context, due []vault.Expiring) error {
	return f(ctx, due)
}

// Handlers fans a sweep out to every handler in order. All handlers run
// even when an earlier one fails; their errors are joined.
func Handlers(hs ...RotationHandler) RotationHandler {
	return HandlerFunc(func(ctx context.Context, due []vault.Expiring) error {
		var errs []error
		for _, h := range hs {
			if h == nil {
				continue
			}
			if err := h.HandleExpiring(ctx, due); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// LogHandler warns once per expiring credential.
type LogHandler struct {
	Logger *slog.Logger
}

// HandleExpiring logs each credential in due.
func (h LogHandler) HandleExpiring(ctx context.Context, due []vault.Expiring) error {
	for _, e := range due {
		msg := "credential expiring"
		if e.DaysUntilExpiry < 0 {
			msg = "credential expired"
		}
		h.Logger.WarnContext(ctx, msg,
			slog.String("credential_id", e.ID),
			slog.String("name", e.Name),
			slog.String("type", e.Type),
			slog.String("created_by", e.CreatedBy),
			slog.Int("days_until_expiry", e.DaysUntilExpiry),
			slog.Time("expires_at", e.ExpiresAt),
		)
	}
	return nil
}

// Config controls the sweep schedule.
type Config struct {
	// Cron is a five-field cron expression or a descriptor such as
	// "@hourly" or "@every 30m". Default: hourly on the hour.
	Cron string
	// WindowDays is how far ahead a sweep looks. Default: 7.
	WindowDays int
}

// Scheduler runs expiry sweeps on a cron schedule.
type Scheduler struct {
	vault    ExpiryChecker
	handler  RotationHandler
	schedule cron.Schedule
	window   int
	logger   *slog.Logger
	clock    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sweeping atomic.Bool
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// New creates a scheduler. A nil handler selects LogHandler.
func New(v ExpiryChecker, handler RotationHandler, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Cron == "" {
		cfg.Cron = DefaultCron
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultWindowDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))
	if handler == nil {
		handler = LogHandler{Logger: logger}
	}
	schedule, err := ParseSchedule(cfg.Cron)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		vault:    v,
		handler:  handler,
		schedule: schedule,
		window:   cfg.WindowDays,
		logger:   logger,
		clock:    time.Now,
	}, nil
}

// NextRun returns the first scheduled sweep after from.
func (s *Scheduler) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start runs one sweep immediately and then one per schedule tick until
// Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Int("window_days", s.window))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.runSweep(ctx)

	for {
		next := s.NextRun(s.clock())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
	}
}

// Sweep checks for expiring credentials once and passes any hits to the
// handler. Overlapping sweeps are skipped.
func (s *Scheduler) Sweep(ctx context.Context) ([]vault.Expiring, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Debug("sweep already running, skipping")
		return nil, nil
	}
	defer s.sweeping.Store(false)

	due := s.vault.CheckExpiring(ctx, s.window)
	s.logger.Debug("expiry sweep", slog.Int("due", len(due)))
	if len(due) == 0 {
		return due, nil
	}
	if err := s.handler.HandleExpiring(ctx, due); err != nil {
		return due, fmt.Errorf("rotation handler: %w", err)
	}
	return due, nil
}

// Stop shuts the scheduler down and waits for the loop to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
