// Package lifecycle sequences a full trading day: pre-market wait, the
// opening scalp window, the main session with an automatically selected
// driver, square-off, and the end-of-day journal archive.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphadeck/optionsbot/internal/config"
	"github.com/alphadeck/optionsbot/internal/domain"
	"github.com/alphadeck/optionsbot/internal/journal"
	"github.com/alphadeck/optionsbot/internal/risk"
	"github.com/alphadeck/optionsbot/internal/runner"
)

// DecisionEngine picks the driver for the main session.
type DecisionEngine interface {
	SelectDriver(ctx context.Context, now time.Time) (string, error)
}

// CapitalBased selects the straddle when the account margin covers it and
// falls back to the directional momentum driver otherwise.
type CapitalBased struct {
	Gate           *risk.Gatekeeper
	StraddleMargin float64
}

func (c CapitalBased) SelectDriver(ctx context.Context, _ time.Time) (string, error) {
	if ok, _ := c.Gate.CheckFunds(ctx, c.StraddleMargin); ok {
		return "straddle", nil
	}
	return "momentum", nil
}

// Options holds the day plan times.
type Options struct {
	SessionStart config.TimeOfDay
	OHLEnd       config.TimeOfDay // end of the opening scalp window
	SquareOff    config.TimeOfDay
}

// Scheduler drives the runner through the phases of one trading day.
type Scheduler struct {
	runner   *runner.Runner
	decide   DecisionEngine
	archiver *journal.Archiver
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Scheduler. archiver may be nil.
func New(r *runner.Runner, decide DecisionEngine, archiver *journal.Archiver, opts Options, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   r,
		decide:   decide,
		archiver: archiver,
		opts:     opts,
		logger:   logger.With(slog.String("component", "lifecycle")),
		now:      time.Now,
	}
}

// Run executes the day plan and returns when the session is over or the
// context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.now()

	if s.opts.SquareOff.Reached(now) {
		return fmt.Errorf("lifecycle: session already over for today")
	}

	if err := s.sleepUntil(ctx, s.opts.SessionStart); err != nil {
		return err
	}

	// Opening scalp: run the OHL driver until the opening window closes.
	if !s.opts.OHLEnd.Reached(s.now()) {
		if err := s.runPhase(ctx, "ohl", s.opts.OHLEnd); err != nil {
			return err
		}
	}

	driver, err := s.decide.SelectDriver(ctx, s.now())
	if err != nil {
		return fmt.Errorf("lifecycle: select driver: %w", err)
	}
	s.logger.InfoContext(ctx, "main session driver selected", slog.String("driver", driver))

	if err := s.runPhase(ctx, driver, s.opts.SquareOff); err != nil {
		return err
	}

	if s.archiver != nil {
		if _, err := s.archiver.ArchiveDay(ctx, now); err != nil {
			s.logger.ErrorContext(ctx, "journal archive failed", slog.String("error", err.Error()))
		}
	}
	s.logger.InfoContext(ctx, "trading day complete")
	return nil
}

// runPhase starts the runner with a driver, waits for the phase to end, and
// stops the runner if it has not already wound itself down.
func (s *Scheduler) runPhase(ctx context.Context, driver string, until config.TimeOfDay) error {
	err := s.runner.Start(ctx, driver)
	if errors.Is(err, domain.ErrBotRunning) {
		return fmt.Errorf("lifecycle: phase %s: %w", driver, err)
	}
	if err != nil {
		return fmt.Errorf("lifecycle: start %s: %w", driver, err)
	}

	if err := s.sleepUntil(ctx, until); err != nil {
		_ = s.stopRunner(context.Background())
		return err
	}
	return s.stopRunner(ctx)
}

// stopRunner stops the runner, waiting out a slow position close.
func (s *Scheduler) stopRunner(ctx context.Context) error {
	for {
		err := s.runner.Stop(ctx)
		switch {
		case err == nil, errors.Is(err, domain.ErrBotStopped):
			return nil
		case errors.Is(err, domain.ErrStillStopping):
			s.logger.Info("runner still stopping, waiting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		default:
			return fmt.Errorf("lifecycle: stop runner: %w", err)
		}
	}
}

// sleepUntil blocks until the wall clock reaches t today.
func (s *Scheduler) sleepUntil(ctx context.Context, t config.TimeOfDay) error {
	now := s.now()
	target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
	if !target.After(now) {
		return nil
	}
	s.logger.Info("waiting", slog.Time("until", target))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Until(target)):
		return nil
	}
}
