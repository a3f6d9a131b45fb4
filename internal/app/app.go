// Package app wires the bot's components together and runs them for the
// lifetime of the process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alphadeck/optionsbot/internal/config"
)

// App is the composed application.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	deps    *Dependencies
	cleanup func()
}

// New wires the application from the configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	deps, cleanup, err := Wire(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, logger: logger, deps: deps, cleanup: cleanup}, nil
}

// Deps exposes the wired dependency graph.
func (a *App) Deps() *Dependencies { return a.deps }

// Run starts the HTTP façade, the WebSocket hub, and the day scheduler, and
// blocks until the context is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.deps.Server != nil {
		g.Go(func() error {
			return a.deps.Server.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.deps.Server.Shutdown(shutdownCtx)
		})
	}

	if a.deps.Hub != nil {
		g.Go(func() error {
			if err := a.deps.Hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: ws hub: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := a.deps.Scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			// A scheduler failure outside market hours is routine (process
			// started in the evening); keep the façade up either way.
			a.logger.Warn("scheduler finished with error", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// Close releases every resource opened during wiring.
func (a *App) Close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}
