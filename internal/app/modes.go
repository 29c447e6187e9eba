package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/meridian/internal/crypto"
	"github.com/alanyoungcy/meridian/internal/server"
	"github.com/alanyoungcy/meridian/internal/server/handler"
	"github.com/alanyoungcy/meridian/internal/server/ws"
	"github.com/alanyoungcy/meridian/internal/service"
)

const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP and WebSocket API and keeps deadlines moving.
// Archiving is left to a separate process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	a.startKeeper(ctx, g, deps)
	return g.Wait()
}

// KeeperMode only advances decisions past their deadlines.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode only moves settled decisions to object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API, the keeper and the archiver in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	a.startKeeper(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	keeper := service.NewKeeper(deps.Decisions, a.cfg.Keeper.Interval.Duration, a.logger)
	g.Go(func() error {
		return keeper.Run(ctx)
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		a.logger.WarnContext(ctx, "archiver not wired, skipping")
		return
	}
	interval := a.cfg.Archive.Interval.Duration
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				n, err := deps.Archiver.ArchiveSettled(ctx)
				if err != nil {
					a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					a.logger.InfoContext(ctx, "archived settled decisions", slog.Int("count", n))
				}
			}
		}
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	h := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Clock, a.cfg.Mode, a.logger),
		Decisions: handler.NewDecisionHandler(deps.Decisions, a.logger),
		Oracles:   handler.NewOracleHandler(deps.Oracles, deps.Clock, a.logger),
		Audit:     handler.NewAuditHandler(deps.AuditStore, a.logger),
	}
	sd := server.Deps{Limiter: deps.RateLimiter, Hub: hub}
	if a.cfg.Server.RequireSignatures {
		sd.Verifier = crypto.NewVerifier(a.cfg.Chain.ChainID, a.cfg.Server.SignatureTTL.Duration)
	} else {
		a.logger.WarnContext(ctx, "request signatures disabled; caller headers are trusted")
	}

	srv := server.NewServer(server.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, h, sd, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
