package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/sbmarket/internal/server"
	"github.com/alanyoungcy/sbmarket/internal/server/handler"
	"github.com/alanyoungcy/sbmarket/internal/server/ws"
)

// ServerMode restores the wallet session, then runs the market poller, the
// WebSocket hub, the HTTP API and the snapshot archive until ctx is done.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	if err := deps.Wallets.Init(ctx); err != nil {
		a.logger.WarnContext(ctx, "wallet restore failed", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancel(deps.Poller.Run(ctx))
	})
	a.startArchive(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	} else {
		a.logger.InfoContext(ctx, "HTTP server disabled")
	}

	return g.Wait()
}

// MonitorMode only follows the market: it polls, feeds the snapshot stream
// and archives it. No wallet is connected and nothing is signed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCancel(deps.Poller.Run(ctx))
	})
	a.startArchive(ctx, g, deps)

	return g.Wait()
}

// startArchive schedules the snapshot archive on the configured cron
// expression. It is a no-op when archiving is disabled.
func (a *App) startArchive(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	logger := a.logger.With(slog.String("job", "archive"))

	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(a.cfg.Archive.Cron, func() {
		n, err := deps.Archiver.ArchiveSnapshots(ctx, time.Now().UTC())
		if err != nil {
			logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			return
		}
		logger.InfoContext(ctx, "archive run complete", slog.Int64("snapshots", n))
	})
	if err != nil {
		g.Go(func() error {
			return fmt.Errorf("archive: parse cron %q: %w", a.cfg.Archive.Cron, err)
		})
		return
	}

	g.Go(func() error {
		logger.InfoContext(ctx, "archive cron started", slog.String("cron", a.cfg.Archive.Cron))
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		logger.Info("archive cron stopped")
		return nil
	})
}

// startHTTPServer adds the WebSocket hub and the HTTP server to the given
// errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	checks := map[string]handler.Pinger{
		"voi": pingFunc(deps.Chain.Health),
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis
	}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres
	}
	if deps.BlobStore != nil {
		checks["s3"] = deps.BlobStore
	}

	var archives handler.ArchiveLister
	if deps.Archiver != nil {
		archives = deps.Archiver
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(checks, a.logger),
		Market:  handler.NewMarketHandler(deps.Reader, deps.Balances, a.logger),
		Wallet:  handler.NewWalletHandler(deps.Wallets, a.logger),
		Trade:   handler.NewTradeHandler(deps.Trades, a.logger),
		History: handler.NewHistoryHandler(deps.Submissions, deps.AuditStore, archives, a.logger),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.snapshot(deps), a.cfg.Server.CORSOrigins, a.logger)
		g.Go(func() error {
			return ignoreCancel(hub.Run(ctx))
		})
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		TxRateLimit:  a.cfg.Server.TxRateLimit,
		TxRateWindow: a.cfg.Server.TxRateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// snapshot builds the hello payload a new WebSocket client renders from.
func (a *App) snapshot(deps *Dependencies) ws.SnapshotFunc {
	return func(context.Context) any {
		return map[string]any{
			"market": map[string]any{
				"state":    deps.Reader.State(),
				"error":    deps.Reader.Err(),
				"deployed": deps.Reader.Deployed(),
			},
			"balances": deps.Poller.Balances(),
			"wallet":   deps.Wallets.Session(),
			"phase":    deps.Trades.Phase(),
		}
	}
}

// pingFunc adapts a health method to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ignoreCancel treats a clean context cancellation as a normal exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
