// Package app wires the long-lived progressd services from configuration and
// runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/progress-coordinator/internal/api"
	chanmem "github.com/JakeFAU/progress-coordinator/internal/channel/memory"
	chanpubsub "github.com/JakeFAU/progress-coordinator/internal/channel/pubsub"
	"github.com/JakeFAU/progress-coordinator/internal/channel/ws"
	"github.com/JakeFAU/progress-coordinator/internal/clock/system"
	"github.com/JakeFAU/progress-coordinator/internal/config"
	"github.com/JakeFAU/progress-coordinator/internal/id/uuid"
	"github.com/JakeFAU/progress-coordinator/internal/metrics"
	"github.com/JakeFAU/progress-coordinator/internal/progress"
	"github.com/JakeFAU/progress-coordinator/internal/progress/sinks"
	"github.com/JakeFAU/progress-coordinator/internal/storage/gcs"
	"github.com/JakeFAU/progress-coordinator/internal/storage/local"
	storemem "github.com/JakeFAU/progress-coordinator/internal/storage/memory"
	"github.com/JakeFAU/progress-coordinator/internal/storage/postgres"
	"github.com/JakeFAU/progress-coordinator/internal/store"
)

// Channel is a push channel the coordinator subscribes to.
type Channel interface {
	progress.Channel
	progress.Reconnector
}

// runner is a channel with its own receive loop.
type runner interface {
	Run(ctx context.Context) error
}

// App holds all the shared, long-lived services for the process.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	coordinator *progress.Coordinator
	channel     Channel
	history     store.RunRepository
	server      *api.Server
	registry    *prometheus.Registry
	ready       atomic.Bool
	closers     []func(ctx context.Context) error
}

// New builds every service named in cfg. It fails fast when a configured
// backend cannot be reached; anything already opened is released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	if err := a.build(ctx); err != nil {
		a.closeAll(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var err error
	if a.history, err = a.openHistory(ctx); err != nil {
		return err
	}
	blobs, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if a.channel, err = a.openChannel(ctx); err != nil {
		return err
	}

	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	hub := api.NewHub()
	all := []progress.Sink{
		sinks.NewLogSink(logger.Named("runs")),
		promSink,
		sinks.NewStoreSink(a.history, logger.Named("history")),
		hub,
	}
	if blobs != nil {
		all = append(all, sinks.NewArchiveSink(blobs, a.history, cfg.Archive.Prefix, logger.Named("archive")))
	}

	clock := system.New()
	a.coordinator = progress.NewCoordinator(progress.Config{
		DebounceWindow: cfg.DebounceWindow(),
		InboxSize:      cfg.Progress.InboxSize,
		SinkTimeout:    cfg.SinkTimeout(),
		Development:    cfg.Logging.Development,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logger.Named("progress"),
		Clock:          clock,
		Channel:        a.channel,
	}, all...)

	httpMetrics, err := metrics.NewHTTP(a.registry)
	if err != nil {
		return fmt.Errorf("register http metrics: %w", err)
	}
	deps := api.Deps{
		Coordinator: a.coordinator,
		Hub:         hub,
		History:     a.history,
		IDs:         uuid.New(),
		Clock:       clock,
		Metrics:     httpMetrics,
		Gatherer:    a.registry,
		Ready:       a.checkReady,
	}
	if bus, ok := a.channel.(*chanmem.Bus); ok {
		deps.Publisher = bus
	}
	a.server = api.NewServer(deps, cfg, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("channel", cfg.Channel.Kind),
		zap.String("archive", cfg.Archive.Kind),
		zap.Bool("postgres", cfg.DB.DSN != ""),
	)
	return nil
}

// Coordinator exposes the progress coordinator.
func (a *App) Coordinator() *progress.Coordinator {
	return a.coordinator
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run listens on the configured port and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln alongside the channel receive loop. When
// ctx is cancelled, or either side fails, the server drains and the
// coordinator is closed.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if r, ok := a.channel.(runner); ok {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.ready.Store(false)
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	a.ready.Store(true)
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	a.Close(closeCtx)
	return err
}

// Close flushes the coordinator and releases backends. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) {
	if a.coordinator != nil {
		if err := a.coordinator.Close(ctx); err != nil {
			a.logger.Warn("coordinator close failed", zap.Error(err))
		}
	}
	a.closeAll(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeAll(ctx context.Context) {
	closers := a.closers
	a.closers = nil
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			a.logger.Warn("close backend failed", zap.Error(err))
		}
	}
}

func (a *App) checkReady(ctx context.Context) error {
	if !a.ready.Load() {
		return errors.New("not serving")
	}
	if p, ok := a.history.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (a *App) openHistory(ctx context.Context) (store.RunRepository, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("run history kept in memory")
		return storemem.NewRunStore(), nil
	}
	pg, err := postgres.NewRunStore(ctx, postgres.RunStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init run history: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		pg.Close()
		return nil
	})
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure run history schema: %w", err)
	}
	return pg, nil
}

func (a *App) openArchive(ctx context.Context) (store.BlobStore, error) {
	switch a.cfg.Archive.Kind {
	case config.ArchiveLocal:
		blobs, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return blobs, nil
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return blobs.Close() })
		return blobs, nil
	default:
		return nil, nil
	}
}

func (a *App) openChannel(ctx context.Context) (Channel, error) {
	switch a.cfg.Channel.Kind {
	case config.ChannelWebsocket:
		minB, maxB := a.cfg.WebsocketBackoff()
		client, err := ws.NewClient(ws.Config{
			URL:        a.cfg.Channel.Websocket.URL,
			MinBackoff: minB,
			MaxBackoff: maxB,
		}, a.logger.Named("channel"))
		if err != nil {
			return nil, fmt.Errorf("init websocket channel: %w", err)
		}
		return client, nil
	case config.ChannelPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Channel.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		sub := client.Subscription(a.cfg.Channel.PubSub.SubscriptionID)
		return chanpubsub.NewSubscriber(sub, a.logger.Named("channel")), nil
	default:
		return chanmem.New(), nil
	}
}
