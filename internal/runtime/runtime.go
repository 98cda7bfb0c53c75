package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-lector/internal/bus"
	"github.com/loqalabs/loqa-lector/internal/config"
	"github.com/loqalabs/loqa-lector/internal/controller"
	"github.com/loqalabs/loqa-lector/internal/eventstore"
	"github.com/loqalabs/loqa-lector/internal/httpapi"
	"github.com/loqalabs/loqa-lector/internal/natsserver"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	journal     *eventstore.Store
	controller  *controller.Controller
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.journal = journal

	comps, err := buildComponents(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	comps.Journal = r.journal
	comps.Bus = r.bus
	r.controller = controller.New(ctx, r.cfg, comps, r.logger)

	api := httpapi.New(r.controller, httpapi.Options{
		Metrics:        metricsHandler,
		Ready:          r.ready.Load,
		StatusInterval: time.Duration(r.cfg.HTTP.StatusIntervalMS) * time.Millisecond,
		MaxUploadBytes: r.cfg.HTTP.MaxUploadBytes,
	}, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if serr := r.httpServer.Shutdown(shutdownCtx); serr != nil {
		r.logger.Error("http shutdown error", slog.String("error", serr.Error()))
	}
	r.wg.Wait()
	return err
}

// startBus brings up the embedded broker when configured and connects the
// event publisher. A bus failure only disables publishing.
func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	cfg := r.cfg.Bus
	srv, err := natsserver.Start(cfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = srv
	if srv != nil {
		cfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, cfg, r.logger)
	if err != nil {
		r.logger.Warn("event publishing disabled", slog.String("error", err.Error()))
		return nil
	}
	r.bus = client
	return nil
}

// shutdown releases everything Start acquired, newest first.
func (r *Runtime) shutdown() {
	if r.controller != nil {
		r.controller.Close()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
