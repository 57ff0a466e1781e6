package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/superLin006/MTK-sense-voice/internal/bus"
	"github.com/superLin006/MTK-sense-voice/internal/capability"
	"github.com/superLin006/MTK-sense-voice/internal/config"
	"github.com/superLin006/MTK-sense-voice/internal/eventstore"
	"github.com/superLin006/MTK-sense-voice/internal/natsserver"
	"github.com/superLin006/MTK-sense-voice/internal/pipeline"
	"github.com/superLin006/MTK-sense-voice/internal/stt"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsHandler http.Handler
	telemetryClose func(context.Context) error
	ready          atomic.Bool

	pipeline   *pipeline.Pipeline
	engine     io.Closer
	recognizer stt.Recognizer
	store      *eventstore.Store
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	registry   *capability.Registry
	stt        *stt.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves until ctx is done, then shuts down
// in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler
	defer r.closeAll()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.runPrune(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Bool("bus", r.cfg.Bus.Enabled))

	return g.Wait()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	switch r.cfg.STT.Mode {
	case "pipeline":
		p, eng, err := pipeline.NewFromConfig(r.cfg.Pipeline, r.logger)
		if err != nil {
			return fmt.Errorf("build pipeline: %w", err)
		}
		r.pipeline, r.engine, r.recognizer = p, eng, p
	default:
		r.recognizer = stt.NewMockRecognizer()
	}

	if !r.cfg.Bus.Enabled {
		return nil
	}

	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv

	busCfg := r.cfg.Bus
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.capabilityAttributes(), client, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry

	r.stt = stt.NewService(ctx, r.cfg.STT, client, r.recognizer, store, r.logger)
	if err := r.stt.Start(); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) capabilityAttributes() map[string]string {
	p := r.cfg.Pipeline
	attrs := map[string]string{
		"mode":        r.cfg.STT.Mode,
		"sample_rate": strconv.Itoa(p.SampleRate),
		"language":    p.Language,
		"text_norm":   p.TextNorm,
	}
	if r.pipeline != nil {
		attrs["vocab_size"] = strconv.Itoa(r.pipeline.Vocabulary().Size())
	}
	return attrs
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) closeAll() {
	if r.stt != nil {
		r.stt.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			r.logger.Error("engine close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
