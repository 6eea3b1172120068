// Package runtime assembles the daemon: telemetry, the message bus, the
// audit trail, language processing, device management, and the command
// router, with ordered startup and shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rallylabs/rally-core/internal/audit"
	"github.com/rallylabs/rally-core/internal/bus"
	"github.com/rallylabs/rally-core/internal/config"
	"github.com/rallylabs/rally-core/internal/coordinator"
	"github.com/rallylabs/rally-core/internal/device"
	"github.com/rallylabs/rally-core/internal/natsserver"
	"github.com/rallylabs/rally-core/internal/nlu"
	"github.com/rallylabs/rally-core/internal/parser"
	"github.com/rallylabs/rally-core/internal/registry"
	"github.com/rallylabs/rally-core/internal/router"
	"github.com/rallylabs/rally-core/internal/stt"
	"github.com/rallylabs/rally-core/internal/training"
	"github.com/rallylabs/rally-core/internal/tts"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	store      *audit.Store
	emitter    *audit.Emitter
	manager    *device.Manager
	routerSvc  *router.Service
	sttSvc     *stt.Service
	ttsSvc     *tts.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up in dependency order, serves HTTP until
// the context is cancelled, then tears everything down in reverse.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.natsServer = ns

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = busClient

	store, err := audit.OpenStore(ctx, r.cfg.Audit, r.logger)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	r.store = store

	emitter, err := audit.NewEmitter(r.cfg.Audit, store, r.logger)
	if err != nil {
		return fmt.Errorf("start audit emitter: %w", err)
	}
	r.emitter = emitter

	norm := nlu.NewNormalizer(r.cfg.NLU, r.logger)
	reg, err := registry.Load(r.cfg.Programs, norm, r.logger)
	if err != nil {
		return fmt.Errorf("load programs: %w", err)
	}

	act, scanner := device.NewBackend(r.cfg.Device, r.cfg.Router.Simulate, r.logger)
	r.manager = device.NewManager(r.cfg.Device, act, scanner, busClient, r.logger)
	coord := coordinator.New(r.cfg.Device, act, r.logger)
	trainer := training.New(coord, r.manager, r.logger)

	if r.cfg.Router.Enabled {
		rt := router.New(r.cfg.Router, r.cfg.Device, r.manager, coord, trainer, reg, emitter, r.logger)
		p := parser.New(norm, reg, r.cfg.Router, r.logger)
		svc := router.NewService(rt, p, busClient, emitter, r.logger)
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start router service: %w", err)
		}
		r.routerSvc = svc
	}

	if r.cfg.STT.Enabled {
		recognizer, err := newRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("init stt recognizer: %w", err)
		}
		r.sttSvc = stt.NewService(ctx, r.cfg.STT, busClient, recognizer)
		if err := r.sttSvc.Start(); err != nil {
			return fmt.Errorf("start stt service: %w", err)
		}
	}

	if r.cfg.TTS.Enabled {
		synth, err := newSynthesizer(r.cfg.TTS)
		if err != nil {
			return fmt.Errorf("init tts synthesizer: %w", err)
		}
		r.ttsSvc = tts.NewService(ctx, r.cfg.TTS, busClient, synth, r.logger)
		if err := r.ttsSvc.Start(); err != nil {
			return fmt.Errorf("start tts service: %w", err)
		}
	}

	return nil
}

func (r *Runtime) stopServices() {
	if r.sttSvc != nil {
		r.sttSvc.Close()
	}
	if r.ttsSvc != nil {
		r.ttsSvc.Close()
	}
	if r.routerSvc != nil {
		r.routerSvc.Close()
	}
	if r.manager != nil {
		r.manager.Close()
	}
	if r.emitter != nil {
		r.emitter.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("audit store close error", slog.String("error", err.Error()))
		}
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
}

func newRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	if cfg.Mode == "exec" {
		return stt.NewExecRecognizer(cfg)
	}
	return stt.NewMockRecognizer(), nil
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	if cfg.Mode == "exec" {
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	}
	return tts.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
