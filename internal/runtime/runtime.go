package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/dispatch"
	"github.com/loqalabs/loqa-speak/internal/interceptor"
	"github.com/loqalabs/loqa-speak/internal/natsserver"
	"github.com/loqalabs/loqa-speak/internal/scheduler"
	"github.com/loqalabs/loqa-speak/internal/store"
	"github.com/loqalabs/loqa-speak/internal/tts"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	healthy    func() bool
}

// New prepares a runtime. configPath, when set, is watched for changes.
func New(cfg config.Config, configPath string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		healthy:    func() bool { return false },
	}
}

// Start runs until ctx is cancelled or a component fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	settings, err := st.Overlay(ctx, store.Defaults(r.cfg))
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	sched, err := scheduler.New(ctx, scheduler.Config{
		Mode:              scheduler.Mode(r.cfg.Scheduler.Mode),
		CycleLength:       settings.ProbabilityTotal,
		TriggerPercentage: settings.ProbabilityPercentage,
	}, st, r.logger)
	if err != nil {
		return err
	}

	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return err
	}
	if r.cfg.TTS.Mode == "openai" && r.cfg.TTS.APIKey == "" {
		r.logger.Warn("tts api key not set; replies will fall back to text")
	}
	artifacts, err := tts.NewArtifacts(r.cfg.TTS.AudioDir, r.cfg.TTS.Format, r.logger)
	if err != nil {
		return err
	}
	speaker := tts.NewSpeaker(synth, artifacts, settings.VoiceID, settings.ModelName)

	pipeline := dispatch.New(speaker, dispatch.Options{
		SynthesisTimeout: time.Duration(r.cfg.TTS.TimeoutMS) * time.Millisecond,
		Pacing:           pacing(r.cfg.Dispatch.PacingMS),
	}, r.logger)

	in, err := interceptor.New(r.cfg, settings, interceptor.Deps{
		Store:     st,
		Scheduler: sched,
		Pipeline:  pipeline,
		Voice:     speaker,
	}, r.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	svc := interceptor.NewService(gctx, r.cfg.Interceptor, busClient, in, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start interceptor service: %w", err)
	}
	defer svc.Close()
	r.healthy = func() bool { return busClient.Healthy() && svc.Healthy() }

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		st.RunPruner(gctx, time.Duration(r.cfg.Store.PruneIntervalMS)*time.Millisecond)
		return nil
	})
	g.Go(func() error {
		artifacts.RunSweeper(gctx,
			time.Duration(r.cfg.TTS.SweepIntervalMS)*time.Millisecond,
			time.Duration(r.cfg.TTS.AudioMaxAgeMS)*time.Millisecond)
		return nil
	})
	if r.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, r.configPath, r.logger, func(next config.Config) {
				if err := in.ApplyConfig(gctx, next); err != nil {
					r.logger.Warn("config reload not applied", slogError(err))
				}
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	return g.Wait()
}

func pacing(ms int) time.Duration {
	if ms <= 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
