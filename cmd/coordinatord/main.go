// Command coordinatord runs the task-routing and worker-lifecycle daemon: it
// wires the state store, persistence engine, validator, router, scheduler,
// lifecycle manager, and HTTP/websocket surface together and serves until a
// termination signal arrives, following the orchestrator's wiring and
// shutdown shape
// (anhnv24810310060-source-SWARM-INTELLIGENCE-NETWORK/services/orchestrator/main.go).
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/ry-ops/taskguard/internal/config"
	"github.com/ry-ops/taskguard/internal/eventbus"
	"github.com/ry-ops/taskguard/internal/lifecycle"
	"github.com/ry-ops/taskguard/internal/logging"
	"github.com/ry-ops/taskguard/internal/otelinit"
	"github.com/ry-ops/taskguard/internal/persistence"
	"github.com/ry-ops/taskguard/internal/router"
	"github.com/ry-ops/taskguard/internal/scheduler"
	"github.com/ry-ops/taskguard/internal/store"
	"github.com/ry-ops/taskguard/internal/surface"
	"github.com/ry-ops/taskguard/internal/validator"
)

const serviceName = "coordinatord"

func main() {
	log := logging.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics := otelinit.InitMetrics(ctx, serviceName)
	meter := otel.GetMeterProvider().Meter(serviceName)

	cfg := config.Load()

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn("nats connect failed, continuing without event mirroring", "url", cfg.NATSURL, "error", err)
			nc = nil
		} else {
			defer nc.Close()
			log.Info("nats connected", "url", cfg.NATSURL)
		}
	}

	var busOpts []eventbus.Option
	if nc != nil {
		busOpts = append(busOpts, eventbus.WithNATSMirror(nc, "taskguard.events"))
	}
	bus := eventbus.New(cfg.SubscriberBufferDepth, busOpts...)

	st := store.New(store.WithPublisher(bus), store.WithHeartbeatRingSize(256))
	go st.Run()

	engine, err := persistence.New(st, cfg, bus, log)
	if err != nil {
		log.Error("persistence engine init failed", "error", err)
		return
	}
	if err := engine.Recover(ctx); err != nil {
		log.Error("persistence recovery failed", "error", err)
		return
	}
	if err := engine.Start(); err != nil {
		log.Error("persistence engine start failed", "error", err)
		return
	}

	v := validator.New(validator.DefaultPatterns(), validator.DefaultThresholds())
	if cfg.ValidatorPatternFile != "" {
		if patterns, err := validator.LoadPatternFile(cfg.ValidatorPatternFile); err != nil {
			log.Warn("validator pattern file load failed, using built-in table", "path", cfg.ValidatorPatternFile, "error", err)
		} else {
			v.Reload(patterns)
		}
		stopWatch, err := validator.WatchPatternFile(v, cfg.ValidatorPatternFile, log)
		if err != nil {
			log.Warn("validator pattern file watch failed", "path", cfg.ValidatorPatternFile, "error", err)
		} else {
			defer stopWatch()
		}
	}

	rt := router.New(router.DefaultCategories(), router.Thresholds{
		SingleExpert:       cfg.SingleExpertThreshold,
		ParallelActivation: cfg.ParallelActivationThreshold,
		ParallelEnabled:    cfg.ParallelActivationEnabled,
		Minimum:            cfg.MinimumConfidence,
	})

	outbox := surface.NewWorkerOutbox(log)

	sched := scheduler.New(engine, v, rt, outbox, scheduler.Config{
		TTLSweepInterval:  cfg.TTLSweepInterval,
		DefaultTTL:        cfg.DefaultTTL,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		CancelGrace:       time.Duration(cfg.DispatchGraceMs) * time.Millisecond,
	}, meter, log)
	if err := sched.Start(); err != nil {
		log.Error("scheduler start failed", "error", err)
		return
	}

	lm := lifecycle.New(engine, lifecycle.Config{
		HeartbeatCheckInterval: cfg.HeartbeatCheckInterval,
		HeartbeatWarning:       cfg.HeartbeatWarning,
		HeartbeatTimeout:       cfg.HeartbeatTimeout,
		DrainGrace:             cfg.DrainGrace,
	}, meter, log)
	if err := lm.Start(); err != nil {
		log.Error("lifecycle manager start failed", "error", err)
		return
	}

	srv := surface.New(sched, lm, engine, engine, bus, outbox, cfg, meter, log)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(),
	}
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	log.Info("coordinatord started")
	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}
	if err := lm.Stop(shutdownCtx); err != nil {
		log.Warn("lifecycle manager stop error", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler stop error", "error", err)
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Warn("persistence engine stop error", "error", err)
	}
	st.Stop()

	otelinit.Flush(shutdownCtx, shutdownTrace)
	if err := shutdownMetrics(shutdownCtx); err != nil {
		log.Warn("metrics shutdown error", "error", err)
	}
	log.Info("shutdown complete")
}
