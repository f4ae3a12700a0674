package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	apiserver "github.com/flockctl/flockctl/internal/api_server"
	"github.com/flockctl/flockctl/internal/auth"
	"github.com/flockctl/flockctl/internal/config"
	"github.com/flockctl/flockctl/internal/instrumentation"
	"github.com/flockctl/flockctl/internal/liveness"
	"github.com/flockctl/flockctl/internal/rollout"
	"github.com/flockctl/flockctl/internal/service"
	"github.com/flockctl/flockctl/internal/store"
	"github.com/flockctl/flockctl/internal/tasks"
	flog "github.com/flockctl/flockctl/pkg/log"
	"github.com/sirupsen/logrus"
)

func main() {
	log := flog.InitLogs("info")
	log.Println("Starting API service")
	defer log.Println("API service stopped")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		log.Fatalf("reading configuration: %v", err)
	}
	log.Printf("Using config: %s", cfg)

	logLvl, err := logrus.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		logLvl = logrus.InfoLevel
	}
	log.SetLevel(logLvl)

	log.Println("Initializing data store")
	db, err := store.InitDB(cfg, log)
	if err != nil {
		log.Fatalf("initializing data store: %v", err)
	}

	st := store.NewStore(db, log.WithField("pkg", "store"))
	defer st.Close()

	if err := st.InitialMigration(); err != nil {
		log.Fatalf("running initial migration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	validator := auth.NewValidator(cfg, st, log.WithField("pkg", "auth"))
	if validator.Enabled() {
		// Device deletions elsewhere in the cluster must evict cached
		// credentials, so the validator follows the event channel.
		notifier := store.NewListener(store.BuildDSN(cfg), log.WithField("pkg", "listener"))
		notifier.Start(ctx)
		defer notifier.Stop()

		notes, unsubscribe := notifier.Subscribe(64)
		defer unsubscribe()
		go validator.WatchInvalidations(ctx, notes)
	}

	recorder := liveness.NewRecorder(st, liveness.DefaultFlushInterval, log.WithField("pkg", "liveness"))
	go func() {
		if err := recorder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("contact recorder stopped: %v", err)
		}
	}()

	checker := rollout.NewProbeChecker(log.WithField("pkg", "rollout"))
	orchestrator := rollout.NewOrchestrator(st, checker, cfg, log.WithField("pkg", "rollout"))

	handler := service.NewServiceHandler(st, orchestrator, recorder, cfg, log.WithField("pkg", "service"))

	var metrics *instrumentation.ApiMetrics
	if cfg.Prometheus != nil {
		metrics = instrumentation.NewApiMetrics(cfg)
	}

	go func() {
		listener, err := net.Listen("tcp", cfg.Service.Address)
		if err != nil {
			log.Fatalf("creating listener: %s", err)
		}

		server := apiserver.New(log, cfg, st, handler, validator, listener, metrics)
		if err := server.Run(ctx); err != nil {
			log.Fatalf("Error running server: %s", err)
		}
		cancel()
	}()

	if cfg.Prometheus != nil {
		go func() {
			fleet := instrumentation.NewFleetCollector(ctx, st, log.WithField("pkg", "metrics"))
			metricsServer := instrumentation.NewMetricsServer(log, cfg, metrics, fleet)
			if err := metricsServer.Run(ctx); err != nil {
				log.Fatalf("Error running metrics server: %s", err)
			}
			cancel()
		}()
	}

	manager := tasks.NewManager(log.WithField("pkg", "tasks"), cfg, handler, orchestrator)
	manager.Start()
	defer manager.Stop()

	<-ctx.Done()
}
