package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/database"
	"github.com/migasfree/swarm-control/internal/docker"
	"github.com/migasfree/swarm-control/internal/events"
	"github.com/migasfree/swarm-control/internal/logging"
	"github.com/migasfree/swarm-control/internal/manager"
	"github.com/migasfree/swarm-control/internal/monitor"
	"github.com/migasfree/swarm-control/internal/portainer"
	"github.com/migasfree/swarm-control/internal/saturation"
	"github.com/migasfree/swarm-control/internal/store"
)

var version = "dev"

func main() {
	cfg := config.LoadManager()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("swarm-manager " + version)
	fmt.Println("=============================================")
	fmt.Printf("FQDN=%s\n", cfg.FQDN)
	fmt.Printf("STACK=%s\n", cfg.Stack)
	fmt.Printf("HTTP_ADDR=%s\n", cfg.HTTPAddr)
	fmt.Printf("SYNC_MAX_DB_LATENCY=%.2f\n", cfg.SyncMaxDBLatency)
	fmt.Printf("SYNC_MAX_CORE_LOAD=%.1f\n", cfg.SyncMaxCoreLoad)
	fmt.Printf("METRICS_RECORDING_INTERVAL=%s\n", cfg.MetricsRecordingInterval)
	fmt.Printf("SYNC_QUEUE_PROCESS_INTERVAL=%s\n", cfg.SyncQueueProcessInterval)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	st, err := store.Open(ctx, cfg.RedisURL, log.Component("store"))
	if err != nil {
		log.Error("failed to open redis store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	db, err := database.Open(ctx, cfg.Postgres.DSN(), log.Component("database"))
	if err != nil {
		log.Error("failed to open database pool", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	bus := events.New()

	// The monitor and CPU sampling need a Docker socket and Portainer;
	// both degrade gracefully on nodes without them.
	var (
		mon          manager.StatusSource
		swarmManager bool
	)
	dockerClient, err := docker.New("")
	if err != nil {
		log.Warn("docker unavailable, service monitor disabled", "error", err)
	} else {
		defer dockerClient.Close()
		swarmManager = dockerClient.IsSwarmManager(ctx)
		m := monitor.New(dockerClient, bus, cfg.Stack, log.Component("monitor"))
		go m.Run(ctx)
		mon = m
	}

	var stats saturation.ContainerStats
	token, err := portainer.TokenFromFile(cfg.PortainerTokenFile)
	if err != nil {
		log.Warn("portainer token unavailable, CPU sampling degraded", "error", err)
	} else {
		stats = portainer.NewClient(cfg.PortainerURL, token)
	}

	sampler := saturation.NewSampler(cfg, st, db, stats, log.Component("sampler"))
	admission := saturation.NewAdmission(cfg, st, log.Component("admission"))
	execClient := manager.NewExecClient(st, log.Component("exec"))
	drainer := saturation.NewDrainer(cfg, st, db, execClient, log.Component("drainer"))

	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.MetricsRecordingInterval), func() {
		sampler.Sample(ctx)
	})
	if err != nil {
		log.Error("failed to schedule sampler", "error", err)
		os.Exit(1)
	}
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.SyncQueueProcessInterval), func() {
		drainer.Drain(ctx)
	})
	if err != nil {
		log.Error("failed to schedule drainer", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := manager.NewServer(manager.Dependencies{
		Config:       cfg,
		Store:        st,
		Bus:          bus,
		Monitor:      mon,
		Availability: admission,
		Auth:         manager.NewCoreAuth(cfg.CoreURL),
		Version:      version,
		SwarmManager: swarmManager,
		Log:          log.Component("http"),
	})

	log.Info("manager started", "version", version, "swarm_manager", swarmManager)

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("manager exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("manager shutdown complete")
}
