package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/logging"
	"github.com/migasfree/swarm-control/internal/relay"
	"github.com/migasfree/swarm-control/internal/store"
)

var version = "dev"

func main() {
	cfg := config.LoadRelay()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("swarm-relay " + version)
	fmt.Println("=============================================")
	fmt.Printf("TUNNEL_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("TUNNEL_PUBLIC_URL=%s\n", cfg.PublicURL)
	fmt.Printf("TUNNEL_INTERNAL_URL=%s\n", cfg.InternalURL)
	fmt.Printf("TUNNEL_CONNECTIONS=%d\n", cfg.MaxConnections)

	if limit, err := relay.RaiseFileLimit(cfg.MaxConnections); err != nil {
		log.Warn("could not raise NOFILE limit", "error", err)
	} else {
		log.Info("NOFILE limit raised", "limit", limit)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	st, err := store.Open(ctx, cfg.RedisURL, log.Component("store"))
	if err != nil {
		log.Error("failed to open redis store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	serverID := uuid.NewString()
	hostname, _ := os.Hostname()

	hub := relay.NewHub(cfg, st, serverID, log.Component("hub"))
	srv := relay.NewServer(hub, cfg, log.Component("server"))
	srv.RunBackground(ctx, hostname)

	log.Info("relay started", "version", version, "server_id", serverID)

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("relay shutdown complete")
}
