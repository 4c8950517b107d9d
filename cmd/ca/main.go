package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migasfree/swarm-control/internal/ca"
	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/logging"
)

var version = "dev"

func main() {
	cfg := config.LoadCA()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("swarm-ca " + version)
	fmt.Println("=============================================")
	fmt.Printf("HTTP_ADDR=%s\n", cfg.HTTPAddr)
	fmt.Printf("PATH_CERTIFICATES=%s\n", cfg.CertRoot)
	fmt.Printf("MAX_TOKEN_AGE_HOURS=%.0f\n", cfg.MaxTokenAge.Hours())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	tokens, err := ca.NewTokenStore(cfg.CertRoot, cfg.Stack, cfg.MaxTokenAge, log.Component("tokens"))
	if err != nil {
		log.Error("failed to create token store", "error", err)
		os.Exit(1)
	}
	certs := ca.NewCertOps(cfg.CertRoot, cfg.Stack, cfg.ScriptsDir, log.Component("certs"))

	srv := ca.NewServer(cfg, tokens, certs, log.Component("http"))

	log.Info("ca started", "version", version, "stack", cfg.Stack)

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("ca exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("ca shutdown complete")
}
