package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migasfree/swarm-control/internal/agent"
	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/logging"
)

var version = "dev"

func main() {
	cfg := config.LoadAgent()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("swarm-agent " + version)
	fmt.Println("=============================================")
	fmt.Printf("AGENT_ID=%s\n", cfg.AgentID)
	fmt.Printf("MANAGER_URL=%s\n", cfg.ManagerURL)
	for name, port := range cfg.Services {
		fmt.Printf("service %s -> 127.0.0.1:%d\n", name, port)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a := agent.New(cfg, log.Component("agent"))

	log.Info("agent started", "version", version, "agent_id", cfg.AgentID)

	if err := a.Run(ctx); err != nil {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("agent shutdown complete")
}
