// swarmctl deploys and manages the stack on a Docker Swarm manager node.
//
// Subcommands:
//
//	deploy        render the stack and create networks, secrets and services
//	undeploy      remove every service belonging to the stack
//	config-stack  print the rendered stack definition as YAML
//	consoles N    scale the auxiliary console service to N replicas
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/migasfree/swarm-control/internal/config"
	"github.com/migasfree/swarm-control/internal/docker"
	"github.com/migasfree/swarm-control/internal/logging"
	"github.com/migasfree/swarm-control/internal/orchestrator"
	"github.com/migasfree/swarm-control/internal/portainer"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, "usage: swarmctl <deploy|undeploy|config-stack|consoles N>\n")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]

	cfg := config.LoadOrchestrator()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// config-stack only renders; no daemon access needed.
	if command == "config-stack" {
		out, err := orchestrator.Render(cfg).YAML()
		if err != nil {
			log.Error("rendering stack failed", "error", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	client, err := docker.New(cfg.DockerSock)
	if err != nil {
		log.Error("failed to create Docker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if !client.IsSwarmManager(ctx) {
		log.Error("this node is not a swarm manager")
		os.Exit(1)
	}

	// Admin init runs pre-auth on a fresh Portainer, so no token here.
	pt := portainer.NewClient(cfg.PortainerURL, "")
	d := orchestrator.NewDeployer(cfg, client, pt, log.Component("deploy"))

	switch command {
	case "deploy":
		if err := d.Deploy(ctx, orchestrator.Render(cfg)); err != nil {
			log.Error("deploy failed", "error", err)
			os.Exit(1)
		}
		log.Info("stack deployed", "stack", cfg.Stack, "version", version)

	case "undeploy":
		if err := d.Undeploy(ctx); err != nil {
			log.Error("undeploy failed", "error", err)
			os.Exit(1)
		}
		log.Info("stack removed", "stack", cfg.Stack)

	case "consoles":
		if len(os.Args) < 3 {
			usage()
		}
		n, err := strconv.ParseUint(os.Args[2], 10, 32)
		if err != nil {
			usage()
		}
		if err := d.ScaleConsoles(ctx, n); err != nil {
			log.Error("scaling consoles failed", "error", err)
			os.Exit(1)
		}
		log.Info("consoles scaled", "replicas", n)

	default:
		usage()
	}
}
