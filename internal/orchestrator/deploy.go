package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/swarm"

	"github.com/migasfree/swarm-control/internal/config"
)

// SwarmAPI is the slice of the Docker client the deployer needs.
type SwarmAPI interface {
	CreateOverlayNetwork(ctx context.Context, name string, internal bool) error
	CreateSecret(ctx context.Context, name string, data []byte) error
	CreateService(ctx context.Context, spec swarm.ServiceSpec) error
	RemoveService(ctx context.Context, id string) error
	ScaleService(ctx context.Context, name string, replicas uint64) error
	ListStackServices(ctx context.Context, prefixes []string) ([]swarm.Service, error)
}

// PortainerAdmin initializes the Portainer admin account on first run.
type PortainerAdmin interface {
	InitAdmin(ctx context.Context, username, password string) error
}

// Deployer turns a rendered stack into running swarm services.
type Deployer struct {
	cfg       *config.Orchestrator
	docker    SwarmAPI
	portainer PortainerAdmin
	log       *slog.Logger
}

func NewDeployer(cfg *config.Orchestrator, docker SwarmAPI, portainer PortainerAdmin, log *slog.Logger) *Deployer {
	return &Deployer{cfg: cfg, docker: docker, portainer: portainer, log: log}
}

// Deploy provisions networks, secrets and every stack service. It is
// idempotent for networks and secrets; existing services fail the create
// and should be removed first with Undeploy.
func (d *Deployer) Deploy(ctx context.Context, stack *StackFile) error {
	if err := d.docker.CreateOverlayNetwork(ctx, d.prefixed(NetworkProxy), false); err != nil {
		return err
	}
	if err := d.docker.CreateOverlayNetwork(ctx, d.prefixed(NetworkInternal), true); err != nil {
		return err
	}

	creds, err := d.bootstrapCredentials(ctx)
	if err != nil {
		return err
	}

	for _, name := range stack.ServiceNames() {
		spec := d.serviceSpec(name, stack.Services[name])
		if err := d.docker.CreateService(ctx, spec); err != nil {
			return err
		}
		d.log.Info("service created", "service", spec.Name)
	}

	if d.portainer != nil {
		if err := d.portainer.InitAdmin(ctx, creds.username, creds.password); err != nil {
			// Already-initialized Portainer rejects the call; not fatal.
			d.log.Warn("portainer admin init skipped", "error", err)
		}
	}
	return nil
}

// Undeploy removes every service that belongs to the stack. Networks,
// secrets and credentials stay for the next deploy.
func (d *Deployer) Undeploy(ctx context.Context) error {
	services, err := d.docker.ListStackServices(ctx, []string{d.cfg.Stack + "_"})
	if err != nil {
		return fmt.Errorf("listing stack services: %w", err)
	}
	for _, svc := range services {
		if err := d.docker.RemoveService(ctx, svc.ID); err != nil {
			return err
		}
		d.log.Info("service removed", "service", svc.Spec.Name)
	}
	return nil
}

// ScaleConsoles sets the replica count of the auxiliary console service.
func (d *Deployer) ScaleConsoles(ctx context.Context, replicas uint64) error {
	return d.docker.ScaleService(ctx, d.prefixed("console"), replicas)
}

type credentials struct {
	username string
	password string
}

// bootstrapCredentials generates the superadmin credentials once, persists
// them under the credentials dir and publishes them as swarm secrets.
// Existing credential files are reused so redeploys keep the same login.
func (d *Deployer) bootstrapCredentials(ctx context.Context) (credentials, error) {
	username, err := d.loadOrCreate("superadmin-name", "admin")
	if err != nil {
		return credentials{}, err
	}
	password, err := d.loadOrCreate("superadmin-pass", randomPassword())
	if err != nil {
		return credentials{}, err
	}

	if err := d.docker.CreateSecret(ctx, SecretSuperadminName, []byte(username)); err != nil {
		return credentials{}, err
	}
	if err := d.docker.CreateSecret(ctx, SecretSuperadminPass, []byte(password)); err != nil {
		return credentials{}, err
	}
	return credentials{username: username, password: password}, nil
}

func (d *Deployer) loadOrCreate(name, fallback string) (string, error) {
	path := filepath.Join(d.cfg.CredentialsDir, name)
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err := os.MkdirAll(d.cfg.CredentialsDir, 0o700); err != nil {
		return "", fmt.Errorf("creating credentials dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(fallback), 0o600); err != nil {
		return "", fmt.Errorf("writing credential %s: %w", name, err)
	}
	return fallback, nil
}

// serviceSpec converts one rendered service into its swarm spec, applying
// the stack name prefix and namespace label.
func (d *Deployer) serviceSpec(name string, svc Service) swarm.ServiceSpec {
	env := make([]string, 0, len(svc.Environment))
	for k, v := range svc.Environment {
		env = append(env, k+"="+v)
	}

	networks := make([]swarm.NetworkAttachmentConfig, 0, len(svc.Networks))
	for _, n := range svc.Networks {
		networks = append(networks, swarm.NetworkAttachmentConfig{Target: d.prefixed(n)})
	}

	secrets := make([]*swarm.SecretReference, 0, len(svc.Secrets))
	for _, s := range svc.Secrets {
		secrets = append(secrets, &swarm.SecretReference{
			SecretName: s,
			File: &swarm.SecretReferenceFileTarget{
				Name: s,
				UID:  "0",
				GID:  "0",
				Mode: 0o400,
			},
		})
	}

	spec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   d.prefixed(name),
			Labels: map[string]string{"com.docker.stack.namespace": d.cfg.Stack},
		},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:   svc.Image,
				Env:     env,
				Secrets: secrets,
			},
			Networks: networks,
		},
	}

	if svc.Deploy.Mode == "global" {
		spec.Mode = swarm.ServiceMode{Global: &swarm.GlobalService{}}
	} else {
		replicas := uint64(svc.Deploy.Replicas)
		spec.Mode = swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: &replicas}}
	}

	if len(svc.Ports) > 0 {
		ports := make([]swarm.PortConfig, 0, len(svc.Ports))
		for _, p := range svc.Ports {
			mode := swarm.PortConfigPublishMode(p.Mode)
			if p.Mode == "" {
				mode = swarm.PortConfigPublishModeIngress
			}
			ports = append(ports, swarm.PortConfig{
				Protocol:      network.IPProtocol(p.Protocol),
				TargetPort:    uint32(p.Target),
				PublishedPort: uint32(p.Published),
				PublishMode:   mode,
			})
		}
		spec.EndpointSpec = &swarm.EndpointSpec{Ports: ports}
	}
	return spec
}

func (d *Deployer) prefixed(name string) string {
	return d.cfg.Stack + "_" + name
}

func randomPassword() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	return hex.EncodeToString(raw)
}
