// Package orchestrator renders the swarm stack definition and drives
// deployment: networks, secrets, services and console scaling.
package orchestrator

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/migasfree/swarm-control/internal/config"
)

// Network names. The proxy network carries ingress traffic, the internal
// one is overlay-only for databases and the CA.
const (
	NetworkProxy    = "proxy"
	NetworkInternal = "internal"
)

// Secret names provisioned before the first deploy.
const (
	SecretSuperadminName = "superadmin-name"
	SecretSuperadminPass = "superadmin-pass"
)

// StackFile is the rendered compose-style model of one stack, suitable for
// writing out as YAML or converting to swarm service specs.
type StackFile struct {
	Services map[string]Service `yaml:"services"`
	Networks map[string]Network `yaml:"networks"`
	Secrets  map[string]Secret  `yaml:"secrets,omitempty"`
}

type Service struct {
	Image       string            `yaml:"image"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Ports       []Port            `yaml:"ports,omitempty"`
	Networks    []string          `yaml:"networks"`
	Secrets     []string          `yaml:"secrets,omitempty"`
	Deploy      Deploy            `yaml:"deploy"`
}

type Port struct {
	Target    int    `yaml:"target"`
	Published int    `yaml:"published"`
	Protocol  string `yaml:"protocol,omitempty"`
	Mode      string `yaml:"mode,omitempty"`
}

type Deploy struct {
	Mode     string `yaml:"mode,omitempty"` // replicated (default) or global
	Replicas int    `yaml:"replicas,omitempty"`
}

type Network struct {
	Driver   string `yaml:"driver"`
	Internal bool   `yaml:"internal,omitempty"`
}

type Secret struct {
	External bool `yaml:"external"`
}

// Render builds the full stack model from the deployment configuration.
func Render(cfg *config.Orchestrator) *StackFile {
	common := map[string]string{
		"FQDN":  cfg.FQDN,
		"STACK": cfg.Stack,
	}
	managerEnv := merge(common, map[string]string{
		"REDIS_URL":                   "redis://datastore:6379/0",
		"CORE_URL":                    "http://core:8080",
		"CA_URL":                      "http://ca:8000",
		"PORTAINER_URL":               cfg.PortainerURL,
		"SYNC_MAX_DB_LATENCY":         strconv.FormatFloat(cfg.SyncMaxDBLatency, 'f', -1, 64),
		"SYNC_MAX_CORE_LOAD":          strconv.FormatFloat(cfg.SyncMaxCoreLoad, 'f', -1, 64),
		"SYNC_MAX_CONCURRENCY":        strconv.Itoa(cfg.SyncMaxConcurrency),
		"SYNC_QUEUE_PROCESS_INTERVAL": strconv.Itoa(int(cfg.SyncQueueProcessInterval.Seconds())),
		"METRICS_RETENTION_LIMIT":     strconv.Itoa(int(cfg.MetricsRetentionLimit.Seconds())),
	})

	services := map[string]Service{
		"proxy": {
			Image:       "migasfree/swarm-proxy:5.0",
			Environment: common,
			Ports: []Port{
				{Target: 80, Published: cfg.HTTPPort, Protocol: "tcp", Mode: "host"},
				{Target: 443, Published: cfg.HTTPSPort, Protocol: "tcp", Mode: "host"},
			},
			Networks: []string{NetworkProxy},
			Deploy:   Deploy{Mode: "global"},
		},
		"manager": {
			Image:       "migasfree/swarm-manager:5.0",
			Environment: managerEnv,
			Networks:    []string{NetworkProxy, NetworkInternal},
			Secrets:     []string{SecretSuperadminName, SecretSuperadminPass},
			Deploy:      Deploy{Replicas: 1},
		},
		"relay": {
			Image:       "migasfree/swarm-relay:5.0",
			Environment: merge(common, map[string]string{"REDIS_URL": "redis://datastore:6379/0"}),
			Networks:    []string{NetworkProxy, NetworkInternal},
			Deploy:      Deploy{Replicas: 2},
		},
		"ca": {
			Image:       "migasfree/swarm-ca:5.0",
			Environment: common,
			Networks:    []string{NetworkInternal},
			Deploy:      Deploy{Replicas: 1},
		},
		"core": {
			Image:       "migasfree/core:5.0",
			Environment: common,
			Networks:    []string{NetworkProxy, NetworkInternal},
			Secrets:     []string{SecretSuperadminName, SecretSuperadminPass},
			Deploy:      Deploy{Replicas: 1},
		},
		"console": {
			Image:       "migasfree/console:5.0",
			Environment: common,
			Networks:    []string{NetworkProxy},
			Deploy:      Deploy{Replicas: cfg.ConsoleReplicas},
		},
		"database": {
			Image:       "postgres:16",
			Environment: map[string]string{"POSTGRES_DB": "migasfree"},
			Networks:    []string{NetworkInternal},
			Deploy:      Deploy{Replicas: 1},
		},
		"datastore": {
			Image:       "redis:7",
			Networks:    []string{NetworkInternal},
			Deploy:      Deploy{Replicas: 1},
		},
	}

	for _, pms := range cfg.PMS {
		services["pms-"+pms] = Service{
			Image:       fmt.Sprintf("migasfree/pms-%s:5.0", pms),
			Environment: common,
			Networks:    []string{NetworkInternal},
			Deploy:      Deploy{Replicas: 1},
		}
	}

	return &StackFile{
		Services: services,
		Networks: map[string]Network{
			NetworkProxy:    {Driver: "overlay"},
			NetworkInternal: {Driver: "overlay", Internal: true},
		},
		Secrets: map[string]Secret{
			SecretSuperadminName: {External: true},
			SecretSuperadminPass: {External: true},
		},
	}
}

// YAML serializes the stack model for config-stack output.
func (s *StackFile) YAML() ([]byte, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling stack file: %w", err)
	}
	return out, nil
}

// ServiceNames returns the stack's service names sorted for deterministic
// deployment order.
func (s *StackFile) ServiceNames() []string {
	names := make([]string, 0, len(s.Services))
	for name := range s.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func merge(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
