package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moby/moby/api/types/swarm"
	"gopkg.in/yaml.v3"

	"github.com/migasfree/swarm-control/internal/config"
)

func testConfig(t *testing.T) *config.Orchestrator {
	t.Helper()
	return &config.Orchestrator{
		FQDN:                     "swarm.example.com",
		Stack:                    "migasfree",
		CredentialsDir:           t.TempDir(),
		PMS:                      []string{"apt", "yum"},
		HTTPPort:                 80,
		HTTPSPort:                443,
		ConsoleReplicas:          2,
		SyncMaxDBLatency:         0.5,
		SyncMaxCoreLoad:          80,
		SyncMaxConcurrency:       10,
		SyncQueueProcessInterval: 30 * time.Second,
		MetricsRetentionLimit:    24 * time.Hour,
	}
}

func TestRenderStack(t *testing.T) {
	stack := Render(testConfig(t))

	for _, name := range []string{
		"proxy", "manager", "relay", "ca", "core", "console",
		"database", "datastore", "pms-apt", "pms-yum",
	} {
		if _, ok := stack.Services[name]; !ok {
			t.Errorf("service %s missing from rendered stack", name)
		}
	}

	manager := stack.Services["manager"]
	if manager.Environment["SYNC_QUEUE_PROCESS_INTERVAL"] != "30" {
		t.Errorf("manager interval env = %q", manager.Environment["SYNC_QUEUE_PROCESS_INTERVAL"])
	}
	if manager.Environment["FQDN"] != "swarm.example.com" {
		t.Errorf("manager FQDN env = %q", manager.Environment["FQDN"])
	}

	if got := stack.Services["console"].Deploy.Replicas; got != 2 {
		t.Errorf("console replicas = %d, want 2", got)
	}
	if stack.Services["proxy"].Deploy.Mode != "global" {
		t.Error("proxy should deploy globally")
	}
	if !stack.Networks[NetworkInternal].Internal {
		t.Error("internal network should be marked internal")
	}
}

func TestStackYAMLRoundTrip(t *testing.T) {
	stack := Render(testConfig(t))

	out, err := stack.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}

	var parsed StackFile
	if err := yaml.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("unmarshaling rendered YAML: %v", err)
	}
	if len(parsed.Services) != len(stack.Services) {
		t.Fatalf("round trip lost services: %d != %d", len(parsed.Services), len(stack.Services))
	}
	if parsed.Services["proxy"].Ports[1].Published != 443 {
		t.Errorf("https port = %d", parsed.Services["proxy"].Ports[1].Published)
	}
}

type fakeSwarm struct {
	networks map[string]bool // name -> internal
	secrets  map[string]string
	services map[string]swarm.ServiceSpec
	scaled   map[string]uint64
	removed  []string
}

func newFakeSwarm() *fakeSwarm {
	return &fakeSwarm{
		networks: map[string]bool{},
		secrets:  map[string]string{},
		services: map[string]swarm.ServiceSpec{},
		scaled:   map[string]uint64{},
	}
}

func (f *fakeSwarm) CreateOverlayNetwork(_ context.Context, name string, internal bool) error {
	f.networks[name] = internal
	return nil
}

func (f *fakeSwarm) CreateSecret(_ context.Context, name string, data []byte) error {
	f.secrets[name] = string(data)
	return nil
}

func (f *fakeSwarm) CreateService(_ context.Context, spec swarm.ServiceSpec) error {
	f.services[spec.Name] = spec
	return nil
}

func (f *fakeSwarm) RemoveService(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeSwarm) ScaleService(_ context.Context, name string, replicas uint64) error {
	f.scaled[name] = replicas
	return nil
}

func (f *fakeSwarm) ListStackServices(_ context.Context, prefixes []string) ([]swarm.Service, error) {
	var out []swarm.Service
	for name := range f.services {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				svc := swarm.Service{ID: "id-" + name}
				svc.Spec.Name = name
				out = append(out, svc)
				break
			}
		}
	}
	return out, nil
}

type fakePortainer struct {
	username string
	password string
	calls    int
}

func (f *fakePortainer) InitAdmin(_ context.Context, username, password string) error {
	f.username, f.password = username, password
	f.calls++
	return nil
}

func TestDeployProvisionsEverything(t *testing.T) {
	cfg := testConfig(t)
	sw := newFakeSwarm()
	pt := &fakePortainer{}
	d := NewDeployer(cfg, sw, pt, slog.Default())

	stack := Render(cfg)
	if err := d.Deploy(t.Context(), stack); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if internal, ok := sw.networks["migasfree_proxy"]; !ok || internal {
		t.Error("proxy network missing or wrongly internal")
	}
	if internal, ok := sw.networks["migasfree_internal"]; !ok || !internal {
		t.Error("internal network missing or not internal")
	}

	if len(sw.services) != len(stack.Services) {
		t.Fatalf("created %d services, want %d", len(sw.services), len(stack.Services))
	}
	mgr, ok := sw.services["migasfree_manager"]
	if !ok {
		t.Fatal("manager service not created")
	}
	if mgr.Annotations.Labels["com.docker.stack.namespace"] != "migasfree" {
		t.Error("namespace label missing")
	}
	if mgr.Mode.Replicated == nil || *mgr.Mode.Replicated.Replicas != 1 {
		t.Error("manager should run 1 replica")
	}
	if len(mgr.TaskTemplate.ContainerSpec.Secrets) != 2 {
		t.Errorf("manager secrets = %d, want 2", len(mgr.TaskTemplate.ContainerSpec.Secrets))
	}

	proxy := sw.services["migasfree_proxy"]
	if proxy.Mode.Global == nil {
		t.Error("proxy should be a global service")
	}
	if proxy.EndpointSpec == nil || proxy.EndpointSpec.Ports[0].PublishMode != swarm.PortConfigPublishMode("host") {
		t.Error("proxy ports should publish in host mode")
	}

	if sw.secrets[SecretSuperadminName] != "admin" {
		t.Errorf("superadmin name secret = %q", sw.secrets[SecretSuperadminName])
	}
	if len(sw.secrets[SecretSuperadminPass]) != 32 {
		t.Errorf("superadmin pass length = %d, want 32 hex chars", len(sw.secrets[SecretSuperadminPass]))
	}

	if pt.calls != 1 || pt.username != "admin" || pt.password != sw.secrets[SecretSuperadminPass] {
		t.Error("portainer admin not initialized with generated credentials")
	}
}

func TestDeployReusesPersistedCredentials(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.CredentialsDir, "superadmin-pass"), []byte("keepme"), 0o600); err != nil {
		t.Fatal(err)
	}

	sw := newFakeSwarm()
	d := NewDeployer(cfg, sw, nil, slog.Default())
	if err := d.Deploy(t.Context(), Render(cfg)); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if sw.secrets[SecretSuperadminPass] != "keepme" {
		t.Errorf("password secret = %q, want persisted value", sw.secrets[SecretSuperadminPass])
	}
}

func TestUndeployRemovesOnlyStackServices(t *testing.T) {
	cfg := testConfig(t)
	sw := newFakeSwarm()
	sw.services["migasfree_manager"] = swarm.ServiceSpec{}
	sw.services["migasfree_relay"] = swarm.ServiceSpec{}
	sw.services["other_app"] = swarm.ServiceSpec{}

	d := NewDeployer(cfg, sw, nil, slog.Default())
	if err := d.Undeploy(t.Context()); err != nil {
		t.Fatalf("Undeploy: %v", err)
	}

	if len(sw.removed) != 2 {
		t.Fatalf("removed %d services, want 2: %v", len(sw.removed), sw.removed)
	}
	for _, id := range sw.removed {
		if strings.Contains(id, "other_app") {
			t.Error("removed a service outside the stack")
		}
	}
}

func TestScaleConsoles(t *testing.T) {
	cfg := testConfig(t)
	sw := newFakeSwarm()
	d := NewDeployer(cfg, sw, nil, slog.Default())

	if err := d.ScaleConsoles(t.Context(), 3); err != nil {
		t.Fatalf("ScaleConsoles: %v", err)
	}
	if sw.scaled["migasfree_console"] != 3 {
		t.Errorf("console scaled to %d, want 3", sw.scaled["migasfree_console"])
	}
}
