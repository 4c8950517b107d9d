package portainer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalEndpointID(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		if r.URL.Path != "/api/endpoints" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"Id": 3, "Name": "local"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-1")
	id, err := c.LocalEndpointID(context.Background())
	if err != nil {
		t.Fatalf("LocalEndpointID: %v", err)
	}
	if id != 3 {
		t.Errorf("id = %d, want 3", id)
	}
	if gotKey != "key-1" {
		t.Errorf("X-API-Key = %q", gotKey)
	}
}

func TestLocalEndpointIDEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "k").LocalEndpointID(context.Background()); err == nil {
		t.Fatal("expected error with no endpoints")
	}
}

func TestContainerCPU(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/api/endpoints/1/docker/containers/abc/stats"
		if r.URL.Path != want {
			t.Errorf("path = %s, want %s", r.URL.Path, want)
		}
		if r.URL.Query().Get("stream") != "false" {
			t.Error("stats must be one-shot")
		}
		_, _ = w.Write([]byte(`{"cpu_stats":{"cpu_usage":{"total_usage":200},"system_cpu_usage":10000,"online_cpus":4}}`))
	}))
	defer srv.Close()

	sample, err := NewClient(srv.URL, "k").ContainerCPU(context.Background(), 1, "abc")
	if err != nil {
		t.Fatalf("ContainerCPU: %v", err)
	}
	if sample.TotalUsage != 200 || sample.SystemUsage != 10000 || sample.OnlineCPUs != 4 {
		t.Errorf("sample = %+v", sample)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "bad").ListContainers(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestServiceName(t *testing.T) {
	c := Container{Labels: map[string]string{"com.docker.swarm.service.name": "migasfree_core"}}
	if c.ServiceName() != "migasfree_core" {
		t.Errorf("ServiceName = %q", c.ServiceName())
	}
	if (Container{}).ServiceName() != "" {
		t.Error("missing label should yield empty name")
	}
}

func TestTokenFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("  ptr_abc123\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	tok, err := TokenFromFile(path)
	if err != nil {
		t.Fatalf("TokenFromFile: %v", err)
	}
	if tok != "ptr_abc123" {
		t.Errorf("token = %q", tok)
	}

	empty := filepath.Join(dir, "empty")
	_ = os.WriteFile(empty, []byte("\n"), 0o600)
	if _, err := TokenFromFile(empty); err == nil {
		t.Error("empty file must error")
	}
}
