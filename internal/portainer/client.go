// Package portainer is a thin client for the parts of the Portainer API the
// control plane uses: container discovery and CPU stats through the
// authenticated Docker proxy, plus first-run admin initialisation.
package portainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// TokenFromFile reads an API key from a secrets file, trimming whitespace.
func TokenFromFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading portainer token: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("portainer token file %s is empty", path)
	}
	return token, nil
}

// LocalEndpointID returns the ID of the first registered endpoint. The stack
// registers exactly one: the local swarm.
func (c *Client) LocalEndpointID(ctx context.Context) (int, error) {
	var endpoints []Endpoint
	if err := c.get(ctx, "/api/endpoints", &endpoints); err != nil {
		return 0, fmt.Errorf("list endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return 0, fmt.Errorf("portainer has no endpoints")
	}
	return endpoints[0].ID, nil
}

// ListContainers returns all running containers on the endpoint.
func (c *Client) ListContainers(ctx context.Context, endpointID int) ([]Container, error) {
	var containers []Container
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/json", endpointID)
	if err := c.get(ctx, path, &containers); err != nil {
		return nil, fmt.Errorf("list containers (endpoint %d): %w", endpointID, err)
	}
	return containers, nil
}

// ContainerCPU takes a one-shot stats sample for a container.
func (c *Client) ContainerCPU(ctx context.Context, endpointID int, containerID string) (CPUSample, error) {
	var resp statsResponse
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/stats?stream=false", endpointID, containerID)
	if err := c.get(ctx, path, &resp); err != nil {
		return CPUSample{}, fmt.Errorf("container stats: %w", err)
	}
	return CPUSample{
		TotalUsage:  resp.CPUStats.CPUUsage.TotalUsage,
		SystemUsage: resp.CPUStats.SystemCPUUsage,
		OnlineCPUs:  resp.CPUStats.OnlineCPUs,
	}, nil
}

// InitAdmin performs Portainer's one-time admin bootstrap. A 409 means an
// admin already exists, which callers treat as done.
func (c *Client) InitAdmin(ctx context.Context, username, password string) error {
	body := map[string]string{"Username": username, "Password": password}
	if err := c.post(ctx, "/api/users/admin/init", body); err != nil {
		return fmt.Errorf("portainer admin init: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.token)
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("portainer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
