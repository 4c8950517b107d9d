// Package agent implements the endpoint side of the tunnel protocol: it
// asks the manager for a relay assignment, keeps an outbound WebSocket to
// that relay, serves TCP tunnels into locally open service ports, and runs
// remote commands streamed back over the wire.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/migasfree/swarm-control/internal/config"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	registerPath   = "/v1/private/tunnel/register"
)

// Agent owns the reconnect loop. One Agent maps to one device identity.
type Agent struct {
	cfg  *config.Agent
	log  *slog.Logger
	http *http.Client
}

func New(cfg *config.Agent, log *slog.Logger) *Agent {
	return &Agent{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// Run registers, connects and serves until ctx is cancelled. Every failure
// path sleeps an exponential backoff; a session that reached registration_ok
// resets it.
func (a *Agent) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		relayURL, err := a.register(ctx)
		if err != nil {
			a.log.Warn("registration failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		registered, err := a.runSession(ctx, relayURL)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			backoff = initialBackoff
		}
		a.log.Warn("relay session ended", "relay", relayURL, "error", err, "retry_in", backoff)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

type registerRequest struct {
	AgentID  string         `json:"agent_id"`
	Hostname string         `json:"hostname"`
	Info     map[string]any `json:"info"`
}

type registerResponse struct {
	RelayURL string `json:"relay_url"`
}

// register asks the manager which relay this agent should dial.
func (a *Agent) register(ctx context.Context) (string, error) {
	body, err := json.Marshal(registerRequest{
		AgentID:  a.cfg.AgentID,
		Hostname: a.cfg.Hostname,
		Info: map[string]any{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(a.cfg.ManagerURL, "/") + registerPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("manager returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding register response: %w", err)
	}
	if out.RelayURL == "" {
		return "", fmt.Errorf("manager returned empty relay_url")
	}
	return out.RelayURL, nil
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// sleep waits d or until ctx is done. Reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
