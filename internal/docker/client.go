// Package docker wraps the Docker Engine API with the swarm queries the
// service monitor and the stack orchestrator need. All access goes through
// the local daemon socket; the processes that use this package run on
// manager nodes.
package docker

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/moby/moby/client"
)

const defaultSocket = "/var/run/docker.sock"

// Client wraps the Docker API client.
type Client struct {
	api *client.Client
}

// New connects to the daemon at sock (a socket path or tcp:// endpoint).
// Empty means the default local socket.
func New(sock string) (*Client, error) {
	if sock == "" {
		sock = defaultSocket
	}

	var opts []client.Opt
	if strings.HasPrefix(sock, "tcp://") {
		opts = append(opts, client.WithHost(sock))
	} else {
		path := sock
		opts = append(opts,
			client.WithHost("unix://"+path),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", path, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return err
}

func (c *Client) Close() error {
	return c.api.Close()
}
