package docker

import (
	"context"
	"strings"

	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/swarm"
	"github.com/moby/moby/client"
)

// IsSwarmManager reports whether the local daemon is an active swarm
// manager. Non-managers cannot see services or tasks.
func (c *Client) IsSwarmManager(ctx context.Context) bool {
	result, err := c.api.Info(ctx, client.InfoOptions{})
	if err != nil {
		return false
	}
	return result.Info.Swarm.LocalNodeState == swarm.LocalNodeStateActive &&
		result.Info.Swarm.ControlAvailable
}

// ListStackServices returns the services whose name carries one of the
// given prefixes. The service list API has no name-prefix filter, so the
// match happens client-side.
func (c *Client) ListStackServices(ctx context.Context, prefixes []string) ([]swarm.Service, error) {
	result, err := c.api.ServiceList(ctx, client.ServiceListOptions{Status: true})
	if err != nil {
		return nil, err
	}

	var out []swarm.Service
	for _, svc := range result.Items {
		for _, p := range prefixes {
			if strings.HasPrefix(svc.Spec.Name, p) {
				out = append(out, svc)
				break
			}
		}
	}
	return out, nil
}

// ListServiceTasks returns all tasks of a service regardless of desired
// state, so callers can distinguish starting, running and failed replicas.
func (c *Client) ListServiceTasks(ctx context.Context, serviceID string) ([]swarm.Task, error) {
	f := client.Filters{}
	f = f.Add("service", serviceID)
	result, err := c.api.TaskList(ctx, client.TaskListOptions{Filters: f})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// NodeHostnames maps node IDs to hostnames for task display.
func (c *Client) NodeHostnames(ctx context.Context) (map[string]string, error) {
	result, err := c.api.NodeList(ctx, client.NodeListOptions{})
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(result.Items))
	for _, n := range result.Items {
		names[n.ID] = n.Description.Hostname
	}
	return names, nil
}

// Events streams service and container events from the daemon. The channels
// close when ctx is cancelled or the stream breaks; callers resubscribe.
func (c *Client) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	f := client.Filters{}
	f = f.Add("type", string(events.ServiceEventType))
	f = f.Add("type", string(events.ContainerEventType))
	res := c.api.Events(ctx, client.EventsListOptions{Filters: f})
	return res.Messages, res.Err
}
