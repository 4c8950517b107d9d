package docker

import (
	"context"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/moby/moby/api/types/swarm"
	"github.com/moby/moby/client"
)

// CreateOverlayNetwork creates an attachable overlay network. Existing
// networks with the same name are left alone.
func (c *Client) CreateOverlayNetwork(ctx context.Context, name string, internal bool) error {
	_, err := c.api.NetworkCreate(ctx, name, client.NetworkCreateOptions{
		Driver:     "overlay",
		Attachable: true,
		Internal:   internal,
		Scope:      "swarm",
	})
	if err != nil && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("creating network %s: %w", name, err)
	}
	return nil
}

// CreateSecret stores a swarm secret. Existing secrets with the same name
// are treated as already provisioned.
func (c *Client) CreateSecret(ctx context.Context, name string, data []byte) error {
	_, err := c.api.SecretCreate(ctx, client.SecretCreateOptions{
		Spec: swarm.SecretSpec{
			Annotations: swarm.Annotations{Name: name},
			Data:        data,
		},
	})
	if err != nil && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("creating secret %s: %w", name, err)
	}
	return nil
}

// CreateService submits one service spec to the swarm.
func (c *Client) CreateService(ctx context.Context, spec swarm.ServiceSpec) error {
	_, err := c.api.ServiceCreate(ctx, client.ServiceCreateOptions{Spec: spec})
	if err != nil {
		return fmt.Errorf("creating service %s: %w", spec.Name, err)
	}
	return nil
}

// RemoveService deletes a service by name or ID.
func (c *Client) RemoveService(ctx context.Context, id string) error {
	if _, err := c.api.ServiceRemove(ctx, id, client.ServiceRemoveOptions{}); err != nil {
		return fmt.Errorf("removing service %s: %w", id, err)
	}
	return nil
}

// ScaleService sets the replica count of a replicated service.
func (c *Client) ScaleService(ctx context.Context, name string, replicas uint64) error {
	inspect, err := c.api.ServiceInspect(ctx, name, client.ServiceInspectOptions{})
	if err != nil {
		return fmt.Errorf("inspecting service %s: %w", name, err)
	}

	spec := inspect.Service.Spec
	if spec.Mode.Replicated == nil {
		return fmt.Errorf("service %s is not replicated", name)
	}
	spec.Mode.Replicated.Replicas = &replicas

	_, err = c.api.ServiceUpdate(ctx, inspect.Service.ID, client.ServiceUpdateOptions{
		Version: inspect.Service.Version,
		Spec:    spec,
	})
	if err != nil {
		return fmt.Errorf("scaling service %s: %w", name, err)
	}
	return nil
}
