// Package monitor keeps a live picture of the stack's swarm services: per
// service replica counts, a coarse health status, and a bounded log ring
// feeding the status console. It combines a periodic reconciler with the
// daemon's event stream; the events only make the picture fresher, the
// poll makes it correct.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mobyevents "github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/swarm"

	"github.com/migasfree/swarm-control/internal/events"
)

const (
	pollInterval   = 5 * time.Second
	infraPrefix    = "infra_"
	resubscribeMin = time.Second
	resubscribeMax = 30 * time.Second
)

// Service health levels, ordered from best to worst.
const (
	StatusHealthy  = "healthy"
	StatusStarting = "starting"
	StatusDegraded = "degraded"
	StatusDown     = "down"
	StatusUnknown  = "unknown"
)

// ServiceState is the cached view of one swarm service.
type ServiceState struct {
	Name       string   `json:"name"`
	Mode       string   `json:"mode"` // replicated or global
	Desired    int      `json:"desired"`
	Running    int      `json:"running"`
	Preparing  int      `json:"preparing"`
	Failed     int      `json:"failed"`
	Status     string   `json:"status"`
	Nodes      []string `json:"nodes,omitempty"`
	Containers []string `json:"containers,omitempty"`
}

// LogEntry is one line of the status console ring.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service,omitempty"`
	Message   string    `json:"message"`
}

// DockerAPI is the slice of the Docker client the monitor needs.
type DockerAPI interface {
	IsSwarmManager(ctx context.Context) bool
	ListStackServices(ctx context.Context, prefixes []string) ([]swarm.Service, error)
	ListServiceTasks(ctx context.Context, serviceID string) ([]swarm.Task, error)
	NodeHostnames(ctx context.Context) (map[string]string, error)
	Events(ctx context.Context) (<-chan mobyevents.Message, <-chan error)
}

// Monitor owns the service cache.
type Monitor struct {
	docker DockerAPI
	bus    *events.Bus
	log    *slog.Logger
	stack  string

	mu       sync.RWMutex
	services map[string]ServiceState
	ring     *logRing
}

// New creates a monitor for services prefixed with "<stack>_" or "infra_".
func New(docker DockerAPI, bus *events.Bus, stack string, log *slog.Logger) *Monitor {
	return &Monitor{
		docker:   docker,
		bus:      bus,
		log:      log,
		stack:    stack,
		services: make(map[string]ServiceState),
		ring:     newLogRing(logRingCap),
	}
}

// Run blocks until ctx is cancelled. On nodes that are not swarm managers
// the cache stays empty; the HTTP surface keeps working and reports nothing.
func (m *Monitor) Run(ctx context.Context) {
	if !m.docker.IsSwarmManager(ctx) {
		m.log.Warn("not a swarm manager, service monitor idle")
		<-ctx.Done()
		return
	}

	m.appendLog("", "service monitor started")
	m.reconcile(ctx)

	go m.watchEvents(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// Snapshot returns a copy of the current cache.
func (m *Monitor) Snapshot() map[string]ServiceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceState, len(m.services))
	for k, v := range m.services {
		out[k] = v
	}
	return out
}

// RecentLogs returns up to limit of the newest ring entries, oldest first.
func (m *Monitor) RecentLogs(limit int) []LogEntry {
	return m.ring.recent(limit)
}

// reconcile rebuilds the cache from the service and task lists, publishing a
// status event for every service whose computed state changed.
func (m *Monitor) reconcile(ctx context.Context) {
	prefixes := []string{m.stack + "_", infraPrefix}
	services, err := m.docker.ListStackServices(ctx, prefixes)
	if err != nil {
		m.log.Warn("service list failed", "error", err)
		return
	}
	nodeNames, err := m.docker.NodeHostnames(ctx)
	if err != nil {
		m.log.Warn("node list failed", "error", err)
		nodeNames = map[string]string{}
	}

	fresh := make(map[string]ServiceState, len(services))
	for _, svc := range services {
		tasks, err := m.docker.ListServiceTasks(ctx, svc.ID)
		if err != nil {
			m.log.Warn("task list failed", "service", svc.Spec.Name, "error", err)
			continue
		}
		fresh[svc.Spec.Name] = buildState(svc, tasks, nodeNames, len(nodeNames))
	}

	m.mu.Lock()
	old := m.services
	m.services = fresh
	m.mu.Unlock()

	for name, st := range fresh {
		prev, existed := old[name]
		if !existed || prev.Status != st.Status || prev.Running != st.Running {
			m.publishStatus(st)
			if !existed {
				m.appendLog(name, fmt.Sprintf("service discovered: %s (%s)", st.Status, st.Mode))
			} else if prev.Status != st.Status {
				m.appendLog(name, fmt.Sprintf("status %s -> %s (%d/%d running)",
					prev.Status, st.Status, st.Running, st.Desired))
			}
		}
	}
	for name := range old {
		if _, still := fresh[name]; !still {
			m.appendLog(name, "service removed")
			m.publishStatus(ServiceState{Name: name, Status: StatusDown})
		}
	}
}

// watchEvents follows the daemon event stream and triggers an immediate
// reconcile on relevant events. The stream is resubscribed with backoff.
func (m *Monitor) watchEvents(ctx context.Context) {
	backoff := resubscribeMin
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, errs := m.docker.Events(ctx)

	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					break stream
				}
				if m.relevant(msg) {
					backoff = resubscribeMin
					m.reconcile(ctx)
				}
			case err := <-errs:
				if err != nil {
					m.log.Warn("docker event stream broke", "error", err)
				}
				break stream
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > resubscribeMax {
			backoff = resubscribeMax
		}
	}
}

// relevant filters the event stream down to this stack's services and their
// containers.
func (m *Monitor) relevant(msg mobyevents.Message) bool {
	var name string
	switch msg.Type {
	case mobyevents.ServiceEventType:
		name = msg.Actor.Attributes["name"]
	case mobyevents.ContainerEventType:
		name = msg.Actor.Attributes["com.docker.swarm.service.name"]
	default:
		return false
	}
	return strings.HasPrefix(name, m.stack+"_") || strings.HasPrefix(name, infraPrefix)
}

func (m *Monitor) publishStatus(st ServiceState) {
	m.bus.Publish(events.SSEEvent{
		Type:      events.EventStatus,
		Service:   st.Name,
		Data:      st,
		Timestamp: time.Now(),
	})
}

func (m *Monitor) appendLog(service, message string) {
	entry := LogEntry{Timestamp: time.Now(), Service: service, Message: message}
	m.ring.append(entry)
	m.bus.Publish(events.SSEEvent{
		Type:      events.EventLog,
		Service:   service,
		Data:      entry,
		Timestamp: entry.Timestamp,
	})
}

// buildState derives one service's cached state from its spec and tasks.
// nodeCount is the desired count for global services.
func buildState(svc swarm.Service, tasks []swarm.Task, nodeNames map[string]string, nodeCount int) ServiceState {
	st := ServiceState{Name: svc.Spec.Name}

	switch {
	case svc.Spec.Mode.Global != nil:
		st.Mode = "global"
		st.Desired = nodeCount
	case svc.Spec.Mode.Replicated != nil:
		st.Mode = "replicated"
		if svc.Spec.Mode.Replicated.Replicas != nil {
			st.Desired = int(*svc.Spec.Mode.Replicated.Replicas)
		}
	default:
		st.Mode = "replicated"
	}

	nodeSet := make(map[string]struct{})
	for _, task := range tasks {
		switch task.Status.State {
		case swarm.TaskStateRunning:
			st.Running++
			if name, ok := nodeNames[task.NodeID]; ok {
				nodeSet[name] = struct{}{}
			}
			if task.Status.ContainerStatus != nil && task.Status.ContainerStatus.ContainerID != "" {
				st.Containers = append(st.Containers, task.Status.ContainerStatus.ContainerID)
			}
		case swarm.TaskStateNew, swarm.TaskStatePending, swarm.TaskStateAssigned,
			swarm.TaskStateAccepted, swarm.TaskStatePreparing, swarm.TaskStateReady,
			swarm.TaskStateStarting:
			st.Preparing++
		case swarm.TaskStateFailed, swarm.TaskStateRejected, swarm.TaskStateOrphaned:
			// Only count failures the scheduler still wants running; completed
			// history tasks are noise.
			if task.DesiredState == swarm.TaskStateRunning {
				st.Failed++
			}
		}
	}
	for name := range nodeSet {
		st.Nodes = append(st.Nodes, name)
	}
	sort.Strings(st.Nodes)
	sort.Strings(st.Containers)

	st.Status = statusFor(st)
	return st
}

func statusFor(st ServiceState) string {
	switch {
	case st.Desired == 0:
		return StatusUnknown
	case st.Running >= st.Desired:
		return StatusHealthy
	case st.Running == 0 && st.Preparing > 0:
		return StatusStarting
	case st.Running == 0:
		return StatusDown
	case st.Preparing > 0:
		return StatusStarting
	default:
		return StatusDegraded
	}
}
