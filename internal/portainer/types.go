package portainer

// Endpoint is a Portainer-managed Docker environment. The stack runs with a
// single local endpoint; its ID is discovered, not configured.
type Endpoint struct {
	ID   int    `json:"Id"`
	Name string `json:"Name"`
}

// Container is the slice of the Docker container list the sampler needs.
type Container struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	State  string            `json:"State"`
	Labels map[string]string `json:"Labels"`
}

// ServiceName returns the swarm service this container belongs to, or "".
func (c Container) ServiceName() string {
	return c.Labels["com.docker.swarm.service.name"]
}

// CPUSample carries the raw engine counters one CPU percentage is computed
// from. Percentages need two consecutive samples.
type CPUSample struct {
	TotalUsage  uint64
	SystemUsage uint64
	OnlineCPUs  int
}

// statsResponse mirrors the fields of the one-shot container stats payload.
type statsResponse struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs     int    `json:"online_cpus"`
	} `json:"cpu_stats"`
}
