package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_relay_connected_agents",
		Help: "Number of agents currently registered on this relay.",
	})
	ActiveTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_relay_active_tunnels",
		Help: "Number of open TCP tunnels on this relay.",
	})
	ActiveExecSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_relay_active_exec_sessions",
		Help: "Number of in-flight remote command executions on this relay.",
	})
	TunnelBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_relay_tunnel_bytes_total",
		Help: "Bytes relayed through tunnels by direction.",
	}, []string{"origin"})
	RegistrationsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarm_relay_registrations_rejected_total",
		Help: "Agent registrations rejected because the relay was full.",
	})

	SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_sync_admission_total",
		Help: "Sync admission decisions by outcome.",
	}, []string{"outcome"})
	SyncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_sync_queue_depth",
		Help: "Agent UUIDs waiting in the deferred sync queue.",
	})
	SyncDrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_sync_drained_total",
		Help: "Deferred syncs replayed by outcome.",
	}, []string{"outcome"})

	DBLatency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_db_latency_seconds",
		Help: "Latency of the SELECT 1 probe against the database.",
	})
	CoreCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_core_cpu_percent",
		Help: "Average CPU of core service containers.",
	})
	DatabaseCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_database_cpu_percent",
		Help: "Summed CPU of database service containers.",
	})
	Saturated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_saturated",
		Help: "1 when the cluster is saturated, 0 otherwise.",
	})

	ProxySessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_manager_proxy_sessions_total",
		Help: "Interactive service sessions opened through the manager by service.",
	}, []string{"service"})
	SampleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarm_metrics_sample_duration_seconds",
		Help:    "Duration of one saturation sampling pass.",
		Buckets: prometheus.DefBuckets,
	})
)
