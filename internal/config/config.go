// Package config loads per-service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Common holds settings shared by every service in the stack.
type Common struct {
	FQDN  string
	Stack string

	RedisURL string

	LogJSON bool
}

// Load reads the shared configuration from environment variables.
func LoadCommon() Common {
	return Common{
		FQDN:     envStr("FQDN", "localhost"),
		Stack:    envStr("STACK", "migasfree"),
		RedisURL: envStr("REDIS_URL", "redis://datastore:6379/0"),
		LogJSON:  envBool("LOG_JSON", true),
	}
}

// Validate checks the shared configuration for invalid values.
func (c *Common) Validate() error {
	var errs []error
	if c.FQDN == "" {
		errs = append(errs, errors.New("FQDN must not be empty"))
	}
	if c.Stack == "" {
		errs = append(errs, errors.New("STACK must not be empty"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL must not be empty"))
	}
	return errors.Join(errs...)
}

// Postgres holds database connection settings.
type Postgres struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// LoadPostgres reads database settings from environment variables.
func LoadPostgres() Postgres {
	return Postgres{
		Host:     envStr("POSTGRES_HOST", "database"),
		Port:     envInt("POSTGRES_PORT", 5432),
		Database: envStr("POSTGRES_DB", "migasfree"),
		User:     envStr("POSTGRES_USER", "migasfree"),
		Password: envStr("POSTGRES_PASSWORD", ""),
	}
}

// DSN renders the settings as a pgx connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", p.User, p.Password, p.Host, p.Port, p.Database)
}

// Validate checks database settings for invalid values.
func (p *Postgres) Validate() error {
	var errs []error
	if p.Host == "" {
		errs = append(errs, errors.New("POSTGRES_HOST must not be empty"))
	}
	if p.Port <= 0 || p.Port > 65535 {
		errs = append(errs, fmt.Errorf("POSTGRES_PORT must be a valid port, got %d", p.Port))
	}
	if p.User == "" {
		errs = append(errs, errors.New("POSTGRES_USER must not be empty"))
	}
	return errors.Join(errs...)
}

// Manager holds configuration for the manager service: the HTTP/WS front end,
// the saturation sampler, and the sync queue drainer.
type Manager struct {
	Common
	Postgres Postgres

	HTTPAddr string

	// External collaborators.
	CoreURL            string
	CAURL              string
	PortainerURL       string
	PortainerTokenFile string

	// Saturation thresholds and cadences.
	SyncMaxDBLatency         float64       // seconds
	SyncMaxCoreLoad          float64       // percent
	SyncMaxConcurrency       int
	SyncQueueProcessInterval time.Duration
	MetricsRecordingInterval time.Duration
	MetricsRetentionLimit    time.Duration

	// Fallback public relay URL when no relay heartbeat is live.
	DefaultRelayURL string
}

// LoadManager reads the manager configuration from environment variables.
func LoadManager() *Manager {
	common := LoadCommon()
	return &Manager{
		Common:   common,
		Postgres: LoadPostgres(),

		HTTPAddr: envStr("HTTP_ADDR", ":8000"),

		CoreURL:            envStr("CORE_URL", "http://core:8080"),
		CAURL:              envStr("CA_URL", "http://ca:8000"),
		PortainerURL:       envStr("PORTAINER_URL", "http://portainer:9000"),
		PortainerTokenFile: envStr("PORTAINER_TOKEN_FILE", "/mnt/cluster/credentials/portainer-token"),

		SyncMaxDBLatency:         envFloat("SYNC_MAX_DB_LATENCY", 0.5),
		SyncMaxCoreLoad:          envFloat("SYNC_MAX_CORE_LOAD", 80.0),
		SyncMaxConcurrency:       envInt("SYNC_MAX_CONCURRENCY", 10),
		SyncQueueProcessInterval: envSeconds("SYNC_QUEUE_PROCESS_INTERVAL", 30*time.Second),
		MetricsRecordingInterval: envSeconds("METRICS_RECORDING_INTERVAL", 10*time.Second),
		MetricsRetentionLimit:    envSeconds("METRICS_RETENTION_LIMIT", 24*time.Hour),

		DefaultRelayURL: envStr("DEFAULT_RELAY_URL", "wss://"+common.FQDN+"/tunnel"),
	}
}

// Validate checks the manager configuration for invalid values.
func (c *Manager) Validate() error {
	var errs []error
	if err := c.Common.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Postgres.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SyncMaxDBLatency <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_MAX_DB_LATENCY must be > 0, got %g", c.SyncMaxDBLatency))
	}
	if c.SyncMaxCoreLoad <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_MAX_CORE_LOAD must be > 0, got %g", c.SyncMaxCoreLoad))
	}
	if c.SyncMaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_MAX_CONCURRENCY must be > 0, got %d", c.SyncMaxConcurrency))
	}
	if c.SyncQueueProcessInterval <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_QUEUE_PROCESS_INTERVAL must be > 0, got %s", c.SyncQueueProcessInterval))
	}
	if c.MetricsRecordingInterval <= 0 {
		errs = append(errs, fmt.Errorf("METRICS_RECORDING_INTERVAL must be > 0, got %s", c.MetricsRecordingInterval))
	}
	if c.MetricsRetentionLimit <= 0 {
		errs = append(errs, fmt.Errorf("METRICS_RETENTION_LIMIT must be > 0, got %s", c.MetricsRetentionLimit))
	}
	return errors.Join(errs...)
}

// Relay holds configuration for a tunnel relay node.
type Relay struct {
	Common

	ListenAddr string

	// PublicURL is what agents outside the cluster dial (through the ingress).
	// InternalURL is the overlay address the manager dials directly.
	PublicURL   string
	InternalURL string

	MaxConnections int
}

// LoadRelay reads the relay configuration from environment variables.
func LoadRelay() *Relay {
	common := LoadCommon()
	hostname, _ := os.Hostname()
	return &Relay{
		Common:         common,
		ListenAddr:     envStr("TUNNEL_ADDR", ":8080"),
		PublicURL:      envStr("TUNNEL_PUBLIC_URL", "wss://"+common.FQDN+"/tunnel"),
		InternalURL:    envStr("TUNNEL_INTERNAL_URL", "ws://"+hostname+":8080"),
		MaxConnections: envInt("TUNNEL_CONNECTIONS", 1000),
	}
}

// Validate checks the relay configuration for invalid values.
func (c *Relay) Validate() error {
	var errs []error
	if err := c.Common.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("TUNNEL_CONNECTIONS must be > 0, got %d", c.MaxConnections))
	}
	if c.PublicURL == "" {
		errs = append(errs, errors.New("TUNNEL_PUBLIC_URL must not be empty"))
	}
	return errors.Join(errs...)
}

// CA holds configuration for the certificate authority service.
type CA struct {
	FQDN  string
	Stack string

	HTTPAddr string

	// Root of the per-stack certificate tree.
	CertRoot string

	// Directory holding the issuance shell scripts.
	ScriptsDir string

	// Path prefix under which the proxy exposes the public routes.
	PublicPrefix string

	MaxTokenAge time.Duration

	LogJSON bool
}

// LoadCA reads the CA configuration from environment variables.
func LoadCA() *CA {
	return &CA{
		FQDN:         envStr("FQDN", "localhost"),
		Stack:        envStr("STACK", "migasfree"),
		HTTPAddr:     envStr("HTTP_ADDR", ":8000"),
		CertRoot:     envStr("PATH_CERTIFICATES", "/mnt/cluster/certificates"),
		ScriptsDir:   envStr("PATH_SCRIPTS", "/usr/share/swarm-control/scripts"),
		PublicPrefix: envStr("PUBLIC_URL_PREFIX", "/ca"),
		MaxTokenAge:  time.Duration(envInt("MAX_TOKEN_AGE_HOURS", 72)) * time.Hour,
		LogJSON:      envBool("LOG_JSON", true),
	}
}

// Validate checks the CA configuration for invalid values.
func (c *CA) Validate() error {
	var errs []error
	if c.CertRoot == "" {
		errs = append(errs, errors.New("PATH_CERTIFICATES must not be empty"))
	}
	if c.MaxTokenAge <= 0 {
		errs = append(errs, fmt.Errorf("MAX_TOKEN_AGE_HOURS must be > 0, got %s", c.MaxTokenAge))
	}
	return errors.Join(errs...)
}

// Orchestrator holds configuration for the stack deployment CLI.
type Orchestrator struct {
	FQDN  string
	Stack string

	DockerSock     string
	PortainerURL   string
	CredentialsDir string

	// Package management systems to deploy backend services for.
	PMS []string

	HTTPPort  int
	HTTPSPort int

	ConsoleReplicas int

	// Saturation knobs templated into the manager's service environment.
	SyncMaxDBLatency         float64
	SyncMaxCoreLoad          float64
	SyncMaxConcurrency       int
	SyncQueueProcessInterval time.Duration
	MetricsRetentionLimit    time.Duration

	LogJSON bool
}

// LoadOrchestrator reads the orchestrator configuration from environment
// variables.
func LoadOrchestrator() *Orchestrator {
	return &Orchestrator{
		FQDN:           envStr("FQDN", "localhost"),
		Stack:          envStr("STACK", "migasfree"),
		DockerSock:     envStr("DOCKER_SOCK", ""),
		PortainerURL:   envStr("PORTAINER_URL", "http://portainer:9000"),
		CredentialsDir: envStr("PATH_CREDENTIALS", "/mnt/cluster/credentials"),
		PMS:            envList("PMS_ENABLED", []string{"apt", "yum"}),

		HTTPPort:  envInt("HTTP_PORT", 80),
		HTTPSPort: envInt("HTTPS_PORT", 443),

		ConsoleReplicas: envInt("CONSOLE_REPLICAS", 1),

		SyncMaxDBLatency:         envFloat("SYNC_MAX_DB_LATENCY", 0.5),
		SyncMaxCoreLoad:          envFloat("SYNC_MAX_CORE_LOAD", 80.0),
		SyncMaxConcurrency:       envInt("SYNC_MAX_CONCURRENCY", 10),
		SyncQueueProcessInterval: envSeconds("SYNC_QUEUE_PROCESS_INTERVAL", 30*time.Second),
		MetricsRetentionLimit:    envSeconds("METRICS_RETENTION_LIMIT", 24*time.Hour),

		LogJSON: envBool("LOG_JSON", false),
	}
}

// Validate checks the orchestrator configuration for invalid values.
func (c *Orchestrator) Validate() error {
	var errs []error
	if c.Stack == "" {
		errs = append(errs, errors.New("STACK must not be empty"))
	}
	if c.CredentialsDir == "" {
		errs = append(errs, errors.New("PATH_CREDENTIALS must not be empty"))
	}
	if c.ConsoleReplicas < 0 {
		errs = append(errs, fmt.Errorf("CONSOLE_REPLICAS must be >= 0, got %d", c.ConsoleReplicas))
	}
	return errors.Join(errs...)
}

// Agent holds configuration for the endpoint agent.
type Agent struct {
	AgentID    string
	Hostname   string
	ManagerURL string
	Token      string

	// service name -> local TCP port exposed through tunnels.
	Services map[string]int

	LogJSON bool
}

// LoadAgent reads the agent configuration from environment variables.
func LoadAgent() *Agent {
	hostname, _ := os.Hostname()
	return &Agent{
		AgentID:    envStr("AGENT_ID", ""),
		Hostname:   envStr("AGENT_HOSTNAME", hostname),
		ManagerURL: envStr("MANAGER_URL", ""),
		Token:      envStr("AGENT_TOKEN", ""),
		Services: map[string]int{
			"ssh": envInt("AGENT_SSH_PORT", 22),
			"vnc": envInt("AGENT_VNC_PORT", 5900),
			"rdp": envInt("AGENT_RDP_PORT", 3389),
		},
		LogJSON: envBool("LOG_JSON", false),
	}
}

// Validate checks the agent configuration for invalid values.
func (c *Agent) Validate() error {
	var errs []error
	if c.AgentID == "" {
		errs = append(errs, errors.New("AGENT_ID must not be empty"))
	}
	if c.ManagerURL == "" {
		errs = append(errs, errors.New("MANAGER_URL must not be empty"))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envSeconds reads a duration expressed as a bare number of seconds, the
// convention used by the stack's deployment environment.
func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return time.Duration(n * float64(time.Second))
}
