package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rishavghosh108/mrx-mta/helpers"
)

// Config is the top-level configuration, decoded from a TOML file.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	S3       S3Config       `toml:"s3"`
	Servers  ServersConfig  `toml:"servers"`
	Queue    QueueConfig    `toml:"queue"`
	Policy   PolicyConfig   `toml:"policy"`
	Delivery DeliveryConfig `toml:"delivery"`
	Auth     AuthConfig     `toml:"auth"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// LoggingConfig controls log output, format and level.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	QueryTimeout    string `toml:"query_timeout"` // timeout for individual queries (e.g. "30s")
	LogQueries      bool   `toml:"log_queries"`
}

func (d *DatabaseConfig) GetPort() int {
	if d.Port == 0 {
		return 5432
	}
	return d.Port
}

func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// S3Config holds object storage settings for message payloads.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Encrypt       bool   `toml:"encrypt"`        // encrypt payloads at rest with AES-256-GCM
	EncryptionKey string `toml:"encryption_key"` // hex-encoded 32-byte master key
	Trace         bool   `toml:"trace"`
}

// ListenerConfig describes a single SMTP listener.
type ListenerConfig struct {
	Enabled     bool   `toml:"enabled"`
	Addr        string `toml:"addr"`
	TLS         bool   `toml:"tls"`          // implicit TLS (wrap the socket before the banner)
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
}

// ServersConfig groups the SMTP listeners and session-wide limits.
type ServersConfig struct {
	Hostname       string         `toml:"hostname"` // advertised in the banner and Received headers
	Relay          ListenerConfig `toml:"relay"`
	Submission     ListenerConfig `toml:"submission"`
	SubmissionTLS  ListenerConfig `toml:"submission_tls"`
	CommandTimeout string         `toml:"command_timeout"`  // read deadline per command (e.g. "5m")
	MaxMessageSize int64          `toml:"max_message_size"` // bytes, announced via the SIZE extension
	MaxRecipients  int            `toml:"max_recipients"`
}

func (s *ServersConfig) GetCommandTimeout() (time.Duration, error) {
	if s.CommandTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.CommandTimeout)
}

func (s *ServersConfig) GetMaxMessageSize() int64 {
	if s.MaxMessageSize <= 0 {
		return 35 * 1024 * 1024
	}
	return s.MaxMessageSize
}

func (s *ServersConfig) GetMaxRecipients() int {
	if s.MaxRecipients <= 0 {
		return 100
	}
	return s.MaxRecipients
}

// QueueConfig controls retry scheduling and queue housekeeping.
type QueueConfig struct {
	RetryBase        string `toml:"retry_base"`         // base retry interval (default "5m")
	RetryMaxInterval string `toml:"retry_max_interval"` // cap on the backoff interval (default "48h")
	MaxQueueAge      string `toml:"max_queue_age"`      // messages older than this bounce (default "7d")
	LeaseTimeout     string `toml:"lease_timeout"`      // expired leases are reclaimed (default "15m")
	WakeInterval     string `toml:"wake_interval"`      // how often the runner polls for due messages
	Retention        string `toml:"retention"`          // delivered/bounced rows kept this long (default "3d")
	CleanupInterval  string `toml:"cleanup_interval"`   // how often terminal rows are purged
}

func (q *QueueConfig) GetRetryBase() (time.Duration, error) {
	if q.RetryBase == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(q.RetryBase)
}

func (q *QueueConfig) GetRetryMaxInterval() (time.Duration, error) {
	if q.RetryMaxInterval == "" {
		return 48 * time.Hour, nil
	}
	return helpers.ParseDuration(q.RetryMaxInterval)
}

func (q *QueueConfig) GetMaxQueueAge() (time.Duration, error) {
	if q.MaxQueueAge == "" {
		return 7 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(q.MaxQueueAge)
}

func (q *QueueConfig) GetLeaseTimeout() (time.Duration, error) {
	if q.LeaseTimeout == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(q.LeaseTimeout)
}

func (q *QueueConfig) GetWakeInterval() (time.Duration, error) {
	if q.WakeInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(q.WakeInterval)
}

func (q *QueueConfig) GetRetention() (time.Duration, error) {
	if q.Retention == "" {
		return 3 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(q.Retention)
}

func (q *QueueConfig) GetCleanupInterval() (time.Duration, error) {
	if q.CleanupInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(q.CleanupInterval)
}

// GreylistConfig controls greylisting of unknown sender/recipient/IP triplets.
type GreylistConfig struct {
	Enabled   bool   `toml:"enabled"`
	Delay     string `toml:"delay"`      // retries within this window stay deferred (default "5m")
	RecordTTL string `toml:"record_ttl"` // unseen triplets are forgotten after this (default "36h")
}

func (g *GreylistConfig) GetDelay() (time.Duration, error) {
	if g.Delay == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(g.Delay)
}

func (g *GreylistConfig) GetRecordTTL() (time.Duration, error) {
	if g.RecordTTL == "" {
		return 36 * time.Hour, nil
	}
	return helpers.ParseDuration(g.RecordTTL)
}

// PolicyConfig controls connection caps, rate limits and sender screening.
type PolicyConfig struct {
	MaxConnections      int            `toml:"max_connections"`        // global cap (default 1000)
	MaxConnectionsPerIP int            `toml:"max_connections_per_ip"` // per client IP (default 10)
	IPRatePerMinute     float64        `toml:"ip_rate_per_minute"`     // message token refill rate per client IP
	IPBurst             float64        `toml:"ip_burst"`               // bucket capacity per client IP
	SenderRatePerMinute float64        `toml:"sender_rate_per_minute"` // message token refill rate per sender address
	SenderBurst         float64        `toml:"sender_burst"`           // bucket capacity per sender address
	SyncInterval        string         `toml:"sync_interval"`          // bucket state flushed to the database this often
	RelayDomains        []string       `toml:"relay_domains"`          // recipient domains accepted from unauthenticated sessions
	RelayNetworks       []string       `toml:"relay_networks"`         // client networks (CIDR) allowed to relay anywhere without auth
	Greylist            GreylistConfig `toml:"greylist"`
}

func (p *PolicyConfig) GetMaxConnections() int {
	if p.MaxConnections <= 0 {
		return 1000
	}
	return p.MaxConnections
}

func (p *PolicyConfig) GetMaxConnectionsPerIP() int {
	if p.MaxConnectionsPerIP <= 0 {
		return 10
	}
	return p.MaxConnectionsPerIP
}

func (p *PolicyConfig) GetIPRatePerMinute() float64 {
	if p.IPRatePerMinute <= 0 {
		return 60
	}
	return p.IPRatePerMinute
}

func (p *PolicyConfig) GetIPBurst() float64 {
	if p.IPBurst <= 0 {
		return 120
	}
	return p.IPBurst
}

func (p *PolicyConfig) GetSenderRatePerMinute() float64 {
	if p.SenderRatePerMinute <= 0 {
		return 30
	}
	return p.SenderRatePerMinute
}

func (p *PolicyConfig) GetSenderBurst() float64 {
	if p.SenderBurst <= 0 {
		return 60
	}
	return p.SenderBurst
}

func (p *PolicyConfig) GetSyncInterval() (time.Duration, error) {
	if p.SyncInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(p.SyncInterval)
}

// SmarthostConfig routes all outbound mail through a single relay host
// instead of direct MX delivery.
type SmarthostConfig struct {
	Host     string `toml:"host"` // "relay.example.com:587"; empty disables smarthost mode
	Username string `toml:"username"`
	Password string `toml:"password"`
	TLS      bool   `toml:"tls"`          // implicit TLS instead of STARTTLS
	StartTLS bool   `toml:"use_starttls"` // require STARTTLS (default: opportunistic)
}

func (s *SmarthostConfig) IsConfigured() bool {
	return s.Host != ""
}

// DeliveryConfig controls the outbound worker pool.
type DeliveryConfig struct {
	Workers                   int             `toml:"workers"`          // concurrent delivery workers (default 8)
	PerDomainLimit            int             `toml:"per_domain_limit"` // concurrent sessions per destination domain (default 5)
	ConnectTimeout            string          `toml:"connect_timeout"`
	CommandTimeout            string          `toml:"command_timeout"`
	HELOHostname              string          `toml:"helo_hostname"` // defaults to servers.hostname
	DisableTLSVerify          bool            `toml:"disable_tls_verify"`
	CircuitBreakerThreshold   int             `toml:"circuit_breaker_threshold"`    // consecutive failures before a domain's circuit opens
	CircuitBreakerTimeout     string          `toml:"circuit_breaker_timeout"`      // recovery probe interval
	CircuitBreakerMaxRequests int             `toml:"circuit_breaker_max_requests"` // probes allowed in half-open state
	Smarthost                 SmarthostConfig `toml:"smarthost"`
}

func (d *DeliveryConfig) GetWorkers() int {
	if d.Workers <= 0 {
		return 8
	}
	return d.Workers
}

func (d *DeliveryConfig) GetPerDomainLimit() int {
	if d.PerDomainLimit <= 0 {
		return 5
	}
	return d.PerDomainLimit
}

func (d *DeliveryConfig) GetConnectTimeout() (time.Duration, error) {
	if d.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.ConnectTimeout)
}

func (d *DeliveryConfig) GetCommandTimeout() (time.Duration, error) {
	if d.CommandTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.CommandTimeout)
}

func (d *DeliveryConfig) GetCircuitBreakerThreshold() int {
	if d.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return d.CircuitBreakerThreshold
}

func (d *DeliveryConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if d.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.CircuitBreakerTimeout)
}

func (d *DeliveryConfig) GetCircuitBreakerMaxRequests() int {
	if d.CircuitBreakerMaxRequests <= 0 {
		return 3
	}
	return d.CircuitBreakerMaxRequests
}

// AuthConfig controls submission authentication and lockout.
type AuthConfig struct {
	RequireTLS      bool   `toml:"require_tls"`      // refuse AUTH on plaintext connections
	MaxFailures     int    `toml:"max_failures"`     // failures within the window before lockout (default 5)
	FailureWindow   string `toml:"failure_window"`   // sliding window for counting failures (default "15m")
	LockoutDuration string `toml:"lockout_duration"` // fixed lockout length (default "5m")
	DelayBase       string `toml:"delay_base"`       // progressive delay unit applied before failure replies
}

func (a *AuthConfig) GetMaxFailures() int {
	if a.MaxFailures <= 0 {
		return 5
	}
	return a.MaxFailures
}

func (a *AuthConfig) GetFailureWindow() (time.Duration, error) {
	if a.FailureWindow == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(a.FailureWindow)
}

func (a *AuthConfig) GetLockoutDuration() (time.Duration, error) {
	if a.LockoutDuration == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(a.LockoutDuration)
}

func (a *AuthConfig) GetDelayBase() (time.Duration, error) {
	if a.DelayBase == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(a.DelayBase)
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // e.g. "127.0.0.1:9090"
	Path    string `toml:"path"` // default "/metrics"
}

func (m *MetricsConfig) GetPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// NewDefaultConfig returns a configuration with all listeners enabled on
// their standard ports.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Output: "stderr", Format: "console", Level: "info"},
		Servers: ServersConfig{
			Relay:         ListenerConfig{Enabled: true, Addr: ":25"},
			Submission:    ListenerConfig{Enabled: true, Addr: ":587"},
			SubmissionTLS: ListenerConfig{Enabled: false, Addr: ":465", TLS: true},
		},
		Metrics: MetricsConfig{Enabled: false, Addr: "127.0.0.1:9090"},
	}
}

// Load reads and validates a TOML configuration file.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that TOML decoding cannot express.
func (c *Config) Validate() error {
	if c.Servers.Hostname == "" {
		return fmt.Errorf("servers.hostname is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.S3.Endpoint == "" || c.S3.Bucket == "" {
		return fmt.Errorf("s3.endpoint and s3.bucket are required")
	}
	if c.S3.Encrypt && c.S3.EncryptionKey == "" {
		return fmt.Errorf("s3.encryption_key is required when s3.encrypt is enabled")
	}
	for _, l := range []struct {
		name string
		cfg  ListenerConfig
	}{
		{"servers.relay", c.Servers.Relay},
		{"servers.submission", c.Servers.Submission},
		{"servers.submission_tls", c.Servers.SubmissionTLS},
	} {
		if !l.cfg.Enabled {
			continue
		}
		if l.cfg.Addr == "" {
			return fmt.Errorf("%s.addr is required when the listener is enabled", l.name)
		}
		if l.cfg.TLS && (l.cfg.TLSCertFile == "" || l.cfg.TLSKeyFile == "") {
			return fmt.Errorf("%s: tls_cert_file and tls_key_file are required for implicit TLS", l.name)
		}
	}
	durations := []struct {
		name string
		fn   func() (time.Duration, error)
	}{
		{"servers.command_timeout", c.Servers.GetCommandTimeout},
		{"queue.retry_base", c.Queue.GetRetryBase},
		{"queue.retry_max_interval", c.Queue.GetRetryMaxInterval},
		{"queue.max_queue_age", c.Queue.GetMaxQueueAge},
		{"queue.lease_timeout", c.Queue.GetLeaseTimeout},
		{"queue.wake_interval", c.Queue.GetWakeInterval},
		{"queue.retention", c.Queue.GetRetention},
		{"queue.cleanup_interval", c.Queue.GetCleanupInterval},
		{"policy.sync_interval", c.Policy.GetSyncInterval},
		{"policy.greylist.delay", c.Policy.Greylist.GetDelay},
		{"policy.greylist.record_ttl", c.Policy.Greylist.GetRecordTTL},
		{"delivery.connect_timeout", c.Delivery.GetConnectTimeout},
		{"delivery.command_timeout", c.Delivery.GetCommandTimeout},
		{"delivery.circuit_breaker_timeout", c.Delivery.GetCircuitBreakerTimeout},
		{"auth.failure_window", c.Auth.GetFailureWindow},
		{"auth.lockout_duration", c.Auth.GetLockoutDuration},
		{"auth.delay_base", c.Auth.GetDelayBase},
	}
	for _, d := range durations {
		if _, err := d.fn(); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}
