// Package config provides configuration management for the heartbeat relay.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/elecbits/heartbeat-relay/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_TRANSPORT_HOST
const EnvPrefix = "RELAY"

const redacted = "********"

// Config holds all configuration for the relay.
type Config struct {
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	Viewer         ViewerConfig         `mapstructure:"viewer" yaml:"viewer"`
	Transport      TransportConfig      `mapstructure:"transport" yaml:"transport"`
	Supervisor     SupervisorConfig     `mapstructure:"supervisor" yaml:"supervisor"`
	Bus            BusConfig            `mapstructure:"bus" yaml:"bus"`
	SecureStore    SecureStoreConfig    `mapstructure:"secure_store" yaml:"secure_store"`
	Directory      DirectoryConfig      `mapstructure:"directory" yaml:"directory"`
	HeartbeatStore HeartbeatStoreConfig `mapstructure:"heartbeat_store" yaml:"heartbeat_store"`
	Metrics        MetricsConfig        `mapstructure:"metrics" yaml:"metrics"`
	Health         HealthConfig         `mapstructure:"health" yaml:"health"`
	Logging        logging.Config       `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// ViewerConfig holds websocket viewer configuration.
type ViewerConfig struct {
	SendQueueSize int               `mapstructure:"send_queue_size" yaml:"send_queue_size"`
	WriteTimeout  time.Duration     `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval  time.Duration     `mapstructure:"ping_interval" yaml:"ping_interval"`
	ReplayLast    bool              `mapstructure:"replay_last" yaml:"replay_last"`
	JWTSecret     string            `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	RateLimiter   RateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// TransportConfig holds MQTT broker configuration.
type TransportConfig struct {
	Host              string        `mapstructure:"host" yaml:"host"`
	Port              int           `mapstructure:"port" yaml:"port"`
	Scheme            string        `mapstructure:"scheme" yaml:"scheme"`
	PublishUsername   string        `mapstructure:"publish_username" yaml:"publish_username"`
	PublishPassword   string        `mapstructure:"publish_password" yaml:"publish_password"`
	SubscribeUsername string        `mapstructure:"subscribe_username" yaml:"subscribe_username"`
	SubscribePassword string        `mapstructure:"subscribe_password" yaml:"subscribe_password"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	KeepAlive         time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	CleanSession      bool          `mapstructure:"clean_session" yaml:"clean_session"`
	AutoReconnect     bool          `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`
	ClientIDPrefix    string        `mapstructure:"client_id_prefix" yaml:"client_id_prefix"`
	TopicTemplate     string        `mapstructure:"topic_template" yaml:"topic_template"`
	QoS               int           `mapstructure:"qos" yaml:"qos"`
}

// SupervisorConfig bounds connection attempts.
type SupervisorConfig struct {
	MaxConcurrentConnects int           `mapstructure:"max_concurrent_connects" yaml:"max_concurrent_connects"`
	RetryAttempts         int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay            time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// BusConfig sizes the event bus.
type BusConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
	ReplaySize int `mapstructure:"replay_size" yaml:"replay_size"`
}

// SecureStoreConfig holds SFTP configuration.
type SecureStoreConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	KnownHostsFile string        `mapstructure:"known_hosts_file" yaml:"known_hosts_file"`
	RootPath       string        `mapstructure:"root_path" yaml:"root_path"`
	CAPath         string        `mapstructure:"ca_path" yaml:"ca_path"`
	KeyPassphrase  string        `mapstructure:"key_passphrase" yaml:"key_passphrase"`
}

// DirectoryConfig holds discovery retry configuration.
type DirectoryConfig struct {
	ScanRetryAttempts int           `mapstructure:"scan_retry_attempts" yaml:"scan_retry_attempts"`
	ScanRetryDelay    time.Duration `mapstructure:"scan_retry_delay" yaml:"scan_retry_delay"`
}

// HeartbeatStoreConfig selects the last-heartbeat backend.
type HeartbeatStoreConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// HealthConfig holds the gRPC health service configuration. Port 0 disables it.
type HealthConfig struct {
	GRPCPort int `mapstructure:"grpc_port" yaml:"grpc_port"`
}

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/heartbeat-relay/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing file falls back to defaults and env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Viewer defaults
	v.SetDefault("viewer.send_queue_size", 64)
	v.SetDefault("viewer.write_timeout", "10s")
	v.SetDefault("viewer.ping_interval", "30s")
	v.SetDefault("viewer.replay_last", false)
	v.SetDefault("viewer.jwt_secret", "")
	v.SetDefault("viewer.rate_limiter.enabled", true)
	v.SetDefault("viewer.rate_limiter.requests_per_second", 50.0)
	v.SetDefault("viewer.rate_limiter.burst_size", 20)

	// Transport defaults
	v.SetDefault("transport.host", "localhost")
	v.SetDefault("transport.port", 8883)
	v.SetDefault("transport.scheme", "ssl")
	v.SetDefault("transport.publish_username", "")
	v.SetDefault("transport.publish_password", "")
	v.SetDefault("transport.subscribe_username", "")
	v.SetDefault("transport.subscribe_password", "")
	v.SetDefault("transport.connect_timeout", "10s")
	v.SetDefault("transport.keep_alive", "20s")
	v.SetDefault("transport.clean_session", false)
	v.SetDefault("transport.auto_reconnect", false)
	v.SetDefault("transport.client_id_prefix", "Elecbits_")
	v.SetDefault("transport.topic_template", "heartbeat_%s")
	v.SetDefault("transport.qos", 0)

	// Supervisor defaults
	v.SetDefault("supervisor.max_concurrent_connects", 10)
	v.SetDefault("supervisor.retry_attempts", 5)
	v.SetDefault("supervisor.retry_delay", "5s")

	// Bus defaults
	v.SetDefault("bus.buffer_size", 256)
	v.SetDefault("bus.replay_size", 0)

	// Secure store defaults
	v.SetDefault("secure_store.host", "localhost")
	v.SetDefault("secure_store.port", 22)
	v.SetDefault("secure_store.username", "")
	v.SetDefault("secure_store.password", "")
	v.SetDefault("secure_store.session_timeout", "30s")
	v.SetDefault("secure_store.known_hosts_file", "")
	v.SetDefault("secure_store.root_path", "/certificates")
	v.SetDefault("secure_store.ca_path", "/certificates/CA/ca.crt")
	v.SetDefault("secure_store.key_passphrase", "")

	// Directory defaults
	v.SetDefault("directory.scan_retry_attempts", 3)
	v.SetDefault("directory.scan_retry_delay", "30s")

	// Heartbeat store defaults
	v.SetDefault("heartbeat_store.backend", BackendMemory)
	v.SetDefault("heartbeat_store.ttl", "10m")
	v.SetDefault("heartbeat_store.redis.host", "localhost")
	v.SetDefault("heartbeat_store.redis.port", 6379)
	v.SetDefault("heartbeat_store.redis.password", "")
	v.SetDefault("heartbeat_store.redis.db", 0)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Health defaults
	v.SetDefault("health.grpc_port", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !validPort(c.Server.Port) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Viewer.SendQueueSize <= 0 {
		return fmt.Errorf("viewer send queue size must be positive")
	}
	if c.Viewer.WriteTimeout <= 0 {
		return fmt.Errorf("viewer write timeout must be positive")
	}
	if c.Viewer.RateLimiter.Enabled {
		if c.Viewer.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.Viewer.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Transport.Host == "" {
		return fmt.Errorf("transport host is required")
	}
	if !validPort(c.Transport.Port) {
		return fmt.Errorf("invalid transport port: %d", c.Transport.Port)
	}
	switch c.Transport.Scheme {
	case "ssl", "tls", "mqtts":
	default:
		return fmt.Errorf("transport scheme must be a TLS scheme, got %q", c.Transport.Scheme)
	}
	if c.Transport.ConnectTimeout <= 0 {
		return fmt.Errorf("transport connect timeout must be positive")
	}
	if c.Transport.QoS < 0 || c.Transport.QoS > 2 {
		return fmt.Errorf("invalid transport qos: %d", c.Transport.QoS)
	}
	if strings.Count(c.Transport.TopicTemplate, "%s") != 1 {
		return fmt.Errorf("transport topic template must contain exactly one %%s")
	}

	if c.Supervisor.MaxConcurrentConnects <= 0 {
		return fmt.Errorf("supervisor max concurrent connects must be positive")
	}
	if c.Supervisor.RetryAttempts <= 0 {
		return fmt.Errorf("supervisor retry attempts must be positive")
	}
	if c.Supervisor.RetryDelay < 0 {
		return fmt.Errorf("supervisor retry delay cannot be negative")
	}

	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus buffer size must be positive")
	}
	if c.Bus.ReplaySize < 0 {
		return fmt.Errorf("bus replay size cannot be negative")
	}

	if c.SecureStore.Host == "" {
		return fmt.Errorf("secure store host is required")
	}
	if !validPort(c.SecureStore.Port) {
		return fmt.Errorf("invalid secure store port: %d", c.SecureStore.Port)
	}
	if c.SecureStore.RootPath == "" || c.SecureStore.CAPath == "" {
		return fmt.Errorf("secure store root path and ca path are required")
	}

	if c.Directory.ScanRetryAttempts <= 0 {
		return fmt.Errorf("directory scan retry attempts must be positive")
	}

	switch c.HeartbeatStore.Backend {
	case BackendMemory:
	case BackendRedis:
		if !validPort(c.HeartbeatStore.Redis.Port) {
			return fmt.Errorf("invalid redis port: %d", c.HeartbeatStore.Redis.Port)
		}
	default:
		return fmt.Errorf("unknown heartbeat store backend %q", c.HeartbeatStore.Backend)
	}
	if c.HeartbeatStore.TTL <= 0 {
		return fmt.Errorf("heartbeat store ttl must be positive")
	}

	if c.Metrics.Enabled && !validPort(c.Metrics.Port) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	if c.Health.GRPCPort != 0 && !validPort(c.Health.GRPCPort) {
		return fmt.Errorf("invalid health grpc port: %d", c.Health.GRPCPort)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

// Redacted returns a copy with every secret masked
func (c *Config) Redacted() Config {
	out := *c
	out.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	for _, s := range []*string{
		&out.Viewer.JWTSecret,
		&out.Transport.PublishPassword,
		&out.Transport.SubscribePassword,
		&out.SecureStore.Password,
		&out.SecureStore.KeyPassphrase,
		&out.HeartbeatStore.Redis.Password,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	return out
}

// Dump renders the effective configuration as YAML with secrets redacted
func (c *Config) Dump() ([]byte, error) {
	r := c.Redacted()
	out, err := yaml.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
