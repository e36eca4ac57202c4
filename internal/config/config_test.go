package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, 64, cfg.Viewer.SendQueueSize)
	assert.Equal(t, 10*time.Second, cfg.Viewer.WriteTimeout)
	assert.False(t, cfg.Viewer.ReplayLast)
	assert.Empty(t, cfg.Viewer.JWTSecret)

	assert.Equal(t, 8883, cfg.Transport.Port)
	assert.Equal(t, "ssl", cfg.Transport.Scheme)
	assert.Equal(t, 10*time.Second, cfg.Transport.ConnectTimeout)
	assert.Equal(t, 20*time.Second, cfg.Transport.KeepAlive)
	assert.False(t, cfg.Transport.CleanSession)
	assert.False(t, cfg.Transport.AutoReconnect)
	assert.Equal(t, "Elecbits_", cfg.Transport.ClientIDPrefix)
	assert.Equal(t, "heartbeat_%s", cfg.Transport.TopicTemplate)
	assert.Equal(t, 0, cfg.Transport.QoS)

	assert.Equal(t, 10, cfg.Supervisor.MaxConcurrentConnects)
	assert.Equal(t, 5, cfg.Supervisor.RetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.RetryDelay)

	assert.Equal(t, 256, cfg.Bus.BufferSize)
	assert.Equal(t, 0, cfg.Bus.ReplaySize)

	assert.Equal(t, 22, cfg.SecureStore.Port)
	assert.Equal(t, "/certificates", cfg.SecureStore.RootPath)
	assert.Equal(t, "/certificates/CA/ca.crt", cfg.SecureStore.CAPath)

	assert.Equal(t, 3, cfg.Directory.ScanRetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Directory.ScanRetryDelay)

	assert.Equal(t, BackendMemory, cfg.HeartbeatStore.Backend)
	assert.Equal(t, 10*time.Minute, cfg.HeartbeatStore.TTL)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 0, cfg.Health.GRPCPort)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("RELAY_TRANSPORT_HOST", "broker.example.com")
	t.Setenv("RELAY_SUPERVISOR_RETRY_DELAY", "2s")
	t.Setenv("RELAY_VIEWER_REPLAY_LAST", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "broker.example.com", cfg.Transport.Host)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.RetryDelay)
	assert.True(t, cfg.Viewer.ReplayLast)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  host: mqtt.internal
  qos: 1
supervisor:
  max_concurrent_connects: 3
heartbeat_store:
  backend: redis
  redis:
    host: cache
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mqtt.internal", cfg.Transport.Host)
	assert.Equal(t, 1, cfg.Transport.QoS)
	assert.Equal(t, 3, cfg.Supervisor.MaxConcurrentConnects)
	assert.Equal(t, BackendRedis, cfg.HeartbeatStore.Backend)
	assert.Equal(t, "cache", cfg.HeartbeatStore.Redis.Host)
	assert.Equal(t, 6379, cfg.HeartbeatStore.Redis.Port)
	// untouched keys keep their defaults
	assert.Equal(t, 5, cfg.Supervisor.RetryAttempts)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"server port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"queue size", func(c *Config) { c.Viewer.SendQueueSize = 0 }, "viewer send queue size"},
		{"rate limiter", func(c *Config) { c.Viewer.RateLimiter.RequestsPerSecond = 0 }, "requests per second"},
		{"plain scheme", func(c *Config) { c.Transport.Scheme = "tcp" }, "TLS scheme"},
		{"qos", func(c *Config) { c.Transport.QoS = 3 }, "invalid transport qos"},
		{"topic template", func(c *Config) { c.Transport.TopicTemplate = "heartbeat" }, "topic template"},
		{"gate", func(c *Config) { c.Supervisor.MaxConcurrentConnects = 0 }, "max concurrent connects"},
		{"retry attempts", func(c *Config) { c.Supervisor.RetryAttempts = 0 }, "retry attempts"},
		{"bus buffer", func(c *Config) { c.Bus.BufferSize = 0 }, "bus buffer size"},
		{"store backend", func(c *Config) { c.HeartbeatStore.Backend = "etcd" }, "unknown heartbeat store backend"},
		{"metrics port", func(c *Config) { c.Metrics.Port = 70000 }, "invalid metrics port"},
		{"metrics disabled", func(c *Config) { c.Metrics.Enabled = false; c.Metrics.Port = 0 }, ""},
		{"grpc port", func(c *Config) { c.Health.GRPCPort = -1 }, "invalid health grpc port"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "unknown log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDump_RedactsSecrets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Viewer.JWTSecret = "jwt-secret"
	cfg.Transport.SubscribePassword = "mqtt-secret"
	cfg.SecureStore.Password = "sftp-secret"
	cfg.SecureStore.KeyPassphrase = "key-secret"

	out, err := cfg.Dump()
	require.NoError(t, err)

	for _, secret := range []string{"jwt-secret", "mqtt-secret", "sftp-secret", "key-secret"} {
		assert.NotContains(t, string(out), secret)
	}
	// the caller's config is untouched
	assert.Equal(t, "jwt-secret", cfg.Viewer.JWTSecret)

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, redacted, back.Transport.SubscribePassword)
	assert.Empty(t, back.Transport.PublishPassword)
	assert.Equal(t, 8883, back.Transport.Port)
	assert.Equal(t, 5*time.Second, back.Supervisor.RetryDelay)
}
