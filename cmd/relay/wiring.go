package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/config"
	"github.com/elecbits/heartbeat-relay/internal/directory"
	"github.com/elecbits/heartbeat-relay/internal/logging"
	"github.com/elecbits/heartbeat-relay/internal/securestore"
	"github.com/elecbits/heartbeat-relay/internal/store"
	"github.com/elecbits/heartbeat-relay/internal/supervisor"
	"github.com/elecbits/heartbeat-relay/internal/transport"
)

// loadRuntime loads configuration and builds the process logger
func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

func newDirectory(cfg *config.Config, logger *zap.Logger) *directory.Directory {
	dialer := securestore.NewSFTPDialer(securestore.Config{
		Host:           cfg.SecureStore.Host,
		Port:           cfg.SecureStore.Port,
		Username:       cfg.SecureStore.Username,
		Password:       cfg.SecureStore.Password,
		KnownHostsFile: cfg.SecureStore.KnownHostsFile,
		Timeout:        cfg.SecureStore.SessionTimeout,
	}, logger)

	return directory.New(dialer, directory.Config{
		RootPath: cfg.SecureStore.RootPath,
		CAPath:   cfg.SecureStore.CAPath,
	}, logger)
}

func supervisorConfig(cfg *config.Config) supervisor.Config {
	t := cfg.Transport
	return supervisor.Config{
		ServerURI:             transport.ServerURI(t.Scheme, t.Host, t.Port),
		Username:              t.SubscribeUsername,
		Password:              t.SubscribePassword,
		ClientIDPrefix:        t.ClientIDPrefix,
		TopicTemplate:         t.TopicTemplate,
		QoS:                   byte(t.QoS),
		KeepAlive:             t.KeepAlive,
		ConnectTimeout:        t.ConnectTimeout,
		CleanSession:          t.CleanSession,
		AutoReconnect:         t.AutoReconnect,
		MaxConcurrentConnects: cfg.Supervisor.MaxConcurrentConnects,
		Retry: supervisor.RetryPolicy{
			MaxAttempts: cfg.Supervisor.RetryAttempts,
			Delay:       cfg.Supervisor.RetryDelay,
		},
	}
}

func openHeartbeatStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.HeartbeatStore, error) {
	hs := cfg.HeartbeatStore
	switch hs.Backend {
	case config.BackendRedis:
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Host:     hs.Redis.Host,
			Port:     hs.Redis.Port,
			Password: hs.Redis.Password,
			DB:       hs.Redis.DB,
		}, hs.TTL, logger)
		if err != nil {
			return nil, err
		}
		return rs, nil
	default:
		return store.NewInMemoryStore(hs.TTL, time.Minute, logger), nil
	}
}
