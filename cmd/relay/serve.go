package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/auth"
	"github.com/elecbits/heartbeat-relay/internal/bus"
	"github.com/elecbits/heartbeat-relay/internal/certs"
	"github.com/elecbits/heartbeat-relay/internal/health"
	"github.com/elecbits/heartbeat-relay/internal/metrics"
	"github.com/elecbits/heartbeat-relay/internal/model"
	"github.com/elecbits/heartbeat-relay/internal/server"
	"github.com/elecbits/heartbeat-relay/internal/session"
	"github.com/elecbits/heartbeat-relay/internal/store"
	"github.com/elecbits/heartbeat-relay/internal/supervisor"
	"github.com/elecbits/heartbeat-relay/internal/transport"
)

const healthSyncInterval = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long: `Run the relay until SIGINT or SIGTERM.

Examples:
  relay serve
  relay serve --config /etc/heartbeat-relay/config.yaml
  RELAY_TRANSPORT_HOST=broker.example.com relay serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting heartbeat relay",
		zap.String("version", Version),
		zap.Int("server_port", cfg.Server.Port),
		zap.String("broker", transport.ServerURI(cfg.Transport.Scheme, cfg.Transport.Host, cfg.Transport.Port)),
		zap.String("secure_store", cfg.SecureStore.Host),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	// Fan-out: bus -> router for viewers, bus -> recorder for replay
	eventBus := bus.New(bus.Config{
		BufferSize: cfg.Bus.BufferSize,
		ReplaySize: cfg.Bus.ReplaySize,
	}, logger, bus.WithDropObserver(func(_ uint64, dropped int) {
		m.RecordBusDrop(dropped)
	}))
	router := session.NewRouter(m, logger)

	heartbeats, err := openHeartbeatStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer heartbeats.Close()
	recorder := store.NewRecorder(heartbeats, m, logger)

	pumps := make(chan struct{}, 2)
	routerSub, recorderSub := eventBus.Subscribe(), eventBus.Subscribe()
	go func() {
		if err := router.Run(ctx, routerSub); err != nil {
			logger.Error("router stopped", zap.Error(err))
		}
		pumps <- struct{}{}
	}()
	go func() {
		if err := recorder.Run(ctx, recorderSub); err != nil {
			logger.Error("recorder stopped", zap.Error(err))
		}
		pumps <- struct{}{}
	}()

	sup := supervisor.New(supervisorConfig(cfg),
		transport.NewPahoFactory(logger),
		certs.NewProvisioner(cfg.SecureStore.KeyPassphrase, logger),
		eventBus, m, logger)

	hc := health.NewHealthCheck(sup.States(), m, logger)
	sup.States().OnTransition(func(model.ConnectionStatus, model.ConnectionState) { hc.Sync() })
	go hc.Run(ctx, healthSyncInterval)

	var verifier *auth.Verifier
	if cfg.Viewer.JWTSecret != "" {
		if verifier, err = auth.NewVerifier(cfg.Viewer.JWTSecret); err != nil {
			return err
		}
	} else {
		logger.Warn("viewer authentication disabled, no jwt_secret configured")
	}

	httpServer := server.NewServer(cfg, server.Deps{
		Router:     router,
		States:     sup.States(),
		Health:     hc,
		Heartbeats: heartbeats,
		Verifier:   verifier,
		Metrics:    m,
	}, logger)
	httpServer.SetupRoutes()

	errChan := make(chan error, 3)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, reg, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	var grpcServer *health.GRPCServer
	if cfg.Health.GRPCPort != 0 {
		grpcServer = health.NewGRPCServer(cfg.Health.GRPCPort, hc, logger)
		go func() {
			if err := grpcServer.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	shutdown := func() {
		logger.Info("initiating graceful shutdown")
		stop()
		hc.Shutdown()

		if err := sup.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("connect pool did not drain", zap.Error(err))
		}

		eventBus.Close()
		<-pumps
		<-pumps
		router.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown metrics server", zap.Error(err))
			}
		}
		if grpcServer != nil {
			grpcServer.Stop()
		}
		logger.Info("heartbeat relay shutdown complete")
	}

	// Discovery. A failed cycle is retried as a whole and aborts startup
	// once exhausted.
	res, err := newDirectory(cfg, logger).LoadWithRetry(ctx,
		cfg.Directory.ScanRetryAttempts, cfg.Directory.ScanRetryDelay)
	discovered := 0
	if res != nil {
		discovered = len(res.Tenants)
	}
	m.RecordDiscovery(discovered, err)
	if err != nil {
		shutdown()
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("tenant discovery failed", zap.Error(err))
		return err
	}
	logger.Info("tenant discovery complete",
		zap.Int("tenants", len(res.Tenants)),
		zap.Int("failed", len(res.Failures)))
	hc.MarkScanned()

	var supErr error
	supDone := make(chan struct{})
	go func() {
		supErr = sup.Run(ctx, res)
		close(supDone)
	}()

	err = waitForExit(ctx, errChan, supDone, logger)
	shutdown()
	<-supDone
	if err == nil && supErr != nil && !errors.Is(supErr, context.Canceled) {
		err = supErr
	}
	return err
}

// waitForExit blocks until a signal, a server failure, or the supervisor
// failing. Loops that all end Failed leave the HTTP surfaces up for
// inspection.
func waitForExit(ctx context.Context, errChan <-chan error, supDone <-chan struct{}, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			return nil
		case err := <-errChan:
			logger.Error("server error", zap.Error(err))
			return err
		case <-supDone:
			logger.Warn("no tenant connection loops left running")
			supDone = nil
		}
	}
}
