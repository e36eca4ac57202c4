// Package health provides liveness, readiness and gRPC health reporting for
// the relay.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/elecbits/heartbeat-relay/internal/metrics"
	"github.com/elecbits/heartbeat-relay/internal/model"
)

// TenantServicePrefix prefixes per-tenant gRPC health service names
const TenantServicePrefix = "tenant/"

// StateSource exposes the tenant connection states
type StateSource interface {
	Snapshot() []model.ConnectionState
}

// HealthCheck manages health check functionality.
type HealthCheck struct {
	states  StateSource
	grpc    *grpchealth.Server
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.RWMutex
	scanned  bool
	stopping bool
}

// NewHealthCheck creates a new HealthCheck instance. m may be nil.
func NewHealthCheck(states StateSource, m *metrics.Metrics, logger *zap.Logger) *HealthCheck {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthCheck{
		states:  states,
		grpc:    grpchealth.NewServer(),
		metrics: m,
		logger:  logger,
	}
	hc.grpc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return hc
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// MarkScanned records that the first discovery scan completed
func (hc *HealthCheck) MarkScanned() {
	hc.mu.Lock()
	hc.scanned = true
	hc.mu.Unlock()
	hc.Sync()
}

// IsReady reports whether discovery completed and at least one tenant is
// subscribed
func (hc *HealthCheck) IsReady() bool {
	ready, _ := hc.evaluate()
	return ready
}

func (hc *HealthCheck) evaluate() (bool, map[string]string) {
	hc.mu.RLock()
	scanned, stopping := hc.scanned, hc.stopping
	hc.mu.RUnlock()

	subscribed := 0
	for _, st := range hc.states.Snapshot() {
		if st.Status == model.StatusSubscribed {
			subscribed++
		}
	}

	checks := map[string]string{
		"discovery": "pending",
		"tenants":   fmt.Sprintf("%d subscribed", subscribed),
	}
	if scanned {
		checks["discovery"] = "complete"
	}
	return scanned && subscribed > 0 && !stopping, checks
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready, checks := hc.evaluate()
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: checks})
}

// Sync publishes the current tenant states to the gRPC health service
func (hc *HealthCheck) Sync() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.stopping {
		return
	}

	subscribed := 0
	for _, st := range hc.states.Snapshot() {
		name := TenantServicePrefix + st.TenantID
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if st.Status == model.StatusSubscribed {
			status = healthpb.HealthCheckResponse_SERVING
			subscribed++
		}
		hc.grpc.SetServingStatus(name, status)
	}

	ready := hc.scanned && subscribed > 0
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	hc.grpc.SetServingStatus("", overall)
	hc.metrics.SetReady(ready)
}

// Run syncs the health state every interval until ctx ends
func (hc *HealthCheck) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.Sync()
		}
	}
}

// Register attaches the health service to a gRPC server
func (hc *HealthCheck) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, hc.grpc)
}

// Server returns the underlying gRPC health server
func (hc *HealthCheck) Server() healthpb.HealthServer {
	return hc.grpc
}

// Shutdown marks every service NOT_SERVING and ignores later syncs
func (hc *HealthCheck) Shutdown() {
	hc.mu.Lock()
	hc.stopping = true
	hc.mu.Unlock()

	hc.grpc.Shutdown()
	hc.metrics.SetReady(false)
	hc.logger.Info("Health reporting stopped")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
