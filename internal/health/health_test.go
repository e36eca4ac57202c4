package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/elecbits/heartbeat-relay/internal/metrics"
	"github.com/elecbits/heartbeat-relay/internal/model"
)

type fakeStates struct {
	mu     sync.Mutex
	states []model.ConnectionState
}

func (f *fakeStates) Snapshot() []model.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ConnectionState(nil), f.states...)
}

func (f *fakeStates) set(states ...model.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = states
}

func state(id string, s model.ConnectionStatus) model.ConnectionState {
	return model.ConnectionState{TenantID: id, Status: s}
}

func checkStatus(t *testing.T, hc *HealthCheck, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hc.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func assertReady(t *testing.T, reg *prometheus.Registry, want int) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP heartbeat_relay_ready Readiness of the relay (1 = ready, 0 = not ready)
# TYPE heartbeat_relay_ready gauge
heartbeat_relay_ready %d
`, want)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "heartbeat_relay_ready"))
}

func TestLivenessHandler(t *testing.T) {
	hc := NewHealthCheck(&fakeStates{}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hc.LivenessHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReadiness(t *testing.T) {
	states := &fakeStates{}
	hc := NewHealthCheck(states, nil, zap.NewNop())

	t.Run("not ready before scan", func(t *testing.T) {
		states.set(state("b1", model.StatusSubscribed))
		assert.False(t, hc.IsReady())
	})

	t.Run("not ready without a subscribed tenant", func(t *testing.T) {
		hc.MarkScanned()
		states.set(state("b1", model.StatusRetrying), state("b2", model.StatusFailed))

		w := httptest.NewRecorder()
		hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp ReadinessResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "not_ready", resp.Status)
		assert.Equal(t, "complete", resp.Checks["discovery"])
		assert.Equal(t, "0 subscribed", resp.Checks["tenants"])
	})

	t.Run("ready", func(t *testing.T) {
		states.set(state("b1", model.StatusSubscribed), state("b2", model.StatusFailed))

		w := httptest.NewRecorder()
		hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, hc.IsReady())
	})
}

func TestSync_PublishesGRPCStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	states := &fakeStates{}
	hc := NewHealthCheck(states, m, zap.NewNop())

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, hc, ""))

	states.set(state("b1", model.StatusSubscribed), state("b2", model.StatusRetrying))
	hc.MarkScanned()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, hc, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, hc, "tenant/b1"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, hc, "tenant/b2"))
	assertReady(t, reg, 1)

	_, err := hc.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "tenant/unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	states.set(state("b1", model.StatusRetrying), state("b2", model.StatusRetrying))
	hc.Sync()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, hc, ""))
	assertReady(t, reg, 0)
}

func TestShutdown(t *testing.T) {
	states := &fakeStates{}
	states.set(state("b1", model.StatusSubscribed))
	hc := NewHealthCheck(states, nil, zap.NewNop())
	hc.MarkScanned()
	require.True(t, hc.IsReady())

	hc.Shutdown()
	hc.Sync()

	assert.False(t, hc.IsReady())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, hc, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, hc, "tenant/b1"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	states := &fakeStates{}
	hc := NewHealthCheck(states, nil, zap.NewNop())
	hc.MarkScanned()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hc.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	states.set(state("b1", model.StatusSubscribed))
	require.Eventually(t, func() bool {
		return checkStatus(t, hc, "") == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGRPCServer_ServesHealth(t *testing.T) {
	states := &fakeStates{}
	states.set(state("b1", model.StatusSubscribed))
	hc := NewHealthCheck(states, nil, zap.NewNop())
	hc.MarkScanned()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewGRPCServer(0, hc, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "tenant/b1"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
