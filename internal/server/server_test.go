package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/auth"
	"github.com/elecbits/heartbeat-relay/internal/config"
	"github.com/elecbits/heartbeat-relay/internal/health"
	"github.com/elecbits/heartbeat-relay/internal/metrics"
	"github.com/elecbits/heartbeat-relay/internal/model"
	"github.com/elecbits/heartbeat-relay/internal/session"
	"github.com/elecbits/heartbeat-relay/internal/store"
	"github.com/elecbits/heartbeat-relay/internal/supervisor"
)

const jwtSecret = "viewer-secret"

type fixture struct {
	srv     *httptest.Server
	router  *session.Router
	states  *supervisor.StateTable
	store   *store.InMemoryStore
	health  *health.HealthCheck
	metrics *prometheus.Registry
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Viewer: config.ViewerConfig{
			SendQueueSize: 16,
			WriteTimeout:  time.Second,
			PingInterval:  time.Minute,
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config, verifier *auth.Verifier) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	states := supervisor.NewStateTable()
	hb := store.NewInMemoryStore(time.Hour, time.Hour, zap.NewNop())
	t.Cleanup(func() { _ = hb.Close() })

	f := &fixture{
		router:  session.NewRouter(m, zap.NewNop()),
		states:  states,
		store:   hb,
		health:  health.NewHealthCheck(states, m, zap.NewNop()),
		metrics: reg,
	}

	s := NewServer(cfg, Deps{
		Router:     f.router,
		States:     states,
		Health:     f.health,
		Heartbeats: hb,
		Verifier:   verifier,
		Metrics:    m,
	}, zap.NewNop())
	s.SetupRoutes()

	f.srv = httptest.NewServer(s.GetHandler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	before := f.router.Count()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return f.router.Count() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readHeartbeat(t *testing.T, conn *websocket.Conn) model.Heartbeat {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var hb model.Heartbeat
	require.NoError(t, json.Unmarshal(data, &hb))
	return hb
}

func assertNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func heartbeat(tenant, payload string) model.Message {
	return model.NewMessage(tenant, "heartbeat_"+tenant, []byte(payload), time.Now())
}

func TestViewer_ScopeRouting(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	all := f.dial(t, "/heartbeat/all")
	b1 := f.dial(t, "/heartbeat/b1")

	assert.Equal(t, 2, f.router.Route(heartbeat("b1", "ok")))
	assert.Equal(t, 1, f.router.Route(heartbeat("b2", "ok")))

	assert.Equal(t, model.Heartbeat{BotID: "b1", Topic: "heartbeat_b1", Message: "ok"}, readHeartbeat(t, all))
	assert.Equal(t, model.Heartbeat{BotID: "b2", Topic: "heartbeat_b2", Message: "ok"}, readHeartbeat(t, all))
	assert.Equal(t, model.Heartbeat{BotID: "b1", Topic: "heartbeat_b1", Message: "ok"}, readHeartbeat(t, b1))
	assertNoFrame(t, b1)
}

func TestViewer_InvalidPathRejectedBeforeUpgrade(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	for _, path := range []string{"/heartbeat/", "/heartbeat/b1/extra", "/heartbeat"} {
		t.Run(path, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(path), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, "INVALID_PATH", body.ErrorCode)
		})
	}
	assert.Equal(t, 0, f.router.Count())
}

func TestViewer_DisconnectUnregisters(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	conn := f.dial(t, "/heartbeat/all")

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	require.Eventually(t, func() bool { return f.router.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.router.Route(heartbeat("b1", "ok")))
}

func TestViewer_Replay(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, f.store.Record(ctx, heartbeat("b1", "last")))
	require.NoError(t, f.store.Record(ctx, heartbeat("b2", "other")))

	conn := f.dial(t, "/heartbeat/b1?replay=1")
	assert.Equal(t, "last", readHeartbeat(t, conn).Message)
	assertNoFrame(t, conn)

	plain := f.dial(t, "/heartbeat/b1")
	assertNoFrame(t, plain)
}

func TestViewer_ReplayLastByDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Viewer.ReplayLast = true
	f := newFixture(t, cfg, nil)
	require.NoError(t, f.store.Record(context.Background(), heartbeat("b1", "last")))

	conn := f.dial(t, "/heartbeat/all")
	assert.Equal(t, "last", readHeartbeat(t, conn).Message)

	optedOut := f.dial(t, "/heartbeat/all?replay=0")
	assertNoFrame(t, optedOut)
}

func signToken(t *testing.T, tenants ...string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Tenants: tenants,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return tok
}

func TestViewer_Auth(t *testing.T) {
	verifier, err := auth.NewVerifier(jwtSecret)
	require.NoError(t, err)
	f := newFixture(t, testConfig(), verifier)

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/heartbeat/b1"), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("scope not granted", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/heartbeat/b2?token="+signToken(t, "b1")), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("bearer header", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+signToken(t, "b1"))
		conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/heartbeat/b1"), header)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return f.router.Count() == 1 }, time.Second, 5*time.Millisecond)
		_ = conn.Close()
		require.Eventually(t, func() bool { return f.router.Count() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("query token", func(t *testing.T) {
		conn := f.dial(t, "/heartbeat/all?token="+signToken(t))
		f.router.Route(heartbeat("b7", "ok"))
		assert.Equal(t, "b7", readHeartbeat(t, conn).BotID)
	})
}

func TestTenantsAPI(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.states.Register("b1")
	f.states.Register("b2")
	_, err := f.states.Transition("b1", model.StatusConnecting, 0, nil)
	require.NoError(t, err)
	_, err = f.states.Transition("b1", model.StatusSubscribed, 0, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.Record(context.Background(), heartbeat("b1", "ok")))

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(f.srv.URL + "/v1/tenants")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body TenantListResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, 2, body.Count)
		assert.Equal(t, "b1", body.Tenants[0].TenantID)
		assert.Equal(t, model.StatusSubscribed, body.Tenants[0].Status)
		assert.NotNil(t, body.Tenants[0].LastHeartbeatAt)
		assert.Equal(t, model.StatusIdle, body.Tenants[1].Status)
		assert.Nil(t, body.Tenants[1].LastHeartbeatAt)
	})

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(f.srv.URL + "/v1/tenants/b1")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body TenantStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "b1", body.TenantID)
		assert.NotNil(t, body.LastHeartbeatAt)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		resp, err := http.Get(f.srv.URL + "/v1/tenants/b9")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var body ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "NOT_FOUND", body.ErrorCode)
		assert.NotEmpty(t, body.RequestID)
	})
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.states.Register("b1")
	_, err = f.states.Transition("b1", model.StatusConnecting, 0, nil)
	require.NoError(t, err)
	_, err = f.states.Transition("b1", model.StatusSubscribed, 0, nil)
	require.NoError(t, err)
	f.health.MarkScanned()

	resp, err = http.Get(f.srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	resp, err := http.Get(f.srv.URL + "/v2/nothing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestViewerConn_SendQueueFull(t *testing.T) {
	vc := newViewerConn(nil, 2, time.Second, 0, zap.NewNop())

	assert.NoError(t, vc.Send([]byte("1")))
	assert.NoError(t, vc.Send([]byte("2")))
	assert.ErrorIs(t, vc.Send([]byte("3")), session.ErrQueueFull)

	require.NoError(t, vc.Close())
	require.NoError(t, vc.Close())
	assert.ErrorIs(t, vc.Send([]byte("4")), errViewerClosed)
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.SetReady(true)

	ms := NewMetricsServer(0, "/metrics", reg, zap.NewNop())
	w := httptest.NewRecorder()
	ms.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "heartbeat_relay_ready 1")
}
