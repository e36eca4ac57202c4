package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/bus"
	"github.com/elecbits/heartbeat-relay/internal/metrics"
	"github.com/elecbits/heartbeat-relay/internal/model"
)

type fakeConn struct {
	id      string
	sendErr error

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) heartbeats(t *testing.T) []model.Heartbeat {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Heartbeat, 0, len(c.frames))
	for _, f := range c.frames {
		var hb model.Heartbeat
		require.NoError(t, json.Unmarshal(f, &hb))
		out = append(out, hb)
	}
	return out
}

func newRouter() *Router {
	return NewRouter(metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

func heartbeat(tenant, payload string) model.Message {
	return model.NewMessage(tenant, "heartbeat_"+tenant, []byte(payload), time.Now())
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		path    string
		want    model.Scope
		wantErr bool
	}{
		{"/heartbeat/all", model.ScopeAll(), false},
		{"/heartbeat/b1", model.ScopeTenant("b1"), false},
		{"/heartbeat/GW35-h1f1", model.ScopeTenant("GW35-h1f1"), false},
		{"/heartbeat/", model.Scope{}, true},
		{"/heartbeat", model.Scope{}, true},
		{"/heartbeat/b1/extra", model.Scope{}, true},
		{"/other/b1", model.Scope{}, true},
		{"", model.Scope{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ParseScope(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoute_ScopeFiltering(t *testing.T) {
	r := newRouter()
	v1 := &fakeConn{id: "v1"}
	v2 := &fakeConn{id: "v2"}
	v3 := &fakeConn{id: "v3"}

	_, err := r.OnConnect(v1, "/heartbeat/all")
	require.NoError(t, err)
	_, err = r.OnConnect(v2, "/heartbeat/b1")
	require.NoError(t, err)
	_, err = r.OnConnect(v3, "/heartbeat/b2")
	require.NoError(t, err)

	assert.Equal(t, 2, r.Route(heartbeat("b1", "ok")))
	assert.Equal(t, 2, r.Route(heartbeat("b2", "ok")))

	assert.Equal(t, []model.Heartbeat{
		{BotID: "b1", Topic: "heartbeat_b1", Message: "ok"},
		{BotID: "b2", Topic: "heartbeat_b2", Message: "ok"},
	}, v1.heartbeats(t))
	assert.Equal(t, []model.Heartbeat{{BotID: "b1", Topic: "heartbeat_b1", Message: "ok"}}, v2.heartbeats(t))
	assert.Equal(t, []model.Heartbeat{{BotID: "b2", Topic: "heartbeat_b2", Message: "ok"}}, v3.heartbeats(t))
}

func TestRoute_WirePayload(t *testing.T) {
	r := newRouter()
	v := &fakeConn{id: "v1"}
	_, err := r.OnConnect(v, "/heartbeat/b1")
	require.NoError(t, err)

	r.Route(heartbeat("b1", "ok"))

	v.mu.Lock()
	defer v.mu.Unlock()
	require.Len(t, v.frames, 1)
	assert.JSONEq(t, `{"botId":"b1","topic":"heartbeat_b1","message":"ok"}`, string(v.frames[0]))
}

func TestOnConnect_InvalidPathNotRegistered(t *testing.T) {
	r := newRouter()
	_, err := r.OnConnect(&fakeConn{id: "v1"}, "/heartbeat/")
	assert.ErrorIs(t, err, ErrInvalidPath)
	assert.Equal(t, 0, r.Count())
}

func TestOnConnect_DuplicateHandle(t *testing.T) {
	r := newRouter()
	_, err := r.OnConnect(&fakeConn{id: "v1"}, "/heartbeat/all")
	require.NoError(t, err)
	_, err = r.OnConnect(&fakeConn{id: "v1"}, "/heartbeat/b1")
	assert.ErrorIs(t, err, ErrDuplicateHandle)
}

func TestRoute_SendFailureRemovesOnlyThatViewer(t *testing.T) {
	r := newRouter()
	broken := &fakeConn{id: "broken", sendErr: errors.New("broken pipe")}
	healthy := &fakeConn{id: "healthy"}
	_, err := r.OnConnect(broken, "/heartbeat/all")
	require.NoError(t, err)
	_, err = r.OnConnect(healthy, "/heartbeat/all")
	require.NoError(t, err)

	assert.Equal(t, 1, r.Route(heartbeat("b1", "ok")))

	assert.True(t, broken.closed)
	assert.Equal(t, 1, r.Count())
	assert.Len(t, healthy.heartbeats(t), 1)

	r.Route(heartbeat("b1", "ok2"))
	assert.Len(t, healthy.heartbeats(t), 2)
}

func TestRoute_QueueFullKeepsViewer(t *testing.T) {
	r := newRouter()
	slow := &fakeConn{id: "slow", sendErr: ErrQueueFull}
	_, err := r.OnConnect(slow, "/heartbeat/all")
	require.NoError(t, err)

	assert.Equal(t, 0, r.Route(heartbeat("b1", "ok")))
	assert.Equal(t, 1, r.Count())
	assert.False(t, slow.closed)
}

func TestOnDisconnect(t *testing.T) {
	r := newRouter()
	v := &fakeConn{id: "v1"}
	_, err := r.OnConnect(v, "/heartbeat/all")
	require.NoError(t, err)

	r.OnDisconnect("v1")
	r.OnDisconnect("v1")
	r.OnDisconnect("unknown")

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.Route(heartbeat("b1", "ok")))
}

func TestRun_PumpsBus(t *testing.T) {
	b := bus.New(bus.Config{BufferSize: 16}, zap.NewNop())
	r := newRouter()
	v := &fakeConn{id: "v1"}
	_, err := r.OnConnect(v, "/heartbeat/b1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), b.Subscribe()) }()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, b.Publish(heartbeat("b1", "1")))
	require.NoError(t, b.Publish(heartbeat("b2", "x")))
	require.NoError(t, b.Publish(heartbeat("b1", "2")))

	require.Eventually(t, func() bool { return len(v.heartbeats(t)) == 2 }, time.Second, time.Millisecond)
	hbs := v.heartbeats(t)
	assert.Equal(t, "1", hbs[0].Message)
	assert.Equal(t, "2", hbs[1].Message)

	b.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("router did not stop after bus close")
	}
}

type stubReplay struct {
	last map[string]model.Message
}

func (s *stubReplay) Last(_ context.Context, id string) (model.Message, bool, error) {
	m, ok := s.last[id]
	return m, ok, nil
}

func (s *stubReplay) List(context.Context) ([]model.Message, error) {
	out := make([]model.Message, 0, len(s.last))
	for _, id := range []string{"b1", "b2"} {
		if m, ok := s.last[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestReplay(t *testing.T) {
	src := &stubReplay{last: map[string]model.Message{
		"b1": heartbeat("b1", "last1"),
		"b2": heartbeat("b2", "last2"),
	}}
	r := newRouter()
	all := &fakeConn{id: "all"}
	one := &fakeConn{id: "one"}
	none := &fakeConn{id: "none"}
	for conn, path := range map[*fakeConn]string{all: "/heartbeat/all", one: "/heartbeat/b2", none: "/heartbeat/b9"} {
		_, err := r.OnConnect(conn, path)
		require.NoError(t, err)
	}

	ctx := context.Background()
	require.NoError(t, r.Replay(ctx, "all", src))
	require.NoError(t, r.Replay(ctx, "one", src))
	require.NoError(t, r.Replay(ctx, "none", src))

	assert.Len(t, all.heartbeats(t), 2)
	assert.Equal(t, []model.Heartbeat{{BotID: "b2", Topic: "heartbeat_b2", Message: "last2"}}, one.heartbeats(t))
	assert.Empty(t, none.heartbeats(t))

	assert.Error(t, r.Replay(ctx, "missing", src))
}

func TestCloseAll(t *testing.T) {
	r := newRouter()
	conns := []*fakeConn{{id: "v1"}, {id: "v2"}}
	for _, c := range conns {
		_, err := r.OnConnect(c, "/heartbeat/all")
		require.NoError(t, err)
	}

	r.CloseAll()

	assert.Equal(t, 0, r.Count())
	for _, c := range conns {
		assert.True(t, c.closed)
	}
}
