package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/bus"
	relayerrors "github.com/elecbits/heartbeat-relay/internal/errors"
	"github.com/elecbits/heartbeat-relay/internal/metrics"
	"github.com/elecbits/heartbeat-relay/internal/model"
)

const (
	// PathPrefix is the route prefix of viewer connections
	PathPrefix = "/heartbeat/"
	allSegment = "all"
)

var (
	// ErrInvalidPath matches errors for a connect path that names no scope
	ErrInvalidPath = relayerrors.ErrInvalidPath
	// ErrQueueFull is returned by Conn.Send when the frame was dropped
	// because the viewer is not keeping up. The connection stays open.
	ErrQueueFull = errors.New("viewer send queue full")
	// ErrDuplicateHandle is returned when a handle is already registered
	ErrDuplicateHandle = errors.New("duplicate connection handle")
)

// Conn is one open viewer connection
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// ReplaySource provides last-known heartbeats
type ReplaySource interface {
	Last(ctx context.Context, tenantID string) (model.Message, bool, error)
	List(ctx context.Context) ([]model.Message, error)
}

// ParseScope maps a connect path onto a scope: /heartbeat/all or
// /heartbeat/{tenantId}
func ParseScope(path string) (model.Scope, error) {
	if !strings.HasPrefix(path, PathPrefix) {
		return model.Scope{}, relayerrors.InvalidPath(path)
	}
	rest := strings.TrimPrefix(path, PathPrefix)
	if rest == "" || strings.Contains(rest, "/") {
		return model.Scope{}, relayerrors.InvalidPath(path)
	}
	if rest == allSegment {
		return model.ScopeAll(), nil
	}
	return model.ScopeTenant(rest), nil
}

type entry struct {
	conn Conn
	sub  model.Subscription
}

// Router tracks viewer connections and delivers each message to the
// connections whose scope matches
type Router struct {
	mu      sync.RWMutex
	conns   map[string]*entry
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRouter creates a router. m may be nil.
func NewRouter(m *metrics.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		conns:   make(map[string]*entry),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// OnConnect registers conn under the scope derived from path
func (r *Router) OnConnect(conn Conn, path string) (*model.Subscription, error) {
	scope, err := ParseScope(path)
	if err != nil {
		return nil, err
	}

	sub := model.Subscription{
		Handle:      conn.ID(),
		Scope:       scope,
		ConnectedAt: r.now(),
	}

	r.mu.Lock()
	if _, exists := r.conns[sub.Handle]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateHandle
	}
	r.conns[sub.Handle] = &entry{conn: conn, sub: sub}
	r.mu.Unlock()

	r.metrics.ViewerConnected(scopeLabel(scope))
	r.logger.Info("Viewer connected",
		zap.String("handle", sub.Handle),
		zap.String("scope", scope.String()))
	return &sub, nil
}

// OnDisconnect removes the connection; unknown handles are ignored
func (r *Router) OnDisconnect(handle string) {
	r.mu.Lock()
	e, ok := r.conns[handle]
	if ok {
		delete(r.conns, handle)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.metrics.ViewerDisconnected(scopeLabel(e.sub.Scope))
	r.logger.Info("Viewer disconnected", zap.String("handle", handle))
}

// Route delivers msg to every matching connection and returns how many
// accepted it. A failed connection is closed and removed without affecting
// the others.
func (r *Router) Route(msg model.Message) int {
	frame, err := json.Marshal(msg.Heartbeat())
	if err != nil {
		r.logger.Error("Failed to encode heartbeat", zap.String("tenant_id", msg.TenantID), zap.Error(err))
		return 0
	}

	r.mu.RLock()
	targets := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		if e.sub.Scope.Matches(msg.TenantID) {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, e := range targets {
		if r.send(e, frame) {
			delivered++
		}
	}
	return delivered
}

func (r *Router) send(e *entry, frame []byte) bool {
	err := e.conn.Send(frame)
	switch {
	case err == nil:
		r.metrics.RecordViewerSent()
		return true
	case errors.Is(err, ErrQueueFull):
		r.metrics.RecordViewerDropped()
		r.logger.Debug("Viewer queue full, frame dropped", zap.String("handle", e.sub.Handle))
		return false
	default:
		sendErr := relayerrors.SessionSend(e.sub.Handle, err)
		r.metrics.RecordViewerSendError()
		r.logger.Warn("Removing viewer after send failure", zap.Error(sendErr))
		_ = e.conn.Close()
		r.OnDisconnect(e.sub.Handle)
		return false
	}
}

// Run routes every message of sub until ctx ends or the bus closes
func (r *Router) Run(ctx context.Context, sub *bus.Subscription) error {
	defer sub.Close()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		r.Route(msg)
	}
}

// Replay sends the last-known heartbeats matching handle's scope to that
// connection only
func (r *Router) Replay(ctx context.Context, handle string, src ReplaySource) error {
	r.mu.RLock()
	e, ok := r.conns[handle]
	r.mu.RUnlock()
	if !ok {
		return relayerrors.NotFound("viewer", handle)
	}

	var msgs []model.Message
	switch e.sub.Scope.Kind {
	case model.ScopeKindTenant:
		msg, found, err := src.Last(ctx, e.sub.Scope.TenantID)
		if err != nil {
			return err
		}
		if found {
			msgs = append(msgs, msg)
		}
	default:
		all, err := src.List(ctx)
		if err != nil {
			return err
		}
		msgs = all
	}

	for _, msg := range msgs {
		frame, err := json.Marshal(msg.Heartbeat())
		if err != nil {
			return err
		}
		r.send(e, frame)
	}
	return nil
}

// CloseAll closes and removes every viewer connection
func (r *Router) CloseAll() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		_ = e.conn.Close()
		r.OnDisconnect(e.sub.Handle)
	}
}

// Count returns the number of open viewer connections
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Subscriptions returns the registered subscriptions
func (r *Router) Subscriptions() []model.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Subscription, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.sub)
	}
	return out
}

func scopeLabel(s model.Scope) string {
	if s.Kind == model.ScopeKindAll {
		return "all"
	}
	return "tenant"
}
