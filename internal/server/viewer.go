package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/auth"
	relayerrors "github.com/elecbits/heartbeat-relay/internal/errors"
	"github.com/elecbits/heartbeat-relay/internal/middleware"
	"github.com/elecbits/heartbeat-relay/internal/model"
	"github.com/elecbits/heartbeat-relay/internal/session"
)

const (
	// viewers only ever send control frames
	maxInboundMessage = 512
	closeGrace        = time.Second
)

var errViewerClosed = errors.New("viewer connection closed")

// viewerConn is a websocket viewer. Frames are queued by Send and written
// by a single write pump so a slow viewer never blocks routing.
type viewerConn struct {
	id           string
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
}

func newViewerConn(ws *websocket.Conn, queueSize int, writeTimeout, pingInterval time.Duration, logger *zap.Logger) *viewerConn {
	id := uuid.New().String()
	return &viewerConn{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logger.With(zap.String("handle", id)),
	}
}

func (c *viewerConn) ID() string { return c.id }

// Send queues frame without blocking
func (c *viewerConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return errViewerClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return session.ErrQueueFull
	}
}

// Close stops the write pump, which closes the socket
func (c *viewerConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writePump drains the send queue and keeps the connection alive with
// pings. It owns every write on the socket.
func (c *viewerConn) writePump(onExit func()) {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		_ = c.ws.Close()
		onExit()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGrace))
			return

		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("Viewer write failed", zap.Error(err))
				_ = c.Close()
				return
			}

		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("Viewer ping failed", zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}

// readPump discards inbound frames until the peer goes away
func (c *viewerConn) readPump() {
	c.ws.SetReadLimit(maxInboundMessage)
	if c.pingInterval > 0 {
		deadline := func() time.Time { return time.Now().Add(2 * c.pingInterval) }
		_ = c.ws.SetReadDeadline(deadline())
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(deadline())
		})
	}
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Viewer read failed", zap.Error(err))
			}
			_ = c.Close()
			return
		}
	}
}

// serveViewer upgrades /heartbeat/all and /heartbeat/{tenantId} requests
// and streams matching heartbeats until the viewer disconnects
func (s *Server) serveViewer(w http.ResponseWriter, r *http.Request) {
	scope, err := session.ParseScope(r.URL.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, scope); err != nil {
		s.writeError(w, r, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Debug("Viewer upgrade failed",
			zap.String("request_id", middleware.RequestIDFrom(r.Context())),
			zap.Error(err))
		return
	}

	vc := newViewerConn(ws, s.cfg.Viewer.SendQueueSize, s.cfg.Viewer.WriteTimeout, s.cfg.Viewer.PingInterval, s.logger)
	if _, err := s.deps.Router.OnConnect(vc, r.URL.Path); err != nil {
		s.logger.Warn("Rejected viewer", zap.Error(err))
		_ = ws.Close()
		return
	}

	pumpDone := make(chan struct{})
	go vc.writePump(func() {
		s.deps.Router.OnDisconnect(vc.ID())
		close(pumpDone)
	})

	if s.wantsReplay(r) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Viewer.WriteTimeout)
		if err := s.deps.Router.Replay(ctx, vc.ID(), s.deps.Heartbeats); err != nil {
			s.logger.Warn("Viewer replay failed", zap.String("handle", vc.ID()), zap.Error(err))
		}
		cancel()
	}

	vc.readPump()
	<-pumpDone
}

func (s *Server) wantsReplay(r *http.Request) bool {
	if s.deps.Heartbeats == nil {
		return false
	}
	switch r.URL.Query().Get("replay") {
	case "1", "true":
		return true
	case "0", "false":
		return false
	}
	return s.cfg.Viewer.ReplayLast
}

func (s *Server) authorize(r *http.Request, scope model.Scope) error {
	if s.deps.Verifier == nil {
		return nil
	}
	token := auth.TokenFromRequest(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	claims, err := s.deps.Verifier.VerifyToken(token)
	if err != nil {
		return relayerrors.Unauthorized("invalid viewer token", err)
	}
	if err := auth.Authorize(claims, scope); err != nil {
		return relayerrors.Forbidden(scope.String(), err)
	}
	return nil
}
