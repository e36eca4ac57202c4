package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	relayerrors "github.com/elecbits/heartbeat-relay/internal/errors"
	"github.com/elecbits/heartbeat-relay/internal/model"
)

// TenantStatus is a tenant's connection state with its last heartbeat time
type TenantStatus struct {
	model.ConnectionState
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// TenantListResponse is the body of GET /v1/tenants
type TenantListResponse struct {
	Tenants []TenantStatus `json:"tenants"`
	Count   int            `json:"count"`
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	last := make(map[string]time.Time)
	if s.deps.Heartbeats != nil {
		msgs, err := s.deps.Heartbeats.List(r.Context())
		if err != nil {
			// states are still useful without heartbeat times
			s.logger.Warn("Failed to list last heartbeats", zap.Error(err))
		}
		for _, msg := range msgs {
			last[msg.TenantID] = msg.ReceivedAt
		}
	}

	snapshot := s.deps.States.Snapshot()
	resp := TenantListResponse{
		Tenants: make([]TenantStatus, 0, len(snapshot)),
		Count:   len(snapshot),
	}
	for _, st := range snapshot {
		ts := TenantStatus{ConnectionState: st}
		if at, ok := last[st.TenantID]; ok {
			ts.LastHeartbeatAt = &at
		}
		resp.Tenants = append(resp.Tenants, ts)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant_id"]
	st, ok := s.deps.States.Get(id)
	if !ok {
		s.writeError(w, r, relayerrors.NotFound("tenant", id))
		return
	}

	ts := TenantStatus{ConnectionState: st}
	if s.deps.Heartbeats != nil {
		msg, found, err := s.deps.Heartbeats.Last(r.Context(), id)
		switch {
		case err != nil:
			s.logger.Warn("Failed to read last heartbeat", zap.String("tenant_id", id), zap.Error(err))
		case found:
			ts.LastHeartbeatAt = &msg.ReceivedAt
		}
	}
	writeJSON(w, http.StatusOK, ts)
}
