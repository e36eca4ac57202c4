package store

import (
	"context"
	"errors"
	"time"

	"github.com/elecbits/heartbeat-relay/internal/model"
)

// ErrNotFound is returned when no heartbeat is stored for a tenant
var ErrNotFound = errors.New("not found")

// HeartbeatStore keeps the last heartbeat received from each tenant
type HeartbeatStore interface {
	Record(ctx context.Context, msg model.Message) error
	Last(ctx context.Context, tenantID string) (model.Message, bool, error)
	List(ctx context.Context) ([]model.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// record is the serialized form of a stored heartbeat
type record struct {
	TenantID   string    `json:"tenant_id"`
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

func toRecord(msg model.Message) record {
	return record{
		TenantID:   msg.TenantID,
		Topic:      msg.Topic,
		Payload:    string(msg.Payload),
		ReceivedAt: msg.ReceivedAt,
	}
}

func (r record) message() model.Message {
	return model.Message{
		TenantID:   r.TenantID,
		Topic:      r.Topic,
		Payload:    []byte(r.Payload),
		ReceivedAt: r.ReceivedAt,
	}
}
