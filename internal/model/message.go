package model

import "time"

// Message is a heartbeat received from a tenant's transport subscription.
// It is never mutated after NewMessage returns.
type Message struct {
	TenantID   string
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// NewMessage copies payload so the transport library may reuse its buffer
func NewMessage(tenantID, topic string, payload []byte, receivedAt time.Time) Message {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Message{
		TenantID:   tenantID,
		Topic:      topic,
		Payload:    p,
		ReceivedAt: receivedAt,
	}
}

// Heartbeat is the JSON frame delivered to viewer connections
type Heartbeat struct {
	BotID   string `json:"botId"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// Heartbeat converts the message into its viewer wire form
func (m Message) Heartbeat() Heartbeat {
	return Heartbeat{
		BotID:   m.TenantID,
		Topic:   m.Topic,
		Message: string(m.Payload),
	}
}
