package model

import "time"

// ConnectionStatus defines the lifecycle state of a tenant's transport connection
type ConnectionStatus string

const (
	StatusIdle       ConnectionStatus = "idle"
	StatusConnecting ConnectionStatus = "connecting"
	StatusSubscribed ConnectionStatus = "subscribed"
	StatusRetrying   ConnectionStatus = "retrying"
	StatusFailed     ConnectionStatus = "failed"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []ConnectionStatus{
	StatusIdle,
	StatusConnecting,
	StatusSubscribed,
	StatusRetrying,
	StatusFailed,
}

// allowed transitions; Idle is reachable from any live state on shutdown
var transitions = map[ConnectionStatus][]ConnectionStatus{
	StatusIdle:       {StatusConnecting, StatusFailed},
	StatusConnecting: {StatusSubscribed, StatusRetrying, StatusIdle},
	StatusSubscribed: {StatusRetrying, StatusIdle},
	StatusRetrying:   {StatusConnecting, StatusFailed, StatusIdle},
	StatusFailed:     {},
}

// CanTransition reports whether the state machine admits from -> to
func CanTransition(from, to ConnectionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConnectionState is the supervisor's record for one tenant
type ConnectionState struct {
	TenantID   string           `json:"tenant_id"`
	Status     ConnectionStatus `json:"status"`
	RetryCount int              `json:"retry_count"`
	LastError  string           `json:"last_error,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// IsTerminal reports whether the supervisor will never reconnect this tenant
func (s ConnectionState) IsTerminal() bool {
	return s.Status == StatusFailed
}
