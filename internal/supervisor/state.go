package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elecbits/heartbeat-relay/internal/model"
)

// TransitionListener observes every applied state transition
type TransitionListener func(from model.ConnectionStatus, to model.ConnectionState)

// StateTable is the single owner of per-tenant connection state
type StateTable struct {
	mu        sync.RWMutex
	states    map[string]*model.ConnectionState
	listeners []TransitionListener
	now       func() time.Time
}

// NewStateTable creates an empty table
func NewStateTable() *StateTable {
	return &StateTable{
		states: make(map[string]*model.ConnectionState),
		now:    time.Now,
	}
}

// OnTransition registers a listener. Listeners run synchronously after the
// table lock is released.
func (t *StateTable) OnTransition(fn TransitionListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Register starts a fresh lifecycle for id in Idle
func (t *StateTable) Register(id string) model.ConnectionState {
	t.mu.Lock()
	st := &model.ConnectionState{
		TenantID:  id,
		Status:    model.StatusIdle,
		UpdatedAt: t.now(),
	}
	t.states[id] = st
	snapshot := *st
	t.mu.Unlock()
	return snapshot
}

// Transition moves id to the given status when the state machine allows it
func (t *StateTable) Transition(id string, to model.ConnectionStatus, retryCount int, cause error) (model.ConnectionState, error) {
	t.mu.Lock()
	st, ok := t.states[id]
	if !ok {
		t.mu.Unlock()
		return model.ConnectionState{}, fmt.Errorf("tenant %s is not registered", id)
	}
	from := st.Status
	if !model.CanTransition(from, to) {
		t.mu.Unlock()
		return *st, fmt.Errorf("tenant %s: illegal transition %s -> %s", id, from, to)
	}

	st.Status = to
	st.RetryCount = retryCount
	st.UpdatedAt = t.now()
	if cause != nil {
		st.LastError = cause.Error()
	} else if to == model.StatusSubscribed {
		st.LastError = ""
	}
	snapshot := *st
	listeners := t.listeners
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(from, snapshot)
	}
	return snapshot, nil
}

// Get returns the current state of id
func (t *StateTable) Get(id string) (model.ConnectionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[id]
	if !ok {
		return model.ConnectionState{}, false
	}
	return *st, true
}

// Snapshot returns every state sorted by tenant ID
func (t *StateTable) Snapshot() []model.ConnectionState {
	t.mu.RLock()
	out := make([]model.ConnectionState, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, *st)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].TenantID < out[j].TenantID
	})
	return out
}

// Counts returns the number of tenants in each status
func (t *StateTable) Counts() map[model.ConnectionStatus]int {
	counts := make(map[model.ConnectionStatus]int, len(model.AllStatuses))
	for _, s := range model.AllStatuses {
		counts[s] = 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, st := range t.states {
		counts[st.Status]++
	}
	return counts
}
