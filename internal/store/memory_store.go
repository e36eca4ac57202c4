package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/model"
)

// InMemoryStore implements HeartbeatStore using an in-memory map
type InMemoryStore struct {
	data   map[string]*storeItem
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
}

type storeItem struct {
	msg       model.Message
	expiresAt time.Time
}

// NewInMemoryStore creates a store whose entries expire after ttl
// (0 keeps them forever) and starts its cleanup goroutine
func NewInMemoryStore(ttl time.Duration, cleanupInterval time.Duration, logger *zap.Logger) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &InMemoryStore{
		data:     make(map[string]*storeItem),
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	go s.cleanup(cleanupInterval)

	return s
}

// Record stores msg as the tenant's last heartbeat
func (s *InMemoryStore) Record(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := &storeItem{msg: msg}
	if s.ttl > 0 {
		item.expiresAt = s.now().Add(s.ttl)
	}
	s.data[msg.TenantID] = item
	return nil
}

// Last returns the tenant's last heartbeat if it has not expired
func (s *InMemoryStore) Last(_ context.Context, tenantID string) (model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.data[tenantID]
	if !ok || s.expired(item) {
		return model.Message{}, false, nil
	}
	return item.msg, true, nil
}

// List returns every live heartbeat ordered by tenant ID
func (s *InMemoryStore) List(_ context.Context) ([]model.Message, error) {
	s.mu.RLock()
	out := make([]model.Message, 0, len(s.data))
	for _, item := range s.data {
		if !s.expired(item) {
			out = append(out, item.msg)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// Ping always succeeds
func (s *InMemoryStore) Ping(context.Context) error {
	return nil
}

// Close stops the cleanup goroutine
func (s *InMemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	return nil
}

// Size returns the number of stored entries, expired or not
func (s *InMemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *InMemoryStore) expired(item *storeItem) bool {
	return !item.expiresAt.IsZero() && s.now().After(item.expiresAt)
}

// cleanup periodically removes expired entries
func (s *InMemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *InMemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, item := range s.data {
		if s.expired(item) {
			delete(s.data, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Evicted expired heartbeats", zap.Int("count", removed))
	}
}
