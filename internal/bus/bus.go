package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/model"
)

// ErrClosed is returned by Publish after Close and by Next once a
// subscription has been drained after its bus closed.
var ErrClosed = errors.New("event bus closed")

const (
	DefaultBufferSize = 256
)

// Config sizes the bus buffers
type Config struct {
	BufferSize int
	ReplaySize int
}

// DropObserver is notified every time a subscriber loses its oldest message
type DropObserver func(subscriberID uint64, dropped int)

// Option configures a Bus
type Option func(*Bus)

// WithDropObserver registers a callback invoked (under the bus lock) on drops
func WithDropObserver(fn DropObserver) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// Bus is a bounded in-process multicast channel from tenant loops to
// consumers. Publish never blocks: a slow subscriber loses its oldest
// buffered message instead of stalling the publisher.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	history *ring
	closed  bool

	bufferSize int
	onDrop     DropObserver
	logger     *zap.Logger
}

// New creates a bus
func New(cfg Config, logger *zap.Logger, opts ...Option) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: cfg.BufferSize,
		logger:     logger,
	}
	if cfg.ReplaySize > 0 {
		b.history = newRing(cfg.ReplaySize)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish hands msg to every live subscriber
func (b *Bus) Publish(msg model.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if b.history != nil {
		b.history.push(msg)
	}

	for id, sub := range b.subs {
		if sub.offer(msg) {
			dropped := sub.dropped.Add(1)
			b.logger.Debug("Subscriber buffer full, dropped oldest message",
				zap.Uint64("subscriber_id", id),
				zap.String("tenant_id", msg.TenantID),
				zap.Uint64("dropped_total", dropped))
			if b.onDrop != nil {
				b.onDrop(id, 1)
			}
		}
	}
	return nil
}

// SubscribeOption configures a subscription
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	replay     bool
	bufferSize int
}

// WithReplay delivers the bus history before live messages
func WithReplay() SubscribeOption {
	return func(o *subscribeOptions) {
		o.replay = true
	}
}

// WithBufferSize overrides the bus default buffer size for one subscriber
func WithBufferSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// Subscribe registers a new consumer. Subscribing to a closed bus returns a
// subscription that is already closed.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscription {
	o := subscribeOptions{bufferSize: b.bufferSize}
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		buf:    newRing(o.bufferSize),
		notify: make(chan struct{}, 1),
	}

	if b.closed {
		sub.closed = true
		return sub
	}

	if o.replay && b.history != nil {
		for _, msg := range b.history.items() {
			if sub.offer(msg) {
				sub.dropped.Add(1)
			}
		}
	}

	b.subs[sub.id] = sub
	return sub
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting publishes. Subscribers keep what is buffered and see
// ErrClosed once drained.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		sub.markClosed()
		delete(b.subs, id)
	}
	b.logger.Info("Event bus closed")
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is one consumer's view of the bus
type Subscription struct {
	id  uint64
	bus *Bus

	mu     sync.Mutex
	buf    *ring
	closed bool

	notify  chan struct{}
	dropped atomic.Uint64
}

// ID identifies the subscription in logs and drop callbacks
func (s *Subscription) ID() uint64 {
	return s.id
}

// C signals that messages may be available. A receive does not guarantee a
// message; callers follow up with TryNext.
func (s *Subscription) C() <-chan struct{} {
	return s.notify
}

// offer enqueues msg and reports whether the oldest message was evicted
func (s *Subscription) offer(msg model.Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	evicted := s.buf.push(msg)
	s.mu.Unlock()

	s.signal()
	return evicted
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// TryNext returns the next buffered message without waiting
func (s *Subscription) TryNext() (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.pop()
}

// Next blocks until a message is available, the context ends or the
// subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (model.Message, error) {
	for {
		s.mu.Lock()
		if msg, ok := s.buf.pop(); ok {
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return model.Message{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return model.Message{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Len returns the number of buffered messages
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.len()
}

// Dropped returns how many messages this subscriber has lost to overflow
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and discards its buffer
func (s *Subscription) Close() {
	s.bus.remove(s.id)

	s.mu.Lock()
	s.closed = true
	s.buf.reset()
	s.mu.Unlock()
	s.signal()
}
