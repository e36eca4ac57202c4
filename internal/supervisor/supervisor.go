package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elecbits/heartbeat-relay/internal/directory"
	relayerrors "github.com/elecbits/heartbeat-relay/internal/errors"
	"github.com/elecbits/heartbeat-relay/internal/metrics"
	"github.com/elecbits/heartbeat-relay/internal/model"
	"github.com/elecbits/heartbeat-relay/internal/transport"
	"github.com/elecbits/heartbeat-relay/internal/util/workerpool"
)

// ErrAlreadySupervised is returned when a tenant already has a live loop
var ErrAlreadySupervised = errors.New("tenant already supervised")

// RetryPolicy bounds reconnect attempts within one failure episode
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Config holds supervisor settings
type Config struct {
	ServerURI      string
	Username       string
	Password       string
	ClientIDPrefix string
	TopicTemplate  string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
	AutoReconnect  bool

	MaxConcurrentConnects int
	Retry                 RetryPolicy
}

// Publisher receives every inbound message. Publish must not block.
type Publisher interface {
	Publish(msg model.Message) error
}

// Provisioner builds a tenant's mutual-TLS context
type Provisioner interface {
	BuildSecureContext(tenantID string, ca, cert, key []byte) (*model.SecureContext, error)
}

// ProvisionFunc yields a fresh secure context for one connection attempt
type ProvisionFunc func() (*model.SecureContext, error)

// Supervisor owns one connection loop per tenant
type Supervisor struct {
	cfg         Config
	factory     transport.Factory
	provisioner Provisioner
	publisher   Publisher
	pool        *workerpool.WorkerPool
	states      *StateTable
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// New creates a supervisor. m may be nil.
func New(cfg Config, factory transport.Factory, provisioner Provisioner, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}

	s := &Supervisor{
		cfg:         cfg,
		factory:     factory,
		provisioner: provisioner,
		publisher:   publisher,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "connect",
			MaxWorkers: cfg.MaxConcurrentConnects,
			Logger:     logger,
		}),
		states:  NewStateTable(),
		metrics: m,
		logger:  logger,
		now:     time.Now,
		running: make(map[string]struct{}),
	}
	s.states.OnTransition(s.observeTransition)
	return s
}

// States returns the state table
func (s *Supervisor) States() *StateTable {
	return s.states
}

// PoolStats exposes the connect gate's statistics
func (s *Supervisor) PoolStats() workerpool.Stats {
	return s.pool.Stats()
}

// Run supervises every tenant of a discovery result and blocks until all
// loops exit. Tenants whose bundle could not be fetched are marked Failed.
func (s *Supervisor) Run(ctx context.Context, res *directory.Result) error {
	for id, cause := range res.Failures {
		s.states.Register(id)
		if _, err := s.states.Transition(id, model.StatusFailed, 0, cause); err != nil {
			s.logger.Error("Failed to record tenant failure", zap.String("tenant_id", id), zap.Error(err))
		}
	}

	var g errgroup.Group
	for _, tenant := range res.Tenants {
		tenant := tenant
		provision := func() (*model.SecureContext, error) {
			return s.provisioner.BuildSecureContext(tenant.ID, res.CA, tenant.Bundle.Cert, tenant.Bundle.Key)
		}
		g.Go(func() error {
			err := s.Supervise(ctx, tenant, provision)
			if errors.Is(err, ErrAlreadySupervised) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Start launches a loop for tenant in the background
func (s *Supervisor) Start(ctx context.Context, tenant model.Tenant, provision ProvisionFunc) error {
	if !s.claim(tenant.ID) {
		return fmt.Errorf("%s: %w", tenant.ID, ErrAlreadySupervised)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(tenant.ID)
		_ = s.supervise(ctx, tenant, provision)
	}()
	return nil
}

// Wait blocks until every loop launched by Start has exited
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Supervise runs the connection loop of one tenant until ctx ends or the
// tenant is Failed. A Failed tenant's terminal error is returned.
func (s *Supervisor) Supervise(ctx context.Context, tenant model.Tenant, provision ProvisionFunc) error {
	if !s.claim(tenant.ID) {
		return fmt.Errorf("%s: %w", tenant.ID, ErrAlreadySupervised)
	}
	defer s.release(tenant.ID)
	return s.supervise(ctx, tenant, provision)
}

// Shutdown stops admitting connection attempts
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	return s.pool.Stop(timeout)
}

func (s *Supervisor) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Supervisor) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

func (s *Supervisor) supervise(ctx context.Context, tenant model.Tenant, provision ProvisionFunc) error {
	id := tenant.ID
	log := s.logger.With(zap.String("tenant_id", id))
	s.states.Register(id)

	attempt := 0
	for {
		// Rebuilt for every connection so key material never outlives it.
		sc, err := provision()
		if err != nil {
			if !relayerrors.IsRelayError(err) {
				err = relayerrors.Certificate(id, "secure context unavailable", err)
			}
			s.transition(id, model.StatusFailed, attempt, err)
			log.Error("Tenant provisioning failed, giving up", zap.Error(err))
			return err
		}

		s.transition(id, model.StatusConnecting, attempt, nil)
		attempt++

		client, lost, err := s.connect(ctx, tenant, sc)
		if err != nil {
			sc.Release()
			if ctx.Err() != nil || errors.Is(err, workerpool.ErrPoolStopped) {
				s.transition(id, model.StatusIdle, attempt, nil)
				return nil
			}

			connErr := relayerrors.Connection(id, attempt, err)
			s.transition(id, model.StatusRetrying, attempt, connErr)
			if attempt >= s.cfg.Retry.MaxAttempts {
				s.transition(id, model.StatusFailed, attempt, connErr)
				log.Error("Tenant exhausted connection attempts",
					zap.Int("attempts", attempt),
					zap.Error(err))
				return connErr
			}

			log.Warn("Connection attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", s.cfg.Retry.MaxAttempts),
				zap.Duration("delay", s.cfg.Retry.Delay),
				zap.Error(err))
			if !s.sleep(ctx, s.cfg.Retry.Delay) {
				s.transition(id, model.StatusIdle, attempt, nil)
				return nil
			}
			continue
		}

		attempt = 0
		s.transition(id, model.StatusSubscribed, 0, nil)
		log.Info("Tenant subscribed")

		select {
		case <-ctx.Done():
			client.Disconnect()
			sc.Release()
			s.transition(id, model.StatusIdle, 0, nil)
			return nil

		case cause := <-lost:
			client.Disconnect()
			sc.Release()
			lostErr := relayerrors.ConnectionLost(id, cause)
			s.transition(id, model.StatusRetrying, 0, lostErr)
			log.Warn("Tenant connection lost, reconnecting", zap.Error(cause))
			if !s.sleep(ctx, s.cfg.Retry.Delay) {
				s.transition(id, model.StatusIdle, 0, nil)
				return nil
			}
		}
	}
}

// connect performs one gated connect-and-subscribe attempt
func (s *Supervisor) connect(ctx context.Context, tenant model.Tenant, sc *model.SecureContext) (transport.Client, <-chan error, error) {
	lost := make(chan error, 1)
	client := s.factory.New(transport.Options{
		ServerURI:      s.cfg.ServerURI,
		ClientID:       transport.TenantClientID(s.cfg.ClientIDPrefix, tenant.ID),
		TLS:            sc.TLS,
		Username:       s.cfg.Username,
		Password:       s.cfg.Password,
		KeepAlive:      s.cfg.KeepAlive,
		ConnectTimeout: s.cfg.ConnectTimeout,
		CleanSession:   s.cfg.CleanSession,
		AutoReconnect:  s.cfg.AutoReconnect,
		OnConnectionLost: func(err error) {
			select {
			case lost <- err:
			default:
			}
		},
	})

	topic := transport.TenantTopic(s.cfg.TopicTemplate, tenant.ID)
	handler := s.handler(tenant.ID)

	start := time.Now()
	err := s.pool.Do(ctx, tenant.ID, func(ctx context.Context) error {
		err := s.roundTrip(ctx, func(ctx context.Context) error {
			return client.Connect(ctx)
		})
		if err != nil {
			return err
		}
		return s.roundTrip(ctx, func(ctx context.Context) error {
			return client.Subscribe(ctx, topic, s.cfg.QoS, handler)
		})
	})
	s.metrics.RecordConnectAttempt(err, time.Since(start))

	if err != nil {
		client.Disconnect()
		return nil, nil, err
	}
	return client, lost, nil
}

// roundTrip bounds a single broker exchange by the connect timeout
func (s *Supervisor) roundTrip(ctx context.Context, fn func(context.Context) error) error {
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (s *Supervisor) handler(tenantID string) transport.MessageHandler {
	return func(topic string, payload []byte) {
		s.metrics.RecordMessage(tenantID)
		if err := s.publisher.Publish(model.NewMessage(tenantID, topic, payload, s.now())); err != nil {
			s.logger.Debug("Dropped inbound message",
				zap.String("tenant_id", tenantID),
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}

func (s *Supervisor) transition(id string, to model.ConnectionStatus, retryCount int, cause error) {
	if _, err := s.states.Transition(id, to, retryCount, cause); err != nil {
		s.logger.Error("Rejected state transition", zap.String("tenant_id", id), zap.Error(err))
	}
}

func (s *Supervisor) observeTransition(from model.ConnectionStatus, st model.ConnectionState) {
	s.logger.Debug("Tenant state changed",
		zap.String("tenant_id", st.TenantID),
		zap.String("from", string(from)),
		zap.String("to", string(st.Status)),
		zap.Int("retry_count", st.RetryCount))

	if s.metrics == nil {
		return
	}
	s.metrics.RecordTransition(string(st.Status))
	counts := make(map[string]int)
	for status, n := range s.states.Counts() {
		counts[string(status)] = n
	}
	s.metrics.SetTenantsByState(counts)
}

// sleep waits d, returning false if ctx ended first
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
