package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/bus"
	"github.com/elecbits/heartbeat-relay/internal/metrics"
)

const recordTimeout = 2 * time.Second

// Recorder copies every bus message into a HeartbeatStore
type Recorder struct {
	store   HeartbeatStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRecorder creates a recorder. m may be nil.
func NewRecorder(store HeartbeatStore, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, metrics: m, logger: logger}
}

// Run records messages from sub until ctx ends or the bus closes. Store
// failures are logged and never stop the recorder.
func (r *Recorder) Run(ctx context.Context, sub *bus.Subscription) error {
	defer sub.Close()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		err = r.store.Record(rctx, msg)
		cancel()
		if err != nil {
			r.metrics.RecordStoreError("record")
			r.logger.Warn("Failed to record heartbeat",
				zap.String("tenant_id", msg.TenantID),
				zap.Error(err))
		}
	}
}
