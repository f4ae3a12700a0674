package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/events"
	"github.com/flockctl/flockctl/internal/store"
)

const (
	// DefaultFlushInterval bounds how stale a device's last_contact_at can
	// be while the device keeps talking to us.
	DefaultFlushInterval = 5 * time.Second

	// flushThreshold triggers an early flush when the pending set grows
	// past it, keeping the batch UPDATE bounded on large fleets.
	flushThreshold = 512

	drainTimeout = 5 * time.Second
)

// Recorder batches device contact observations and flushes them on an
// interval, so a chatty device costs one row update per flush instead of
// one per request. Devices that were offline when touched come back online
// with a device.online event.
type Recorder struct {
	store store.Store
	log   logrus.FieldLogger

	interval time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
	kick    chan struct{}
}

func NewRecorder(st store.Store, interval time.Duration, log logrus.FieldLogger) *Recorder {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Recorder{
		store:    st,
		log:      log,
		interval: interval,
		pending:  make(map[uuid.UUID]struct{}),
		kick:     make(chan struct{}, 1),
	}
}

// Record notes a contact. It runs on the request path and never blocks.
func (r *Recorder) Record(deviceID uuid.UUID) {
	r.mu.Lock()
	r.pending[deviceID] = struct{}{}
	n := len(r.pending)
	r.mu.Unlock()

	if n >= flushThreshold {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes until ctx is cancelled, then drains whatever is still
// pending so contacts observed right before shutdown are not lost.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case <-ticker.C:
		case <-r.kick:
		}
		if err := r.Flush(ctx); err != nil {
			r.log.WithError(err).Error("failed to flush device contacts")
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		r.log.WithError(err).Error("failed to flush device contacts on shutdown")
	}
}

// Flush writes the pending batch. A failed batch is requeued so the next
// flush retries it; last_contact_at only ever moves forward, so replaying
// a touch is harmless.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := lo.Keys(r.pending)
	r.pending = make(map[uuid.UUID]struct{})
	r.mu.Unlock()

	now := time.Now().UTC()
	wasOffline, err := r.store.Device().TouchLastContact(ctx, batch, now)
	if err != nil {
		r.requeue(batch)
		return err
	}
	if len(wasOffline) == 0 {
		return nil
	}

	online := lo.Map(wasOffline, func(id uuid.UUID, _ int) api.Event {
		return events.DeviceOnline(id, now, events.WithSource(api.EventSourceAPI))
	})
	if err := r.store.Event().Publish(ctx, online...); err != nil {
		return err
	}
	r.log.WithField("devices", len(wasOffline)).Info("devices back online")
	return nil
}

func (r *Recorder) requeue(batch []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range batch {
		r.pending[id] = struct{}{}
	}
}
