package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/pkg/poll"
)

// Notification is the compact event announcement carried over
// LISTEN/NOTIFY. Consumers needing the payload fetch the row.
type Notification struct {
	EventID       uuid.UUID         `json:"event_id"`
	Type          api.EventType     `json:"type"`
	AggregateKind api.AggregateKind `json:"aggregate_kind"`
	AggregateID   string            `json:"aggregate_id"`
}

// Listener holds a dedicated Postgres connection on the event channel
// and fans notifications out to in-process subscribers. Delivery is
// best effort: a subscriber with a full buffer loses the notification
// rather than stalling the connection.
type Listener struct {
	dsn string
	log logrus.FieldLogger

	mu     sync.Mutex
	subs   map[int]chan Notification
	nextID int

	cancel context.CancelFunc
	done   chan struct{}
}

var reconnectBackoff = poll.Config{
	BaseDelay: 500 * time.Millisecond,
	Factor:    2,
	MaxDelay:  30 * time.Second,
}

func NewListener(dsn string, log logrus.FieldLogger) *Listener {
	return &Listener{
		dsn:  dsn,
		log:  log,
		subs: make(map[int]chan Notification),
	}
}

// Subscribe registers a buffered subscription. The returned cancel
// func must be called to release it.
func (l *Listener) Subscribe(buffer int) (<-chan Notification, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	ch := make(chan Notification, buffer)
	l.subs[id] = ch
	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
	}
}

func (l *Listener) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.run(ctx)
	}()
}

func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *Listener) run(ctx context.Context) {
	tries := 0
	for ctx.Err() == nil {
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			tries++
			delay := poll.CalculateBackoffDelay(&reconnectBackoff, tries)
			l.log.WithError(err).Warnf("event listener disconnected, reconnecting in %s", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		tries = 0
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	l.log.Infof("listening for events on channel %q", NotifyChannel)

	for {
		raw, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var note Notification
		if err := json.Unmarshal([]byte(raw.Payload), &note); err != nil {
			l.log.WithError(err).Warnf("discarding malformed event notification: %q", raw.Payload)
			continue
		}
		l.dispatch(note)
	}
}

func (l *Listener) dispatch(note Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, sub := range l.subs {
		select {
		case sub <- note:
		default:
			l.log.Warnf("event subscriber %d is full, dropping %s", id, note.Type)
		}
	}
}
