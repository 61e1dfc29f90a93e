// Package broadcast fans scheduler events out to real-time subscribers.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventStatus               EventType = "status"
	EventProgress             EventType = "progress"
	EventRecord               EventType = "record"
	EventError                EventType = "error"
	EventSuccess              EventType = "success"
	EventVerificationRequired EventType = "verification_code_required"
)

// DefaultQueueSize bounds every subscriber queue.
const DefaultQueueSize = 64

// ErrClosed is returned by Next after the subscriber is closed.
var ErrClosed = errors.New("subscriber closed")

// Event is the envelope sent to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Account   string    `json:"account"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// VerificationRequired is the payload of a verification_code_required event.
type VerificationRequired struct {
	RequestID     string `json:"requestId"`
	JobName       string `json:"jobName"`
	ScreenshotURL string `json:"screenshotUrl"`
	TaskID        string `json:"taskId"`
}

// Message is the payload of error and success events.
type Message struct {
	Message   string `json:"message"`
	PostingID string `json:"postingId,omitempty"`
}

// Snapshotter builds the full status pushed to a new subscriber.
type Snapshotter func(ctx context.Context, account string) (any, error)

// Relay forwards events to other instances.
type Relay interface {
	// Forward must not block.
	Forward(Event)
	Run(ctx context.Context, deliver func(Event)) error
}

// Subscriber receives events through a bounded queue. When the queue is full
// the oldest event is dropped and the subscriber is marked degraded.
type Subscriber struct {
	id      uint64
	account string
	size    int

	mu       sync.Mutex
	queue    []Event
	closed   bool
	degraded bool
	dropped  int64

	notify chan struct{}
}

func newSubscriber(id uint64, account string, size int) *Subscriber {
	return &Subscriber{
		id:      id,
		account: account,
		size:    size,
		queue:   make([]Event, 0, size),
		notify:  make(chan struct{}, 1),
	}
}

func (s *Subscriber) Account() string { return s.account }

func (s *Subscriber) wants(ev Event) bool {
	return s.account == "" || ev.Account == "" || s.account == ev.Account
}

func (s *Subscriber) push(ev Event, front bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	dropped := false
	if len(s.queue) >= s.size {
		s.queue = s.queue[1:]
		s.dropped++
		s.degraded = true
		dropped = true
	}
	if front {
		s.queue = append([]Event{ev}, s.queue...)
	} else {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until an event is queued, the subscriber is closed or ctx is done.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Degraded reports whether the subscriber ever lost events.
func (s *Subscriber) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Dropped returns how many events were discarded.
func (s *Subscriber) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Broadcaster is a publish/subscribe hub. Publish never blocks on subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID atomic.Uint64

	queueSize int
	snapshot  Snapshotter
	relay     Relay
	now       func() time.Time
	logger    *zap.Logger
}

func New(queueSize int, logger *zap.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Broadcaster{
		subs:      make(map[uint64]*Subscriber),
		queueSize: queueSize,
		now:       time.Now,
		logger:    logger,
	}
}

// SetSnapshotter must be called before the first Subscribe.
func (b *Broadcaster) SetSnapshotter(fn Snapshotter) {
	b.snapshot = fn
}

// SetRelay enables cross-instance fan-out. Call Run to receive remote events.
func (b *Broadcaster) SetRelay(r Relay) {
	b.relay = r
}

// Run pumps events from the relay until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return nil
	}
	return b.relay.Run(ctx, b.deliver)
}

// Subscribe registers a subscriber for account, or for every account when
// account is empty. The first queued event is a status snapshot.
func (b *Broadcaster) Subscribe(ctx context.Context, account string) *Subscriber {
	sub := newSubscriber(b.nextID.Add(1), account, b.queueSize)

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	if b.snapshot != nil && account != "" {
		data, err := b.snapshot(ctx, account)
		if err != nil {
			b.logger.Warn("building status snapshot", zap.String("account", account), zap.Error(err))
		} else {
			sub.push(Event{Type: EventStatus, Account: account, Data: data, Timestamp: b.now()}, true)
		}
	}

	b.logger.Debug("subscriber registered", zap.Uint64("subscriber", sub.id), zap.String("account", account))
	return sub
}

// Unsubscribe removes the subscriber and wakes any pending Next.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()

	sub.close()
}

// Publish delivers ev locally and forwards it to the relay.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.deliver(ev)

	if b.relay != nil {
		b.relay.Forward(ev)
	}
}

// PublishSnapshot pushes a fresh status snapshot for account.
func (b *Broadcaster) PublishSnapshot(ctx context.Context, account string) {
	if b.snapshot == nil {
		return
	}
	data, err := b.snapshot(ctx, account)
	if err != nil {
		b.logger.Warn("building status snapshot", zap.String("account", account), zap.Error(err))
		return
	}
	b.Publish(Event{Type: EventStatus, Account: account, Data: data})
}

func (b *Broadcaster) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.wants(ev) {
			continue
		}
		if sub.push(ev, false) {
			b.logger.Debug("subscriber queue overflow, dropped oldest event",
				zap.Uint64("subscriber", sub.id),
				zap.String("account", sub.account),
			)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
