package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/storage"
)

const (
	// DefaultSubscriberBuffer is the default queue length of each subscriber
	DefaultSubscriberBuffer = 256
)

// ErrSinkClosed is returned by Record after Close
var ErrSinkClosed = errors.New("event sink closed")

// Recorder records security events. *Sink implements it.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Subscriber receives events published by a Sink.
// Subscribers run on their own goroutine and never block the publisher.
type Subscriber func(ctx context.Context, event Event)

// SinkConfig configures a Sink.
type SinkConfig struct {
	// Store is the durable event store (required)
	Store storage.EventStore

	// Clock stamps events without a timestamp (default: SystemClock)
	Clock Clock

	// Logger is used for delivery and persistence failures (default: slog.Default())
	Logger *slog.Logger

	// SubscriberBuffer is the queue length per subscriber.
	// When a queue is full the event is dropped for that subscriber only.
	// Default: 256
	SubscriberBuffer int
}

// SinkStats reports sink activity.
type SinkStats struct {
	Recorded      int64
	StoreFailures int64
	Dropped       int64
	Subscribers   int
}

type subscription struct {
	name  string
	fn    Subscriber
	queue chan Event
}

// Sink is the append-only recorder of security events. Every event is written
// to the store first and then fanned out to subscribers registered with Subscribe.
type Sink struct {
	store  storage.EventStore
	clock  Clock
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup

	metrics *instrumentation.Metrics

	recorded      atomic.Int64
	storeFailures atomic.Int64
	dropped       atomic.Int64
}

var _ Recorder = (*Sink)(nil)

// NewSink creates an event sink backed by cfg.Store
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	return &Sink{
		store:  cfg.Store,
		clock:  ClockOrSystem(cfg.Clock),
		logger: logger,
		buffer: buffer,
		subs:   make(map[uint64]*subscription),
	}, nil
}

// SetInstrumentation enables event metrics
func (s *Sink) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst != nil {
		s.metrics = inst.Metrics()
	}
}

// Record persists event and publishes it to subscribers.
// The event is published even when persistence fails so alerting keeps working
// during a store outage; the persistence error is still returned.
func (s *Sink) Record(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.Severity.Rank() == 0 {
		event.Severity = SeverityLow
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	event.ID = uuid.NewString()
	event.Details = maps.Clone(event.Details)

	s.mu.RLock()
	closed := s.closed
	metrics := s.metrics
	s.mu.RUnlock()
	if closed {
		return ErrSinkClosed
	}

	var storeErr error
	if err := s.store.AppendEvent(ctx, toRecord(event)); err != nil {
		s.storeFailures.Add(1)
		s.logger.Error("Failed to persist security event",
			"event_type", event.Type,
			"severity", string(event.Severity),
			"error", err)
		storeErr = fmt.Errorf("failed to persist security event: %w", err)
	} else {
		s.recorded.Add(1)
	}

	if metrics != nil {
		metrics.RecordSecurityEvent(ctx, event.Type, string(event.Severity))
	}

	s.publish(event)
	return storeErr
}

// Subscribe registers fn under name and returns a function that removes it.
func (s *Sink) Subscribe(name string, fn Subscriber) (unsubscribe func()) {
	sub := &subscription{
		name:  name,
		fn:    fn,
		queue: make(chan Event, s.buffer),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	go s.deliver(sub)

	s.logger.Debug("Security event subscriber registered", "subscriber", name)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if current, ok := s.subs[id]; ok && current == sub {
				delete(s.subs, id)
				close(sub.queue)
			}
			s.mu.Unlock()
		})
	}
}

// Close stops accepting events, drains subscriber queues and waits for them to finish.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub.queue)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Stats returns delivery statistics
func (s *Sink) Stats() SinkStats {
	s.mu.RLock()
	subscribers := len(s.subs)
	s.mu.RUnlock()

	return SinkStats{
		Recorded:      s.recorded.Load(),
		StoreFailures: s.storeFailures.Load(),
		Dropped:       s.dropped.Load(),
		Subscribers:   subscribers,
	}
}

func (s *Sink) publish(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		select {
		case sub.queue <- event:
		default:
			s.dropped.Add(1)
			s.logger.Warn("Security event subscriber queue full, dropping event",
				"subscriber", sub.name,
				"event_type", event.Type)
		}
	}
}

func (s *Sink) deliver(sub *subscription) {
	defer s.wg.Done()
	for event := range sub.queue {
		s.invoke(sub, event)
	}
}

func (s *Sink) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Security event subscriber panicked",
				"subscriber", sub.name,
				"event_type", event.Type,
				"panic", r)
		}
	}()
	sub.fn(context.Background(), event)
}

func toRecord(event Event) *storage.SecurityEvent {
	return &storage.SecurityEvent{
		ID:        event.ID,
		Type:      event.Type,
		Severity:  string(event.Severity),
		Details:   event.Details,
		Timestamp: event.Timestamp,
		UserID:    event.UserID,
		IP:        event.IP,
	}
}

// FromRecord converts a stored event back into an Event
func FromRecord(rec *storage.SecurityEvent) Event {
	return Event{
		ID:        rec.ID,
		Type:      rec.Type,
		Severity:  ParseSeverity(rec.Severity),
		Details:   maps.Clone(rec.Details),
		Timestamp: rec.Timestamp,
		UserID:    rec.UserID,
		IP:        rec.IP,
	}
}

// Emit records event on r and logs instead of returning a failure. The request ID
// of ctx, if any, is added to the event details.
// Components use it on paths where a lost event must not change the decision.
// A nil Recorder discards the event.
func Emit(ctx context.Context, r Recorder, logger *slog.Logger, event Event) {
	if r == nil {
		return
	}
	if id := RequestIDFromContext(ctx); id != "" {
		if _, ok := event.Details["request_id"]; !ok {
			details := make(map[string]any, len(event.Details)+1)
			maps.Copy(details, event.Details)
			details["request_id"] = id
			event.Details = details
		}
	}
	if err := r.Record(ctx, event); err != nil && logger != nil {
		logger.Warn("Security event not persisted",
			"event_type", event.Type,
			"error", err)
	}
}
