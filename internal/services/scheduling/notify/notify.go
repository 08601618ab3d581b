// Package notify delivers reservation lifecycle events to interested sinks.
//
// Delivery is best effort. A failing or slow sink never blocks or fails the
// scheduling operation that produced the event.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/roomclerk/roomclerk/internal/services/scheduling/domain"
)

// EventType identifies which lifecycle change an event describes.
type EventType string

const (
	EventReservationCreated   EventType = "reservation.created"
	EventReservationUpdated   EventType = "reservation.updated"
	EventReservationCancelled EventType = "reservation.cancelled"
	EventReservationArchived  EventType = "reservation.archived"
)

// Event is one reservation lifecycle change.
type Event struct {
	Type        EventType
	Reservation domain.Reservation
	OccurredAt  time.Time
}

// Sink receives lifecycle events. Implementations must tolerate concurrent
// calls from the dispatcher goroutine only, so a sink without internal
// locking is fine.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// LogSink writes events to a standard logger.
type LogSink struct {
	Logger *log.Logger
}

// Send logs the event. It never fails.
func (s LogSink) Send(_ context.Context, event Event) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify: %s reservation=%d room=%d creator=%d", event.Type, event.Reservation.ID, event.Reservation.RoomID, event.Reservation.CreatorID)
	return nil
}

const defaultQueueSize = 64

// Dispatcher fans events out to sinks from a single background goroutine.
// Dispatch never blocks: when the queue is full the event is dropped and
// counted.
type Dispatcher struct {
	sinks  []Sink
	queue  chan Event
	clock  func() time.Time
	logger *log.Logger

	done chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize sets the event queue capacity.
func WithQueueSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queue = make(chan Event, size)
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger overrides the logger used for drop and sink failure reports.
func WithLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher starts a dispatcher delivering to the given sinks.
func NewDispatcher(sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:  sinks,
		queue:  make(chan Event, defaultQueueSize),
		clock:  time.Now,
		logger: log.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Dispatch enqueues an event without blocking. The event timestamp is set
// here so dropped events are indistinguishable from delivered ones to the
// caller.
func (d *Dispatcher) Dispatch(eventType EventType, reservation domain.Reservation) {
	if d == nil {
		return
	}
	event := Event{
		Type:        eventType,
		Reservation: reservation,
		OccurredAt:  d.clock().UTC(),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	select {
	case d.queue <- event:
		d.mu.Unlock()
	default:
		d.dropped++
		dropped := d.dropped
		d.mu.Unlock()
		d.logger.Printf("notify: queue full, dropped %s reservation=%d (total dropped %d)", event.Type, event.Reservation.ID, dropped)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close stops accepting events, drains the queue, and waits for the
// background goroutine to finish.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.queue)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		for _, sink := range d.sinks {
			if err := sink.Send(context.Background(), event); err != nil {
				d.logger.Printf("notify: sink failed for %s reservation=%d: %v", event.Type, event.Reservation.ID, err)
			}
		}
	}
}
