package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/vigil/internal/store"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart        EventType = "start"
	EventExit         EventType = "exit"
	EventRestart      EventType = "restart"
	EventCircuitOpen  EventType = "circuit_open"
	EventCircuitClose EventType = "circuit_close"
	EventHealthAlarm  EventType = "health_alarm"
	EventMemoryAlarm  EventType = "memory_alarm"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Record     store.Record `json:"record"`
	Detail     string       `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	fanoutQueue   = 128
	fanoutTimeout = 5 * time.Second
)

// Fanout delivers events to all sinks from a single background goroutine so
// publishers never block on a slow destination. Events are dropped when the
// queue is full. Callers must stop publishing before Close.
type Fanout struct {
	sinks  []Sink
	ch     chan Event
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{
		sinks: append([]Sink(nil), sinks...),
		ch:    make(chan Event, fanoutQueue),
		done:  make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Fanout) run() {
	defer close(f.done)
	for e := range f.ch {
		for _, s := range f.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
			if err := s.Send(ctx, e); err != nil {
				slog.Debug("history sink send failed", "type", e.Type, "name", e.Record.Name, "error", err)
			}
			cancel()
		}
	}
}

// Publish enqueues an event for delivery. Returns false when the queue is
// full or the fanout is closed.
func (f *Fanout) Publish(e Event) bool {
	if f.closed.Load() {
		return false
	}
	select {
	case f.ch <- e:
		return true
	default:
		slog.Debug("history queue full, dropping event", "type", e.Type, "name", e.Record.Name)
		return false
	}
}

// Close drains the queue, then closes every sink that implements io.Closer.
// Only the first call does the work; later calls return nil.
func (f *Fanout) Close() error {
	var first error
	f.once.Do(func() {
		f.closed.Store(true)
		close(f.ch)
		<-f.done
		for _, s := range f.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil && first == nil {
					first = err
				}
			}
		}
	})
	return first
}
