// Package progress delivers named case events to observers without ever
// blocking the case that emits them.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

type Name string

const (
	CaseStarted          Name = "case_started"
	StrategyChosen       Name = "strategy_chosen"
	ToolsSelected        Name = "tools_selected"
	SourceFetchStarted   Name = "source_fetch_started"
	SourceFetchCompleted Name = "source_fetch_completed"
	SourceFetchFailed    Name = "source_fetch_failed"
	ReasoningIteration   Name = "reasoning_iteration"
	ReasoningTruncated   Name = "reasoning_truncated"
	CorrectionPass       Name = "correction_pass"
	CriticalFindings     Name = "critical_findings"
	CaseCompleted        Name = "case_completed"
	SafetyReviewed       Name = "safety_reviewed"
)

type Event struct {
	ID     uuid.UUID `json:"id"`
	CaseID string    `json:"case_id"`
	Name   Name      `json:"name"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

func NewEvent(caseID string, name Name, detail string) Event {
	return Event{ID: uuid.New(), CaseID: caseID, Name: name, Detail: detail, At: time.Now()}
}

// Sink receives events. Implementations may be slow or panic; the
// dispatcher isolates the case from both.
type Sink interface {
	Handle(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Handle(ctx context.Context, e Event) error {
	return f(ctx, e)
}

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinical",
		Subsystem: "progress",
		Name:      "events_total",
		Help:      "Progress events by name and delivery outcome",
	}, []string{"event", "outcome"})
)

// Dispatcher queues events on a buffered channel and delivers them to its
// sinks from a single goroutine, so sinks see events in emission order.
// A full buffer drops the event.
type Dispatcher struct {
	mu     sync.RWMutex
	closed bool
	ch     chan Event
	sinks  []Sink
	logger zerolog.Logger
	done   chan struct{}
}

func NewDispatcher(buffer int, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if buffer < 1 {
		buffer = 64
	}
	d := &Dispatcher{
		ch:     make(chan Event, buffer),
		sinks:  sinks,
		logger: logger.With().Str("component", "progress").Logger(),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

// Emit never blocks. It reports whether the event was queued.
func (d *Dispatcher) Emit(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.ch <- e:
		return true
	default:
		eventsTotal.WithLabelValues(string(e.Name), "dropped").Inc()
		d.logger.Warn().Str("event", string(e.Name)).Str("case_id", e.CaseID).Msg("progress buffer full, event dropped")
		return false
	}
}

// Close stops accepting events and waits for queued ones to be delivered,
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			d.deliver(s, e)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			eventsTotal.WithLabelValues(string(e.Name), "panic").Inc()
			d.logger.Error().Interface("panic", r).Str("event", string(e.Name)).Msg("progress sink panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Handle(ctx, e); err != nil {
		eventsTotal.WithLabelValues(string(e.Name), "error").Inc()
		d.logger.Warn().Err(err).Str("event", string(e.Name)).Msg("progress sink failed")
		return
	}
	eventsTotal.WithLabelValues(string(e.Name), "delivered").Inc()
}

// Recorder keeps every event it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Handle(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events named n were recorded.
func (r *Recorder) Count(n Name) int {
	c := 0
	for _, e := range r.Events() {
		if e.Name == n {
			c++
		}
	}
	return c
}

// LogSink writes every event to the logger at debug level.
func LogSink(logger zerolog.Logger) Sink {
	return SinkFunc(func(_ context.Context, e Event) error {
		logger.Debug().Str("case_id", e.CaseID).Str("event", string(e.Name)).Str("detail", e.Detail).Msg("case progress")
		return nil
	})
}
