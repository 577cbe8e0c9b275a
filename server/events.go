package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/security"
)

// Event is a notable engine occurrence handed to the event publisher.
// Event types are the security.Event* constants.
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// EventPublisher receives engine events. Publish must not block the caller.
type EventPublisher interface {
	Publish(event Event)
}

// EventSink consumes events delivered by a ChannelPublisher
type EventSink interface {
	Handle(event Event)
}

// AuditSink forwards events to the security auditor. Token and
// authentication events go through the auditor's typed helpers. With
// Metrics set every audited event is also counted.
type AuditSink struct {
	Auditor *security.Auditor
	Metrics *instrumentation.Metrics
}

// Handle implements EventSink
func (a *AuditSink) Handle(event Event) {
	if !a.Auditor.Enabled() {
		return
	}

	detail := func(name string) string {
		v, _ := event.Details[name].(string)
		return v
	}
	switch event.Type {
	case security.EventTokenIssued:
		a.Auditor.LogTokenIssued(event.Subject, event.ClientID, detail("grant_type"), detail("scope"))
	case security.EventTokenRevoked:
		a.Auditor.LogTokenRevoked(event.Subject, event.ClientID, detail("token_type_hint"))
	case security.EventAuthFailure:
		a.Auditor.LogAuthFailure(event.Subject, event.ClientID, detail("reason"))
	default:
		a.Auditor.LogEvent(security.Event{
			Type:      event.Type,
			UserID:    event.Subject,
			ClientID:  event.ClientID,
			Details:   event.Details,
			Timestamp: event.Timestamp,
		})
	}

	if a.Metrics != nil {
		a.Metrics.RecordAuditEvent(context.Background(), event.Type)
	}
}

// ChannelPublisher delivers events to its sinks from a single background
// goroutine. Publish never blocks: when the buffer is full the event is
// dropped and counted.
type ChannelPublisher struct {
	events  chan Event
	done    chan struct{}
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex // guards closed, sinks and inst
	closed bool
	sinks  []EventSink
	inst   *instrumentation.Instrumentation
}

// NewChannelPublisher starts a publisher with the given buffer capacity
func NewChannelPublisher(buffer int, logger *slog.Logger, sinks ...EventSink) *ChannelPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	p := &ChannelPublisher{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
		sinks:  sinks,
	}
	go p.run()
	return p
}

// Publish implements EventPublisher
func (p *ChannelPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.events <- event:
		if p.inst != nil {
			p.inst.Metrics().RecordEventPublished(context.Background(), event.Type)
		}
	default:
		p.dropped.Add(1)
		if p.inst != nil {
			p.inst.Metrics().RecordEventDropped(context.Background(), event.Type)
		}
		p.logger.Warn("Event dropped, publisher buffer full", "event_type", event.Type)
	}
}

func (p *ChannelPublisher) run() {
	defer close(p.done)
	for event := range p.events {
		p.mu.RLock()
		sinks := p.sinks
		p.mu.RUnlock()
		for _, sink := range sinks {
			sink.Handle(event)
		}
	}
}

// Dropped returns the number of events dropped because the buffer was full
func (p *ChannelPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// SetInstrumentation enables published and dropped event metrics
func (p *ChannelPublisher) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inst = inst
}

// ReplaceSinks swaps the sinks receiving future events
func (p *ChannelPublisher) ReplaceSinks(sinks ...EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = sinks
}

// Close stops accepting events and waits until queued events are delivered
func (p *ChannelPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	<-p.done
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(Event)

// Handle implements EventSink
func (f EventSinkFunc) Handle(event Event) { f(event) }
