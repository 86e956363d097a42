package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opspulse-backend/internal/bus"
	"opspulse-backend/internal/metrics"
	"opspulse-backend/internal/storage"
)

type Sink interface {
	InsertEvent(ctx context.Context, rec storage.EventRecord) error
}

// Publisher accepts events from producers. Publish never blocks on the store:
// validation failures are returned, store failures land the event in a bounded
// retry buffer drained by Run.
type Publisher struct {
	sink    Sink
	bus     *bus.Bus
	schemas *SchemaRegistry
	log     *slog.Logger
	queue   chan storage.EventRecord
	now     func() time.Time
}

func NewPublisher(sink Sink, b *bus.Bus, schemas *SchemaRegistry, log *slog.Logger) *Publisher {
	return &Publisher{
		sink:    sink,
		bus:     b,
		schemas: schemas,
		log:     log,
		queue:   make(chan storage.EventRecord, 1024),
		now:     time.Now,
	}
}

func (p *Publisher) Publish(ctx context.Context, e Event) (string, error) {
	if err := p.schemas.Validate(e); err != nil {
		return "", err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now().UTC()
	}
	payload := []byte(`{}`)
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return "", &SchemaError{Code: "EVENT_SCHEMA_INVALID", Message: "payload is not serializable", Details: []FieldError{{Field: "payload", Problem: "unserializable"}}}
		}
		payload = data
	}
	rec := storage.EventRecord{
		ID:        e.ID,
		Type:      e.Type,
		Source:    e.Source,
		Severity:  e.Severity,
		TenantID:  e.TenantID,
		Timestamp: e.Timestamp,
		Payload:   payload,
	}
	if err := p.sink.InsertEvent(ctx, rec); err != nil {
		p.log.Error("event store write failed, buffering", "err", err, "event_id", rec.ID, "event_type", rec.Type)
		select {
		case p.queue <- rec:
		default:
			metrics.EventsDropped.Inc()
			p.log.Error("publish buffer full, event dropped", "event_id", rec.ID, "event_type", rec.Type)
		}
	} else {
		metrics.EventsPublished.WithLabelValues(e.Severity).Inc()
	}
	p.fanout(e)
	return e.ID, nil
}

func (p *Publisher) fanout(e Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(bus.SubjectEventPublished, e); err != nil {
		p.log.Error("event fanout failed", "err", err, "event_id", e.ID)
	}
}

// Run drains the retry buffer, reinserting buffered events with backoff until
// the store accepts them or ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	retry := newBackoff(time.Second, 30*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-p.queue:
			for {
				err := p.sink.InsertEvent(ctx, rec)
				if err == nil {
					metrics.EventsPublished.WithLabelValues(rec.Severity).Inc()
					retry.reset()
					break
				}
				p.log.Error("event flush failed", "err", err, "event_id", rec.ID)
				select {
				case <-ctx.Done():
					return
				case <-time.After(retry.next()):
				}
			}
		}
	}
}

func (p *Publisher) Buffered() int {
	return len(p.queue)
}

type backoff struct {
	current time.Duration
	initial time.Duration
	max     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{current: initial, initial: initial, max: max}
}

func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}
