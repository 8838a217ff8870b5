package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Message is a broker-neutral record handed to a Sink.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Handler consumes one delivered message. Returning nil acknowledges it;
// an error leaves it for redelivery.
type Handler func(ctx context.Context, m Message) error

type Sink interface {
	Send(ctx context.Context, m Message) error
}

// Emitter wraps payloads in an Envelope and hands them to the sink.
// Publication failures are logged and never returned: events are a
// notification side channel, not part of the committed state change.
type Emitter struct {
	sink     Sink
	producer string
	now      func() time.Time
}

func NewEmitter(sink Sink, producer string) *Emitter {
	return &Emitter{sink: sink, producer: producer, now: time.Now}
}

func (e *Emitter) Emit(ctx context.Context, topic, key, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Str("event_type", eventType).Msg("marshal event payload")
		return
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    e.now().UTC(),
		Producer:      e.producer,
		CorrelationID: key,
		Payload:       body,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	value, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("marshal envelope")
		return
	}

	headers := telemetry.Inject(ctx)
	headers["event_type"] = eventType
	headers["event_id"] = env.EventID

	msg := Message{Topic: topic, Key: PartitionKey(key), Value: value, Headers: headers}
	if err := e.sink.Send(ctx, msg); err != nil {
		log.Warn().Err(err).
			Str("topic", topic).
			Str("key", key).
			Str("event_id", env.EventID).
			Msg("event publish failed")
		return
	}
	log.Debug().Str("topic", topic).Str("key", key).Str("event_id", env.EventID).Msg("event published")
}

// Discard drops every message. It backs EVENT_BROKER=none.
type Discard struct{}

func (Discard) Send(context.Context, Message) error { return nil }

// Recorder is an in-memory Sink for tests.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, m)
	return nil
}

// FailWith makes subsequent sends return err; nil restores normal behavior.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// Envelopes returns the decoded envelopes published to topic, in order.
func (r *Recorder) Envelopes(topic string) []Envelope {
	var out []Envelope
	for _, m := range r.Messages() {
		if m.Topic != topic {
			continue
		}
		env, err := DecodeEnvelope(m.Value)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}
