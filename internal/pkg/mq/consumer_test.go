package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/event"
	"fulfillment/internal/pkg/errs"
)

type fakeWriter struct {
	mu    sync.Mutex
	msgs  []kafka.Message
	fails int // 剩余失败次数，负数表示一直失败
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fails != 0 {
		if w.fails > 0 {
			w.fails--
		}
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeReader struct {
	topic     string
	ch        chan kafka.Message
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader(topic string, msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{topic: topic, ch: make(chan kafka.Message, len(msgs)), done: make(chan struct{})}
	for _, m := range msgs {
		r.ch <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-r.done:
		return kafka.Message{}, errors.New("reader closed")
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Config() kafka.ReaderConfig { return kafka.ReaderConfig{Topic: r.topic} }

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func envelopeMessage(t *testing.T, topic string) kafka.Message {
	t.Helper()
	env, err := event.New(event.ReservationConfirmed, "order-1", nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	value, _ := event.Marshal(env)
	return kafka.Message{Topic: topic, Partition: 2, Offset: 17, Key: []byte("order-1"), Value: value}
}

func newTestConsumer(reader MessageReader, dlt *fakeWriter, handle EventHandler) *Consumer {
	fh := NewFailureHandler(func(string) MessageWriter { return dlt })
	return NewConsumer(reader, handle, fh, ConsumerOptions{
		MaxRetries: 2,
		Backoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	}, noop.NewTracerProvider().Tracer("test"))
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	dlt := &fakeWriter{}
	calls := 0
	c := newTestConsumer(nil, dlt, func(context.Context, event.Envelope) error {
		calls++
		return errs.Transient("db", errors.New("connection refused"))
	})

	msg := envelopeMessage(t, event.TopicInventoryEvents)
	if !c.processMessage(context.Background(), msg) {
		t.Fatal("expected message to be committed after dead-lettering")
	}
	if calls != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", calls)
	}

	out := dlt.written()
	if len(out) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(out))
	}
	if got := Header(out[0].Headers, HeaderOriginalTopic); got != event.TopicInventoryEvents {
		t.Errorf("expected original topic header, got %q", got)
	}
	if got := Header(out[0].Headers, HeaderOriginalOffset); got != "17" {
		t.Errorf("expected original offset 17, got %q", got)
	}
	if Header(out[0].Headers, HeaderExceptionMessage) == "" {
		t.Error("expected exception message header")
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	dlt := &fakeWriter{}
	calls := 0
	c := newTestConsumer(nil, dlt, func(context.Context, event.Envelope) error {
		calls++
		if calls < 2 {
			return errs.Transient("db", errors.New("deadlock"))
		}
		return nil
	})

	c.processMessage(context.Background(), envelopeMessage(t, event.TopicPaymentEvents))
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if len(dlt.written()) != 0 {
		t.Error("expected no dead letter after recovery")
	}
}

func TestNonRetryableKinds(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantDLT bool
	}{
		{"stale", errs.E(errs.KindInvalidTransition, "saga", errors.New("PENDING -> SHIPPED")), false},
		{"duplicate", errs.E(errs.KindDuplicateDelivery, "guard", errors.New("seen")), false},
		{"business", errs.E(errs.KindBusiness, "carrier", errors.New("rejected")), false},
		{"invalid input", errs.InvalidInput("decode", errors.New("bad payload")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dlt := &fakeWriter{}
			calls := 0
			c := newTestConsumer(nil, dlt, func(context.Context, event.Envelope) error {
				calls++
				return tt.err
			})
			c.processMessage(context.Background(), envelopeMessage(t, event.TopicOrderEvents))
			if calls != 1 {
				t.Errorf("expected no retry, got %d calls", calls)
			}
			if got := len(dlt.written()) == 1; got != tt.wantDLT {
				t.Errorf("expected dead letter %v, got %v", tt.wantDLT, got)
			}
		})
	}
}

func TestPoisonMessageGoesToDeadLetter(t *testing.T) {
	dlt := &fakeWriter{}
	c := newTestConsumer(nil, dlt, func(context.Context, event.Envelope) error {
		t.Error("handler must not be called for undecodable messages")
		return nil
	})
	c.processMessage(context.Background(), kafka.Message{Topic: event.TopicShippingEvents, Value: []byte("{not json")})
	if len(dlt.written()) != 1 {
		t.Errorf("expected poison message dead-lettered, got %d", len(dlt.written()))
	}
}

func TestDeadLetterWriteIsRetriedBeforeCommit(t *testing.T) {
	dlt := &fakeWriter{fails: 2}
	c := newTestConsumer(nil, dlt, func(context.Context, event.Envelope) error {
		return errs.InvalidInput("decode", errors.New("bad payload"))
	})
	if !c.processMessage(context.Background(), envelopeMessage(t, event.TopicOrderEvents)) {
		t.Fatal("expected message to be committed once the dead letter is written")
	}
	if len(dlt.written()) != 1 {
		t.Errorf("expected 1 dead letter after retries, got %d", len(dlt.written()))
	}
}

func TestUnwritableDeadLetterIsNotCommitted(t *testing.T) {
	dlt := &fakeWriter{fails: -1}
	c := newTestConsumer(nil, dlt, func(context.Context, event.Envelope) error {
		return errs.Transient("db", errors.New("connection refused"))
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if c.processMessage(ctx, envelopeMessage(t, event.TopicOrderEvents)) {
		t.Error("expected offset to stay uncommitted while the dead letter topic is unavailable")
	}
}

func TestStartCommitsEveryMessage(t *testing.T) {
	m1 := envelopeMessage(t, event.TopicOrderEvents)
	m2 := envelopeMessage(t, event.TopicOrderEvents)
	reader := newFakeReader(event.TopicOrderEvents, m1, m2)
	dlt := &fakeWriter{}

	var mu sync.Mutex
	var seen []string
	c := newTestConsumer(reader, dlt, func(_ context.Context, env event.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, env.EventID)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for reader.commits() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop(ctx)

	if reader.commits() != 2 {
		t.Errorf("expected 2 commits, got %d", reader.commits())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("expected 2 handled messages, got %d", len(seen))
	}
}

func TestTraceContextRoundTrip(t *testing.T) {
	var headers []kafka.Header
	InjectTraceContext(context.Background(), &headers)
	ctx := ExtractTraceContext(context.Background(), headers)
	if ctx == nil {
		t.Fatal("expected a context")
	}

	carrier := KafkaHeaderCarrier(headers)
	carrier.Set("k", "v1")
	carrier.Set("k", "v2")
	if carrier.Get("k") != "v2" || len(carrier.Keys()) != len(headers)+1 {
		t.Errorf("expected header to be overwritten in place, got %v", carrier.Keys())
	}
}
