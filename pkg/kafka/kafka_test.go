package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"OmegaBTC/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
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
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.pending) > 0 {
			m := r.pending[0]
			r.pending = r.pending[1:]
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type handlerFunc struct {
	topic string
	fn    func([]byte) error
}

func (h handlerFunc) Topic() string                            { return h.topic }
func (h handlerFunc) Handle(_ context.Context, b []byte) error { return h.fn(b) }

func TestProducerPublishMessageEncodesJSON(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, &ProducerConfig{Registerer: prometheus.NewRegistry()})

	payload := map[string]int{"count": 2}
	if err := p.PublishMessage(context.Background(), "omega.logs", payload); err != nil {
		t.Fatalf("PublishMessage: %v", err)
	}
	if err := p.Publish(context.Background(), "omega.events", []byte("k"), "raw"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := w.written()
	if len(got) != 2 {
		t.Fatalf("written = %d, want 2", len(got))
	}
	var decoded map[string]int
	if err := json.Unmarshal(got[0].Value, &decoded); err != nil || decoded["count"] != 2 {
		t.Errorf("payload = %s", got[0].Value)
	}
	if got[1].Topic != "omega.events" || string(got[1].Key) != "k" || string(got[1].Value) != "raw" {
		t.Errorf("message = %+v", got[1])
	}
}

func TestProducerSharesMetricsOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	newProducer(&fakeWriter{}, &ProducerConfig{Registerer: reg})
	newProducer(&fakeWriter{}, &ProducerConfig{Registerer: reg})
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		dlq       bool
		wantCalls int
		wantDLQ   int
		commits   int
	}{
		{"succeeds after retry", 1, false, 2, 0, 1},
		{"exhausts to dlq", 10, true, 3, 1, 1},
		{"exhausts without dlq", 10, false, 3, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{pending: []kafka.Message{{Topic: "ticks", Offset: 7, Value: []byte("x")}}}
			cfg := ConsumerConfig{
				RetryMax:   2,
				BackoffMin: time.Millisecond,
				BackoffMax: 2 * time.Millisecond,
				DLQTopic:   "ticks.dlq",
				Registerer: prometheus.NewRegistry(),
			}
			c := newConsumer(cfg, logger.Nop(), func(string) messageReader { return reader })
			dlq := &fakeWriter{}
			if tt.dlq {
				c.dlq = dlq
			}

			var mu sync.Mutex
			calls := 0
			done := make(chan struct{}, 16)
			if err := c.RegisterHandler(handlerFunc{topic: "ticks", fn: func([]byte) error {
				mu.Lock()
				defer mu.Unlock()
				calls++
				done <- struct{}{}
				if calls <= tt.failures {
					return errors.New("boom")
				}
				return nil
			}}); err != nil {
				t.Fatalf("RegisterHandler: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := c.Start(ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			for i := 0; i < tt.wantCalls; i++ {
				select {
				case <-done:
				case <-time.After(2 * time.Second):
					t.Fatalf("handler called %d times, want %d", i, tt.wantCalls)
				}
			}
			deadline := time.Now().Add(time.Second)
			for len(reader.commits()) < tt.commits && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
			defer stopCancel()
			if err := c.Stop(stopCtx); err != nil {
				t.Fatalf("Stop: %v", err)
			}

			if got := len(dlq.written()); got != tt.wantDLQ {
				t.Errorf("dlq messages = %d, want %d", got, tt.wantDLQ)
			}
			if got := len(reader.commits()); got != tt.commits {
				t.Errorf("commits = %d, want %d", got, tt.commits)
			}
		})
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	for attempt := 1; attempt <= 40; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, 80*time.Millisecond, attempt)
		if d <= 0 || d > 80*time.Millisecond {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
}
