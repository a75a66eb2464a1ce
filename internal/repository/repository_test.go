package repository

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"OmegaBTC/internal/domain/models"

	"github.com/shopspring/decimal"
)

type sent struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct{ msgs []sent }

func (f *fakeProducer) Publish(_ context.Context, topic string, key []byte, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.msgs = append(f.msgs, sent{topic: topic, key: string(key), value: b})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestKafkaPublisherEnvelopes(t *testing.T) {
	fp := &fakeProducer{}
	p := NewKafkaPublisher(fp, "omega.events")
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	ctx := context.Background()

	ev := models.TrapEvent{ID: "evt-1", Kind: models.TrapBull, Confidence: 0.8, Price: decimal.NewFromInt(100), Timestamp: time.Unix(1_700_000_000, 0).UTC(), DetectorVersion: 3}
	if err := p.PublishTrapEvent(ctx, ev); err != nil {
		t.Fatalf("PublishTrapEvent: %v", err)
	}
	dec := models.Decision{Kind: models.DecisionPartialExit, PositionID: "BTCUSDT_UMCBL:Long:1", TriggerID: "evt-1", Fraction: 0.25}
	if err := p.PublishDecision(ctx, dec); err != nil {
		t.Fatalf("PublishDecision: %v", err)
	}

	if len(fp.msgs) != 2 {
		t.Fatalf("messages = %d", len(fp.msgs))
	}
	tests := []struct {
		msg     sent
		key     string
		typ     string
		payload string
	}{
		{fp.msgs[0], "evt-1", EnvelopeTrapEvent, `"detector_version":3`},
		{fp.msgs[1], "BTCUSDT_UMCBL:Long:1", EnvelopeDecision, `"trigger_id":"evt-1"`},
	}
	for _, tt := range tests {
		if tt.msg.topic != "omega.events" || tt.msg.key != tt.key {
			t.Errorf("routing = %s/%s", tt.msg.topic, tt.msg.key)
		}
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(tt.msg.value, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type != tt.typ || !strings.Contains(string(env.Payload), tt.payload) {
			t.Errorf("envelope = %s", tt.msg.value)
		}
	}
}

func TestArchiveSchemaTables(t *testing.T) {
	stmts := ArchiveSchema("omega")
	joined := strings.Join(stmts, "\n")
	for _, want := range []string{"omega.trap_events", "omega.exit_decisions", "omega.candles", "ReplacingMergeTree"} {
		if !strings.Contains(joined, want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func TestReverseCandles(t *testing.T) {
	cs := []models.Candle{{Ticks: 3}, {Ticks: 2}, {Ticks: 1}}
	reverseCandles(cs)
	for i, c := range cs {
		if c.Ticks != i+1 {
			t.Fatalf("order = %+v", cs)
		}
	}
}
