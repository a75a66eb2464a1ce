package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestComputeLevelsIdeal(t *testing.T) {
	levels := ComputeLevels(TF1m, decimal.NewFromInt(110), decimal.NewFromInt(100), time.Now())

	want := map[string]string{"0.5": "105", "0.618": "106.18", "0.382": "103.82"}
	for r, w := range want {
		if got := levels.Levels[r]; !ApproxEqual(got, decimal.RequireFromString(w)) {
			t.Errorf("levels[%s] = %s, want %s", r, got, w)
		}
	}
	if !levels.Levels["0"].Equal(levels.Low) || !levels.Levels["1"].Equal(levels.High) {
		t.Errorf("anchors do not match low/high")
	}
	if err := levels.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestRawTickParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     RawTick
		wantErr bool
	}{
		{"valid", RawTick{TimestampMs: 1714564800000, Price: "64000.5", Volume: "0.25"}, false},
		{"empty volume", RawTick{TimestampMs: 1714564800000, Price: "64000.5"}, false},
		{"non numeric", RawTick{TimestampMs: 1714564800000, Price: "abc"}, true},
		{"zero price", RawTick{TimestampMs: 1714564800000, Price: "0"}, true},
		{"negative volume", RawTick{TimestampMs: 1714564800000, Price: "1", Volume: "-1"}, true},
		{"no timestamp", RawTick{Price: "1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.raw.Parse()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseTrapProbabilityLegacy(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"0.73", 0.73},
		{`"0.4"`, 0.4},
		{`{"probability":0.55}`, 0.55},
		{`{"probability":0.9,"kind":"BullTrap","trend":"increasing","components":{"volume_spike":{"value":1,"description":"x"}},"timestamp":"2024-05-01T12:00:00Z"}`, 0.9},
	}
	for _, tt := range tests {
		got, err := ParseTrapProbability(tt.raw)
		if err != nil {
			t.Fatalf("ParseTrapProbability(%s): %v", tt.raw, err)
		}
		if got.Probability != tt.want {
			t.Errorf("probability = %v, want %v", got.Probability, tt.want)
		}
		if got.Kind == "" || got.Trend == "" || got.Components == nil {
			t.Errorf("defaults not applied: %+v", got)
		}
	}
	if _, err := ParseTrapProbability("not json"); err == nil {
		t.Errorf("expected error for garbage")
	}
}

func TestTrapEventRoundTrip(t *testing.T) {
	e := TrapEvent{
		ID:              "0f8c",
		Kind:            TrapBull,
		Confidence:      0.82,
		Price:           decimal.RequireFromString("98"),
		Timestamp:       time.Date(2024, 5, 1, 12, 0, 9, 0, time.UTC),
		PriceChange:     -0.0196,
		Window:          Duration(9 * time.Second),
		DetectorVersion: 3,
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back TrapEvent
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	again, _ := json.Marshal(back)
	if string(again) != string(data) {
		t.Errorf("round trip changed payload:\n%s\n%s", data, again)
	}
	if err := back.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestFlatPositionJSON(t *testing.T) {
	data, err := json.Marshal(FlatPosition())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"has_position":false}` {
		t.Errorf("flat position = %s", data)
	}

	p := Position{HasPosition: true, ID: "BTCUSDT:Long", Side: SideLong, EntryPrice: decimal.NewFromInt(100), Size: decimal.NewFromInt(2)}
	p.MarkToMarket(decimal.NewFromInt(105))
	if !p.UnrealizedPnLQuote.Equal(decimal.NewFromInt(10)) || p.UnrealizedPnLPercent != 5 {
		t.Errorf("pnl = %s / %v%%", p.UnrealizedPnLQuote, p.UnrealizedPnLPercent)
	}
}

func TestTrapKindAgainst(t *testing.T) {
	if !TrapFakePump.Against(SideLong) || !TrapBull.Against(SideLong) {
		t.Errorf("bull-side traps should argue against longs")
	}
	if TrapBull.Against(SideShort) || TrapStopHunt.Against(SideLong) {
		t.Errorf("unexpected alignment")
	}
}
