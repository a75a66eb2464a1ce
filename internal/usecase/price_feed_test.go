package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/internal/services/candles"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/store"
)

type fakeStream struct {
	mu         sync.Mutex
	connectErr error
	raws       []*models.RawTick
	connects   int
	connected  bool
}

func (s *fakeStream) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeStream) Subscribe(context.Context) error { return nil }

func (s *fakeStream) Read(ctx context.Context) (<-chan *models.RawTick, <-chan error) {
	ticks := make(chan *models.RawTick)
	errs := make(chan error, 1)
	s.mu.Lock()
	raws := s.raws
	s.raws = nil
	s.mu.Unlock()
	go func() {
		defer close(ticks)
		defer close(errs)
		for _, r := range raws {
			select {
			case ticks <- r:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ticks, errs
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

type gateFunc func() bool

func (g gateFunc) Accepting() bool { return g() }

type observed struct {
	price string
	late  bool
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observed
}

func (o *recordingObserver) OnTick(_ context.Context, t models.Tick, late bool) error {
	o.mu.Lock()
	o.seen = append(o.seen, observed{t.Price.String(), late})
	o.mu.Unlock()
	return nil
}

var feedT0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tickAtMs(ms int64, price, volume string) models.Tick {
	return models.Tick{Timestamp: feedT0.Add(time.Duration(ms) * time.Millisecond), Price: dec(price), Volume: dec(volume)}
}

func newFeed(st store.Store, stream *fakeStream) *PriceFeed {
	agg := candles.NewAggregator([]models.Timeframe{models.TF1m, models.TF5m})
	return NewPriceFeed(PriceFeedConfig{Symbol: "BTCUSDT", ReconnectBase: time.Millisecond, ReconnectMax: 5 * time.Millisecond}, stream, st, agg, newRecorder(), nil)
}

func TestPriceFeedOrdering(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	f := newFeed(st, &fakeStream{})
	obs := &recordingObserver{}
	f.Observe(obs)
	sub := f.Subscribe()

	steps := []models.Tick{
		tickAtMs(0, "100", "1"),
		tickAtMs(500, "101", "1"),
		tickAtMs(500, "999", "1"), // duplicate timestamp
		tickAtMs(250, "99", "2"),  // late, same second
		tickAtMs(1000, "102", "1"),
		tickAtMs(900, "50", "1"), // stale, previous second
	}
	for _, tk := range steps {
		if err := f.Process(ctx, tk); err != nil {
			t.Fatalf("Process(%s): %v", tk.Price, err)
		}
	}

	if got, _ := st.Get(ctx, models.KeyLastPrice); got != "102" {
		t.Errorf("last_btc_price = %q, want 102", got)
	}

	hist, err := store.ListJSON[models.MovementRecord](ctx, st, models.KeyMovementHistory, 0, -1)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history = %+v, %v", hist, err)
	}
	rec := hist[0]
	if !rec.Price.Equal(dec("101")) || !rec.High.Equal(dec("101")) || !rec.Low.Equal(dec("99")) || !rec.Volume.Equal(dec("4")) {
		t.Errorf("merged second = %+v", rec)
	}

	want := []observed{{"100", false}, {"101", false}, {"99", true}, {"102", false}}
	if len(obs.seen) != len(want) {
		t.Fatalf("observed %v, want %v", obs.seen, want)
	}
	for i := range want {
		if obs.seen[i] != want[i] {
			t.Errorf("observed[%d] = %v, want %v", i, obs.seen[i], want[i])
		}
	}

	var published []string
	for len(sub) > 0 {
		published = append(published, (<-sub).Price.String())
	}
	if len(published) != 3 || published[2] != "102" {
		t.Errorf("subscriber got %v, want in-order ticks only", published)
	}

	var c models.Candle
	if err := store.GetJSON(ctx, st, models.KeyCandle(models.TF1m), &c); err != nil {
		t.Fatalf("candle: %v", err)
	}
	if !c.High.Equal(dec("102")) || !c.Low.Equal(dec("99")) || !c.Close.Equal(dec("102")) {
		t.Errorf("1m candle = %+v", c)
	}
}

func TestPriceFeedGateDropsTicks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	f := newFeed(st, &fakeStream{})
	f.SetGate(gateFunc(func() bool { return false }))

	if err := f.Process(ctx, tickAtMs(0, "100", "1")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := st.Get(ctx, models.KeyLastPrice); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("gated tick reached the store: %v", err)
	}
}

func TestPriceFeedFullSubscriberDoesNotStall(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	agg := candles.NewAggregator([]models.Timeframe{models.TF1m})
	f := NewPriceFeed(PriceFeedConfig{Symbol: "BTCUSDT", SubscriberBuf: 1}, &fakeStream{}, st, agg, newRecorder(), nil)
	sub := f.Subscribe()

	done := make(chan error, 1)
	go func() {
		for i, p := range []string{"100", "101", "102"} {
			if err := f.Process(ctx, tickAtMs(int64(i)*100, p, "1")); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Process blocked on a full subscriber")
	}

	if got := (<-sub).Price.String(); got != "100" {
		t.Errorf("subscriber got %s, want the first tick", got)
	}
	if len(sub) != 0 {
		t.Errorf("subscriber holds %d more ticks, want overflow dropped", len(sub))
	}
	if got, _ := st.Get(ctx, models.KeyLastPrice); got != "102" {
		t.Errorf("last_btc_price = %q, want 102", got)
	}
}

func TestPriceFeedStopsOnAuthFailure(t *testing.T) {
	stream := &fakeStream{connectErr: apperr.Auth("connect", errors.New("401"))}
	f := newFeed(store.NewMemoryStore(), stream)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := f.Run(ctx)
	if !apperr.Is(err, apperr.KindAuthentication) {
		t.Fatalf("Run = %v, want authentication failure", err)
	}
	if stream.connects != 1 {
		t.Errorf("connects = %d, want 1", stream.connects)
	}
}

func TestPriceFeedReconnectsAfterTransientFailure(t *testing.T) {
	stream := &fakeStream{connectErr: apperr.Transient("connect", errors.New("refused"))}
	f := newFeed(store.NewMemoryStore(), stream)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := f.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v", err)
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.connects < 2 {
		t.Errorf("connects = %d, want reconnect attempts", stream.connects)
	}
	if f.Health().Reconnects < 1 {
		t.Errorf("health reports no reconnects")
	}
}

func TestPriceFeedRunDeliversAndClosesSubscribers(t *testing.T) {
	st := store.NewMemoryStore()
	stream := &fakeStream{raws: []*models.RawTick{
		{TimestampMs: feedT0.UnixMilli(), Price: "100", Volume: "1"},
		{TimestampMs: feedT0.UnixMilli() + 10, Price: "abc", Volume: "1"},
		{TimestampMs: feedT0.UnixMilli() + 20, Price: "101", Volume: "1"},
	}}
	f := newFeed(st, stream)
	sub := f.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	var got []string
	for len(got) < 2 {
		select {
		case tk := <-sub:
			got = append(got, tk.Price.String())
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if _, ok := <-sub; ok {
		t.Errorf("subscriber channel left open")
	}
	if got[0] != "100" || got[1] != "101" {
		t.Errorf("ticks = %v", got)
	}

	hist, err := store.ListJSON[models.MovementRecord](context.Background(), st, models.KeyMovementHistory, 0, -1)
	if err != nil || len(hist) != 1 {
		t.Errorf("history after shutdown flush = %+v, %v", hist, err)
	}
}
