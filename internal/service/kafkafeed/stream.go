package kafkafeed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"OmegaBTC/internal/domain/models"
	drepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/pkg/apperr"
	pkgkafka "OmegaBTC/pkg/kafka"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/util"
)

// Consumer is the part of pkg/kafka.Consumer the stream drives.
type Consumer interface {
	RegisterHandler(h pkgkafka.MessageHandler) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type sink struct {
	mu    sync.RWMutex
	once  sync.Once
	ticks chan *models.RawTick
	errs  chan error
	done  chan struct{}
}

// release stops deliveries, waits for in-flight sends and closes the
// channels. Safe to call more than once.
func (sk *sink) release() {
	sk.once.Do(func() {
		close(sk.done)
		sk.mu.Lock()
		close(sk.ticks)
		close(sk.errs)
		sk.mu.Unlock()
	})
}

// Stream is a MarketStream fed by a Kafka topic. Each message is either
// the canonical {timestamp_ms, price, volume} frame or the collector
// frame {symbol, t, c, v} with t in seconds or milliseconds.
type Stream struct {
	topic       string
	symbol      string
	newConsumer func() (Consumer, error)
	logger      *logger.Logger

	mu       sync.Mutex
	consumer Consumer
	cur      atomic.Pointer[sink]

	connected atomic.Bool
}

func NewStream(topic, symbol string, newConsumer func() (Consumer, error), lgr *logger.Logger) *Stream {
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &Stream{topic: topic, symbol: symbol, newConsumer: newConsumer, logger: lgr.Component("kafka_feed")}
}

func (s *Stream) Topic() string { return s.topic }

func (s *Stream) Connect(context.Context) error {
	c, err := s.newConsumer()
	if err != nil {
		return apperr.Config("kafka_feed.connect", err)
	}
	if err := c.RegisterHandler(s); err != nil {
		return apperr.Config("kafka_feed.connect", err)
	}
	s.mu.Lock()
	s.consumer = c
	s.mu.Unlock()
	return nil
}

func (s *Stream) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	c := s.consumer
	s.mu.Unlock()
	if c == nil {
		return apperr.Transient("kafka_feed.subscribe", errors.New("not connected"))
	}
	// the consumer outlives the subscribe call
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		return apperr.Transient("kafka_feed.subscribe", err)
	}
	s.connected.Store(true)
	s.logger.Info("subscribed", logger.String("topic", s.topic))
	return nil
}

// Read installs a fresh delivery sink, closed when ctx is done or the
// stream is closed.
func (s *Stream) Read(ctx context.Context) (<-chan *models.RawTick, <-chan error) {
	sk := &sink{ticks: make(chan *models.RawTick, 256), errs: make(chan error, 1), done: make(chan struct{})}
	if prev := s.cur.Swap(sk); prev != nil {
		prev.release()
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-sk.done:
		}
		s.cur.CompareAndSwap(sk, nil)
		sk.release()
	}()
	return sk.ticks, sk.errs
}

type frame struct {
	TimestampMs int64           `json:"timestamp_ms"`
	Price       json.RawMessage `json:"price"`
	Volume      json.RawMessage `json:"volume"`

	Symbol string          `json:"symbol"`
	T      int64           `json:"t"`
	C      json.RawMessage `json:"c"`
	V      json.RawMessage `json:"v"`
}

// numeric accepts both "123.4" and 123.4.
func numeric(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}

func decode(b []byte) (*models.RawTick, string) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return &models.RawTick{Source: "kafka"}, ""
	}
	if f.TimestampMs > 0 || len(f.Price) > 0 {
		return &models.RawTick{TimestampMs: f.TimestampMs, Price: numeric(f.Price), Volume: numeric(f.Volume), Source: "kafka"}, f.Symbol
	}
	var ts int64
	if f.T > 0 {
		ts = util.FromUnixAuto(f.T).UnixMilli()
	}
	vol := numeric(f.V)
	if vol == "" {
		vol = "0"
	}
	return &models.RawTick{TimestampMs: ts, Price: numeric(f.C), Volume: vol, Source: "kafka"}, f.Symbol
}

// Handle delivers one Kafka message into the active sink.
func (s *Stream) Handle(ctx context.Context, b []byte) error {
	raw, symbol := decode(b)
	if symbol != "" && s.symbol != "" && !sameSymbol(symbol, s.symbol) {
		return nil
	}
	sk := s.cur.Load()
	if sk == nil {
		return apperr.Transient("kafka_feed.handle", errors.New("no active reader"))
	}
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	select {
	case <-sk.done:
		return apperr.Transient("kafka_feed.handle", errors.New("reader closed"))
	default:
	}
	select {
	case sk.ticks <- raw:
		return nil
	case <-sk.done:
		return apperr.Transient("kafka_feed.handle", errors.New("reader closed"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sameSymbol(a, b string) bool {
	norm := func(s string) string {
		s = strings.ToUpper(s)
		if i := strings.IndexByte(s, '_'); i >= 0 {
			s = s[:i]
		}
		return strings.NewReplacer(":", "", "-", "", "/", "").Replace(s)
	}
	return norm(a) == norm(b)
}

func (s *Stream) Close() error {
	s.connected.Store(false)
	if sk := s.cur.Swap(nil); sk != nil {
		sk.release()
	}
	s.mu.Lock()
	c := s.consumer
	s.consumer = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Stop(context.Background())
}

func (s *Stream) IsConnected() bool { return s.connected.Load() }

var (
	_ drepo.MarketStream      = (*Stream)(nil)
	_ pkgkafka.MessageHandler = (*Stream)(nil)
)
