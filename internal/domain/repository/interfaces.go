package repository

import (
	"context"
	"time"

	"OmegaBTC/internal/domain/models"
)

// MarketStream is a transport delivering raw ticker messages. Read streams
// until the connection fails or ctx is done, then closes both channels.
type MarketStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.RawTick, <-chan error)
	Close() error
	IsConnected() bool
}

// EventPublisher fans detections and decisions out to downstream systems.
type EventPublisher interface {
	PublishTrapEvent(ctx context.Context, e models.TrapEvent) error
	PublishDecision(ctx context.Context, d models.Decision) error
	Close() error
}

// Archive is long-term storage for detections, decisions and candles.
type Archive interface {
	Init(ctx context.Context) error
	StoreTrapEvent(ctx context.Context, e models.TrapEvent) error
	StoreDecision(ctx context.Context, d models.Decision) error
	StoreCandles(ctx context.Context, symbol string, candles []models.Candle) error
	GetLatestNCandles(ctx context.Context, symbol string, n int, tf models.Timeframe) ([]models.Candle, error)
	Health(ctx context.Context) error
	Close() error
}

type Metrics interface {
	RecordTick(source string)
	RecordTickDropped(reason string)
	RecordFeedConnected(connected bool)
	RecordFeedReconnect()
	RecordLastPrice(symbol string, price float64)
	RecordTrapProbability(kind string, probability float64)
	RecordTrapEvent(kind, outcome string)
	RecordQueueDepth(size int64)
	RecordDecision(kind, outcome string)
	RecordExchangeRequest(endpoint string, seconds float64, err error)
	RecordError(kind string)
	RecordLatency(op string, d time.Duration)
}
