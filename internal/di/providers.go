package di

import (
	"context"
	"fmt"
	"strings"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/internal/domain/repository"
	"OmegaBTC/internal/domain/service"
	"OmegaBTC/internal/handler/api"
	mid "OmegaBTC/internal/middleware"
	internalrepo "OmegaBTC/internal/repository"
	"OmegaBTC/internal/service/bitget"
	"OmegaBTC/internal/service/cache"
	"OmegaBTC/internal/service/kafkafeed"
	"OmegaBTC/internal/service/paper"
	"OmegaBTC/internal/service/ratelimit"
	"OmegaBTC/internal/services/candles"
	"OmegaBTC/internal/services/exit"
	"OmegaBTC/internal/services/fibonacci"
	"OmegaBTC/internal/services/trap"
	"OmegaBTC/internal/usecase"
	"OmegaBTC/pkg/apperr"
	pkgch "OmegaBTC/pkg/clickhouse"
	"OmegaBTC/pkg/config"
	xhttp "OmegaBTC/pkg/http"
	pkgkafka "OmegaBTC/pkg/kafka"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/metrics"
	"OmegaBTC/pkg/queue"
	"OmegaBTC/pkg/server"
	"OmegaBTC/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	lgr, err := logger.New(&logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, apperr.Config("logger", err)
	}
	return lgr.With(logger.String("app", cfg.App.Name), logger.String("env", cfg.App.Environment)), nil
}

// ProvideRegistry creates the Prometheus registry scraped on /metrics.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) repository.Metrics {
	return metrics.New(reg)
}

// ProvideStore connects the state store and wraps it in the availability
// guard. memory:// selects the in-process store.
func ProvideStore(cfg *config.Config, lgr *logger.Logger) (*store.Guard, error) {
	opts := []store.Option{
		store.WithPrefix(cfg.Store.Prefix),
		store.WithPool(cfg.Store.PoolSize, 1, cfg.Store.DialTimeout),
		store.WithDialTimeout(cfg.Store.DialTimeout),
		store.WithWatchInterval(cfg.Store.WatchInterval),
	}
	var inner store.Store
	if strings.HasPrefix(cfg.Store.URL, "memory://") {
		inner = store.NewMemoryStore(opts...)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.DialTimeout)
		defer cancel()
		rs, err := store.NewRedisStore(ctx, cfg.Store.URL, opts...)
		if err != nil {
			return nil, err
		}
		inner = rs
	}
	return store.NewGuard(inner, lgr, store.GuardConfig{
		Attempts:  cfg.Store.RetryAttempts,
		BaseDelay: cfg.Store.RetryBase,
		Grace:     cfg.Store.Grace,
	}), nil
}

// ProvideKafkaProducer creates the Kafka producer, or nil when no brokers
// are configured.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry) (*pkgkafka.Producer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithClientID(cfg.App.Name),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithBatch(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithWriteTimeout(cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithProducerRegisterer(reg),
	)
	if err != nil {
		return nil, apperr.Config("kafka.producer", err)
	}
	return producer, nil
}

// ProvidePublisher fans events out to Kafka when a producer exists.
func ProvidePublisher(producer *pkgkafka.Producer, cfg *config.Config) repository.EventPublisher {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaPublisher(producer, cfg.Kafka.EventsTopic)
}

// ProvideArchive connects ClickHouse and creates the archive schema, or
// returns nil when archiving is disabled.
func ProvideArchive(cfg *config.Config, lgr *logger.Logger) (repository.Archive, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, false),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	archive := internalrepo.NewCHArchive(client.DB(), cfg.ClickHouse.Database, lgr)
	if err := archive.Init(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return archive, nil
}

// ProvideMarketStream selects the tick source: the BitGet websocket or a
// Kafka topic.
func ProvideMarketStream(cfg *config.Config, reg *prometheus.Registry, lgr *logger.Logger) repository.MarketStream {
	if cfg.Feed.Source == "kafka" {
		newConsumer := func() (kafkafeed.Consumer, error) {
			c, err := pkgkafka.NewConsumer(lgr,
				pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
				pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
				pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
				pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
				pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
				pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
				pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
				pkgkafka.WithConsumerRegisterer(reg),
			)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		return kafkafeed.NewStream(cfg.Feed.Topic, cfg.App.Symbol, newConsumer, lgr)
	}
	return bitget.NewStream(bitget.StreamConfig{
		URL:            cfg.Feed.URL,
		InstID:         bitget.InstID(cfg.App.Symbol),
		PingInterval:   cfg.Feed.PingInterval,
		MaxMissedPongs: cfg.Feed.MaxMissedPongs,
		IdleTimeout:    cfg.Feed.IdleTimeout,
	}, lgr)
}

// ProvideExchange creates the exchange adapter: BitGet or the paper book.
func ProvideExchange(cfg *config.Config, st *store.Guard, m repository.Metrics, lgr *logger.Logger) (service.ExchangeAdapter, error) {
	if cfg.Exchange.Kind == "paper" {
		balance, err := decimal.NewFromString(cfg.Exchange.PaperBalance)
		if err != nil {
			return nil, apperr.Config("exchange.paper_balance", err)
		}
		return paper.NewExchange(st, lgr, paper.WithBalance(balance), paper.WithLeverage(cfg.Exchange.PaperLeverage)), nil
	}
	burst := func(rate float64) int {
		if rate < 1 {
			return 1
		}
		return int(rate)
	}
	return bitget.NewClient(bitget.Config{
		BaseURL:        cfg.Exchange.BaseURL,
		APIKey:         cfg.Exchange.APIKey,
		Secret:         cfg.Exchange.APISecret,
		Passphrase:     cfg.Exchange.Passphrase,
		SubAccount:     cfg.Exchange.SubAccount,
		Symbol:         cfg.App.Symbol,
		Testnet:        cfg.Exchange.Testnet,
		MarginCoin:     cfg.Exchange.MarginCoin,
		Timeout:        cfg.Exchange.Timeout,
		RateLimit:      ratelimit.Rule{Rate: cfg.Exchange.RateLimit, Burst: burst(cfg.Exchange.RateLimit)},
		OrderRateLimit: ratelimit.Rule{Rate: cfg.Exchange.OrderRateLimit, Burst: burst(cfg.Exchange.OrderRateLimit)},
	}, m, lgr), nil
}

// ProvideTrapQueue creates the sorted-set trap queue with its fan-out.
func ProvideTrapQueue(cfg *config.Config, st *store.Guard, m repository.Metrics, lgr *logger.Logger, pub repository.EventPublisher, archive repository.Archive) *usecase.TrapQueue {
	q := queue.NewSortedQueue(lgr, st, &queue.Config{
		Key:           cfg.Queue.Key,
		MaxSize:       cfg.Queue.MaxSize,
		HighWatermark: cfg.Queue.HighWatermark,
		BatchSize:     cfg.Queue.BatchSize,
		PollInterval:  cfg.Queue.PollInterval,
		RetryLimit:    cfg.Queue.RetryLimit,
	})
	tq := usecase.NewTrapQueue(q, m, lgr)
	if pub != nil {
		tq.SetPublisher(pub)
	}
	if archive != nil {
		tq.SetArchive(archive)
	}
	return tq
}

func timeframes(cfg *config.Config) []models.Timeframe {
	if len(cfg.Fibonacci.Timeframes) == 0 {
		return models.AllTimeframes
	}
	out := make([]models.Timeframe, 0, len(cfg.Fibonacci.Timeframes))
	for _, tf := range cfg.Fibonacci.Timeframes {
		out = append(out, models.Timeframe(tf))
	}
	return out
}

// ProvideFibonacci creates the level engine and its persistence.
func ProvideFibonacci(cfg *config.Config, st *store.Guard, m repository.Metrics, lgr *logger.Logger, archive repository.Archive) *usecase.FibonacciService {
	engine := fibonacci.NewEngine(timeframes(cfg), cfg.Fibonacci.Lookback)
	svc := usecase.NewFibonacciService(usecase.FibonacciConfig{
		Symbol:  cfg.App.Symbol,
		Primary: models.Timeframe(cfg.Fibonacci.Primary),
	}, engine, st, m, lgr)
	if archive != nil {
		svc.SetArchive(archive)
	}
	return svc
}

// ProvidePriceFeed creates the price feed. The Fibonacci service observes
// every accepted tick.
func ProvidePriceFeed(cfg *config.Config, stream repository.MarketStream, st *store.Guard, m repository.Metrics, lgr *logger.Logger, fib *usecase.FibonacciService, archive repository.Archive) *usecase.PriceFeed {
	feed := usecase.NewPriceFeed(usecase.PriceFeedConfig{
		Symbol:        cfg.App.Symbol,
		Source:        cfg.Feed.Source,
		ReconnectBase: cfg.Feed.ReconnectBase,
		ReconnectMax:  cfg.Feed.ReconnectMax,
		CandleHistory: int64(cfg.Fibonacci.Lookback),
		SubscriberBuf: cfg.Feed.SubscriberBuffer,
	}, stream, st, candles.NewAggregator(models.AllTimeframes), m, lgr,
		mid.WithBufferSize(cfg.Feed.SubscriberBuffer),
		mid.WithMaxRPS(cfg.Feed.MaxRPS),
	)
	feed.SetGate(st)
	feed.Observe(fib)
	if archive != nil {
		feed.SetArchive(archive)
	}
	return feed
}

// ProvideTrapDetector creates the scorer and detector.
func ProvideTrapDetector(cfg *config.Config, st *store.Guard, tq *usecase.TrapQueue, fib *usecase.FibonacciService, adapter service.ExchangeAdapter, m repository.Metrics, lgr *logger.Logger) (*usecase.TrapDetector, error) {
	p := trap.DefaultParams()
	w := cfg.Detector.Weights
	p.Weights = trap.Weights{
		PricePattern:       w.PricePattern,
		VolumeSpike:        w.VolumeSpike,
		FibonacciProximity: w.FibonacciProximity,
		OrderBookImbalance: w.OrderBookImbalance,
		MarketRegime:       w.MarketRegime,
		HistoricalMatch:    w.HistoricalMatch,
	}
	p.NeutralCap = cfg.Detector.NeutralCap
	p.ConfidenceThreshold = cfg.Detector.ConfidenceThreshold
	scorer, err := trap.NewScorer(p)
	if err != nil {
		return nil, apperr.Config("detector.params", err)
	}

	det := usecase.NewTrapDetector(usecase.DetectorConfig{
		Symbol:            cfg.App.Symbol,
		Timeframe:         models.Timeframe(cfg.Detector.Timeframe),
		Window:            cfg.Detector.Window,
		Cooldown:          cfg.Detector.Cooldown,
		EnqueueThreshold:  cfg.Detector.EnqueueThreshold,
		HighConfidence:    cfg.Detector.HighConfidence,
		Version:           cfg.Detector.Version,
		OrderBookInterval: cfg.Detector.OrderBookInterval,
	}, scorer, tq, st, fib, m, lgr)
	det.SetGate(st)
	if cfg.Detector.OrderBook {
		if book, ok := adapter.(service.OrderBookSource); ok {
			det.SetOrderBook(book)
		} else {
			lgr.Warn("order book component enabled but the exchange has no depth source")
		}
	}
	return det, nil
}

// ProvideExitExecutor creates the exit strategy runner.
func ProvideExitExecutor(cfg *config.Config, adapter service.ExchangeAdapter, st *store.Guard, m repository.Metrics, lgr *logger.Logger, pub repository.EventPublisher, archive repository.Archive) (*usecase.ExitExecutor, error) {
	step, err := decimal.NewFromString(cfg.Exit.SizeStep)
	if err != nil {
		return nil, apperr.Config("exit.size_step", err)
	}
	x := usecase.NewExitExecutor(usecase.ExitConfig{
		RetryBase:    cfg.Exit.RetryBase,
		Retries:      cfg.Exit.Retries,
		Budget:       cfg.Exit.Budget,
		CallTimeout:  cfg.Exit.CallTimeout,
		DecisionTTL:  cfg.Exit.DecisionTTL,
		SizeStep:     step,
		PollInterval: cfg.Exit.PollInterval,
	}, exit.NewStrategy(exit.Params{ExitThreshold: cfg.Exit.Threshold, TrailK: cfg.Exit.TrailK}), adapter, st, m, lgr)
	x.SetGate(st)
	if pub != nil {
		x.SetPublisher(pub)
	}
	if archive != nil {
		x.SetArchive(archive)
	}
	return x, nil
}

// ProvideTrapConsumer drains the trap queue into the exit executor.
func ProvideTrapConsumer(cfg *config.Config, tq *usecase.TrapQueue, x *usecase.ExitExecutor, m repository.Metrics, lgr *logger.Logger) *usecase.TrapConsumer {
	return usecase.NewTrapConsumer(tq, x, cache.NewLRU(cfg.Queue.DedupSize, 0), m, lgr)
}

// ProvidePositionReconciler mirrors the exchange position into the store.
func ProvidePositionReconciler(cfg *config.Config, adapter service.ExchangeAdapter, st *store.Guard, m repository.Metrics, lgr *logger.Logger) *usecase.PositionReconciler {
	r := usecase.NewPositionReconciler(cfg.App.Symbol, cfg.Exit.ReconcileInterval, adapter, st, m, lgr)
	r.SetGate(st)
	return r
}

// ProvideTelemetry creates the API read model.
func ProvideTelemetry(cfg *config.Config, st *store.Guard, tq *usecase.TrapQueue) *usecase.Telemetry {
	return usecase.NewTelemetry(st, tq, models.Timeframe(cfg.Fibonacci.Primary))
}

// ProvideTelemetrySink mirrors shared keys into metrics.
func ProvideTelemetrySink(cfg *config.Config, st *store.Guard, m repository.Metrics, lgr *logger.Logger) *usecase.TelemetrySink {
	return usecase.NewTelemetrySink(st, cfg.App.Symbol, cfg.Coordinator.HealthPeriod, m, lgr)
}

// ProvideApp assembles the coordinator.
func ProvideApp(
	cfg *config.Config,
	lgr *logger.Logger,
	reg *prometheus.Registry,
	st *store.Guard,
	producer *pkgkafka.Producer,
	pub repository.EventPublisher,
	archive repository.Archive,
	adapter service.ExchangeAdapter,
	fib *usecase.FibonacciService,
	feed *usecase.PriceFeed,
	det *usecase.TrapDetector,
	consumer *usecase.TrapConsumer,
	x *usecase.ExitExecutor,
	rec *usecase.PositionReconciler,
	tel *usecase.Telemetry,
	sink *usecase.TelemetrySink,
) *server.App {
	if producer != nil && cfg.Logging.CollectorTopic != "" {
		lgr.AddCollector(&logger.CollectionConfig{
			TimeInterval:   cfg.Logging.FlushInterval,
			CountThreshold: 100,
			Topic:          cfg.Logging.CollectorTopic,
			IncludeWarn:    true,
			Publisher:      producer,
		})
	}

	closers := []server.Closer{
		{Name: "log collector", Close: func() error { lgr.RemoveCollector(); return nil }},
	}
	if pub != nil {
		closers = append(closers, server.Closer{Name: "event publisher", Close: pub.Close})
	}
	if archive != nil {
		closers = append(closers, server.Closer{Name: "archive", Close: archive.Close})
	}
	closers = append(closers, server.Closer{Name: "state store", Close: st.Close})

	app := server.New(server.Config{GracePeriod: cfg.Coordinator.GracePeriod}, server.Components{
		Feed:     feed,
		Ticks:    feed.Subscribe(),
		Detector: det,
		Consumer: consumer,
		Aux:      []server.Runner{x, rec, sink},
		Warmup: func(ctx context.Context) error {
			if !cfg.Fibonacci.WarmStart {
				return nil
			}
			return fib.WarmStart(ctx, cfg.Fibonacci.Lookback)
		},
		Adapter: adapter,
		Guard:   st,
		Closers: closers,
	}, lgr)
	x.SetFatalHandler(app.Fail)
	rec.SetFatalHandler(app.Fail)

	if cfg.Server.Enabled {
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Path
		}
		handler := api.NewTelemetryHandler(lgr, tel, app.Health, nil)
		app.SetHTTPServer(xhttp.NewServer(handler, lgr,
			xhttp.WithPort(cfg.Server.Port),
			xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
			xhttp.WithMetrics(reg, reg, metricsPath),
		))
	}
	return app
}
