package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"OmegaBTC/pkg/apperr"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		Name        string `yaml:"name" default:"omega-btc"`
		Environment string `yaml:"environment" default:"development" validate:"oneof=development staging production"`
		Symbol      string `yaml:"symbol" default:"BTCUSDT_UMCBL" validate:"required"`
	} `yaml:"app"`

	Server struct {
		Enabled         bool          `yaml:"enabled" default:"true"`
		Port            int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"5s"`
	} `yaml:"server"`

	Logging struct {
		Level          string        `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format         string        `yaml:"format" default:"json" validate:"oneof=json console"`
		Output         string        `yaml:"output" default:"stdout"`
		CollectorTopic string        `yaml:"collector_topic"`
		FlushInterval  time.Duration `yaml:"flush_interval" default:"30s"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`

	Store struct {
		URL           string        `yaml:"url" default:"memory://"`
		Prefix        string        `yaml:"prefix"`
		PoolSize      int           `yaml:"pool_size" default:"10" validate:"min=1"`
		DialTimeout   time.Duration `yaml:"dial_timeout" default:"5s"`
		WatchInterval time.Duration `yaml:"watch_interval" default:"500ms"`
		RetryAttempts int           `yaml:"retry_attempts" default:"3" validate:"min=1"`
		RetryBase     time.Duration `yaml:"retry_base" default:"50ms"`
		Grace         time.Duration `yaml:"grace" default:"30s"`
	} `yaml:"store"`

	Feed struct {
		Source           string        `yaml:"source" default:"bitget" validate:"oneof=bitget kafka"`
		URL              string        `yaml:"url"`
		Topic            string        `yaml:"topic" default:"btc.ticks"`
		PingInterval     time.Duration `yaml:"ping_interval" default:"15s"`
		MaxMissedPongs   int           `yaml:"max_missed_pongs" default:"3" validate:"min=1"`
		IdleTimeout      time.Duration `yaml:"idle_timeout" default:"30s"`
		ReconnectBase    time.Duration `yaml:"reconnect_base" default:"1s"`
		ReconnectMax     time.Duration `yaml:"reconnect_max" default:"60s"`
		SubscriberBuffer int           `yaml:"subscriber_buffer" default:"1024" validate:"min=1"`
		MaxRPS           int           `yaml:"max_rps" default:"0" validate:"min=0"`
	} `yaml:"feed"`

	Fibonacci struct {
		Lookback   int      `yaml:"lookback" default:"200" validate:"min=2"`
		Timeframes []string `yaml:"timeframes" validate:"dive,oneof=1m 5m 15m 30m 60m 240m"`
		Primary    string   `yaml:"primary" default:"1m" validate:"oneof=1m 5m 15m 30m 60m 240m"`
		WarmStart  bool     `yaml:"warm_start" default:"true"`
	} `yaml:"fibonacci"`

	Detector struct {
		Version             int           `yaml:"version" default:"1" validate:"min=1"`
		Timeframe           string        `yaml:"timeframe" default:"1m" validate:"oneof=1m 5m 15m 30m 60m 240m"`
		Window              int           `yaml:"window" default:"300" validate:"min=10"`
		Cooldown            time.Duration `yaml:"cooldown" default:"30s"`
		ConfidenceThreshold float64       `yaml:"confidence_threshold" default:"0.6" validate:"gt=0,lte=1"`
		HighConfidence      float64       `yaml:"high_confidence" default:"0.8" validate:"gt=0,lte=1"`
		EnqueueThreshold    float64       `yaml:"enqueue_threshold" default:"0.7" validate:"gt=0,lte=1"`
		NeutralCap          float64       `yaml:"neutral_cap" default:"0.3" validate:"gte=0,lt=1"`
		OrderBook           bool          `yaml:"order_book"`
		OrderBookInterval   time.Duration `yaml:"order_book_interval" default:"5s"`
		Weights             Weights       `yaml:"weights"`
	} `yaml:"detector"`

	Queue struct {
		Key           string        `yaml:"key" default:"mm_trap_queue:zset"`
		MaxSize       int64         `yaml:"max_size" default:"500000" validate:"min=1"`
		HighWatermark float64       `yaml:"high_watermark" default:"0.8" validate:"gt=0,lte=1"`
		BatchSize     int           `yaml:"batch_size" default:"50" validate:"min=1"`
		PollInterval  time.Duration `yaml:"poll_interval" default:"500ms"`
		RetryLimit    int           `yaml:"retry_limit" default:"5" validate:"min=1"`
		DedupSize     int           `yaml:"dedup_size" default:"100000" validate:"min=1"`
	} `yaml:"queue"`

	Exit struct {
		Threshold         float64       `yaml:"threshold" default:"0.75" validate:"gt=0,lte=1"`
		TrailK            float64       `yaml:"trail_k" default:"0.5" validate:"gt=0"`
		Retries           int           `yaml:"retries" default:"3" validate:"min=0"`
		RetryBase         time.Duration `yaml:"retry_base" default:"1s"`
		Budget            time.Duration `yaml:"budget" default:"20s"`
		CallTimeout       time.Duration `yaml:"call_timeout" default:"10s"`
		DecisionTTL       time.Duration `yaml:"decision_ttl" default:"24h"`
		SizeStep          string        `yaml:"size_step" default:"0.001" validate:"numeric"`
		PollInterval      time.Duration `yaml:"poll_interval" default:"5s"`
		ReconcileInterval time.Duration `yaml:"reconcile_interval" default:"5s"`
	} `yaml:"exit"`

	Exchange struct {
		Kind           string        `yaml:"kind" default:"bitget" validate:"oneof=bitget paper"`
		BaseURL        string        `yaml:"base_url"`
		APIKey         string        `yaml:"api_key"`
		APISecret      string        `yaml:"api_secret"`
		Passphrase     string        `yaml:"passphrase"`
		SubAccount     string        `yaml:"sub_account"`
		Testnet        bool          `yaml:"testnet"`
		MarginCoin     string        `yaml:"margin_coin" default:"USDT"`
		Timeout        time.Duration `yaml:"timeout" default:"10s"`
		RateLimit      float64       `yaml:"rate_limit" default:"10" validate:"gt=0"`
		OrderRateLimit float64       `yaml:"order_rate_limit" default:"5" validate:"gt=0"`
		PaperBalance   string        `yaml:"paper_balance" default:"10000" validate:"numeric"`
		PaperLeverage  int           `yaml:"paper_leverage" default:"10" validate:"min=1,max=125"`
	} `yaml:"exchange"`

	Coordinator struct {
		GracePeriod  time.Duration `yaml:"grace_period" default:"10s"`
		HealthPeriod time.Duration `yaml:"health_period" default:"5s"`
	} `yaml:"coordinator"`

	Kafka struct {
		Brokers     []string `yaml:"brokers"`
		EventsTopic string   `yaml:"events_topic" default:"omega.events"`
		Compression string   `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
		Producer    struct {
			BatchSize    int           `yaml:"batch_size" default:"100" validate:"min=1"`
			BatchTimeout time.Duration `yaml:"batch_timeout" default:"50ms"`
			MaxAttempts  int           `yaml:"max_attempts" default:"5" validate:"min=1"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		} `yaml:"producer"`
		Consumer    struct {
			GroupID    string        `yaml:"group_id" default:"omega-feed"`
			Workers    int           `yaml:"workers" default:"1" validate:"min=1"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1" validate:"min=1"`
			MaxBytes   int           `yaml:"max_bytes" default:"1048576" validate:"gtefield=MinBytes"`
			BufferSize int           `yaml:"buffer_size" default:"256" validate:"min=1"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`

	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" validate:"required_if=Enabled true"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"omega"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert" default:"true"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`
}

// Weights of the detector components. They must sum to 1.
type Weights struct {
	PricePattern       float64 `yaml:"price_pattern" default:"0.4" validate:"gte=0,lte=1"`
	VolumeSpike        float64 `yaml:"volume_spike" default:"0.15" validate:"gte=0,lte=1"`
	FibonacciProximity float64 `yaml:"fibonacci_proximity" default:"0.1" validate:"gte=0,lte=1"`
	OrderBookImbalance float64 `yaml:"order_book_imbalance" default:"0.05" validate:"gte=0,lte=1"`
	MarketRegime       float64 `yaml:"market_regime" default:"0.1" validate:"gte=0,lte=1"`
	HistoricalMatch    float64 `yaml:"historical_match" default:"0.2" validate:"gte=0,lte=1"`
}

func (w Weights) Sum() float64 {
	return w.PricePattern + w.VolumeSpike + w.FibonacciProximity +
		w.OrderBookImbalance + w.MarketRegime + w.HistoricalMatch
}

// Load builds the configuration: struct defaults, then the YAML file at
// path (optional), then .env and process environment overrides. Every
// failure is a configuration error.
func Load(path string) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, apperr.Config("config.defaults", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, apperr.Config("config.read", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
			return nil, apperr.Config("config.parse", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Config("config.dotenv", err)
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, apperr.Config("config.env", err)
	}
	if err := c.Validate(); err != nil {
		return nil, apperr.Config("config.validate", err)
	}
	return &c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("EXCHANGE_API_KEY", &c.Exchange.APIKey)
	str("EXCHANGE_API_SECRET", &c.Exchange.APISecret)
	str("EXCHANGE_PASSPHRASE", &c.Exchange.Passphrase)
	str("SUB_ACCOUNT", &c.Exchange.SubAccount)
	str("STATESTORE_URL", &c.Store.URL)
	str("LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("USE_TESTNET"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("USE_TESTNET: %w", err)
		}
		c.Exchange.Testnet = b
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("SERVER_PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT: %w", err)
		}
		c.Server.Port = p
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validate = validator.New()

// Validate runs tag validation and the cross-field checks tags cannot
// express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if s := c.Detector.Weights.Sum(); math.Abs(s-1) > 1e-6 {
		return fmt.Errorf("detector.weights must sum to 1, got %.6f", s)
	}
	if c.Detector.HighConfidence < c.Detector.ConfidenceThreshold {
		return fmt.Errorf("detector.high_confidence %.2f below confidence_threshold %.2f",
			c.Detector.HighConfidence, c.Detector.ConfidenceThreshold)
	}
	if c.Feed.ReconnectMax < c.Feed.ReconnectBase {
		return fmt.Errorf("feed.reconnect_max %s below reconnect_base %s", c.Feed.ReconnectMax, c.Feed.ReconnectBase)
	}
	if c.Feed.Source == "kafka" && len(c.Kafka.Brokers) == 0 {
		return errors.New("feed.source kafka requires kafka.brokers")
	}
	if c.Exchange.Kind == "bitget" {
		var missing []string
		for name, v := range map[string]string{
			"EXCHANGE_API_KEY":    c.Exchange.APIKey,
			"EXCHANGE_API_SECRET": c.Exchange.APISecret,
			"EXCHANGE_PASSPHRASE": c.Exchange.Passphrase,
		} {
			if strings.TrimSpace(v) == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("exchange credentials missing: %s", strings.Join(missing, ", "))
		}
	}
	return nil
}
