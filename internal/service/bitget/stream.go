package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"OmegaBTC/internal/domain/models"
	drepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	PublicStreamURL = "wss://ws.bitget.com/mix/v1/stream"
	pingFrame       = "ping"
	pongFrame       = "pong"
)

type StreamConfig struct {
	URL              string
	InstType         string
	InstID           string
	PingInterval     time.Duration
	MaxMissedPongs   int
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = PublicStreamURL
	}
	if c.InstType == "" {
		c.InstType = "mc"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = 3
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Stream implements a MarketStream over the BitGet public ticker channel.
// It also accepts the plain {timestamp_ms, price, volume} frame shape.
type Stream struct {
	cfg    StreamConfig
	logger *logger.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	missed    atomic.Int32

	prevBase decimal.Decimal
	hasBase  bool
}

func NewStream(cfg StreamConfig, lgr *logger.Logger) *Stream {
	cfg.applyDefaults()
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &Stream{cfg: cfg, logger: lgr.Component("bitget_stream")}
}

// Connect dials the stream. A handshake rejected with 401/403 is an
// authentication failure and any other 4xx except 408 and 429 is a
// configuration failure; both are fatal. Everything else is transient.
func (s *Stream) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return handshakeError(resp.StatusCode, err)
		}
		return apperr.Transient("bitget.ws.connect", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.hasBase = false
	s.mu.Unlock()
	s.missed.Store(0)
	s.connected.Store(true)
	s.logger.Info("connected", logger.String("url", s.cfg.URL))
	return nil
}

func handshakeError(status int, err error) error {
	const op = "bitget.ws.connect"
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Auth(op, fmt.Errorf("handshake status %d", status))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return apperr.Transient(op, fmt.Errorf("handshake status %d: %w", status, err))
	case status >= 400 && status < 500:
		return apperr.Config(op, fmt.Errorf("handshake rejected with status %d", status))
	}
	return apperr.Transient(op, err)
}

type subArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type subRequest struct {
	Op   string   `json:"op"`
	Args []subArg `json:"args"`
}

// Subscribe requests the ticker channel for the configured instrument.
func (s *Stream) Subscribe(ctx context.Context) error {
	if !s.connected.Load() {
		return apperr.Transient("bitget.ws.subscribe", errors.New("not connected"))
	}
	req := subRequest{Op: "subscribe", Args: []subArg{{InstType: s.cfg.InstType, Channel: "ticker", InstID: s.cfg.InstID}}}
	if err := s.write(func(c *websocket.Conn) error { return c.WriteJSON(req) }); err != nil {
		return apperr.Transient("bitget.ws.subscribe", err)
	}
	s.logger.Info("subscribed", logger.String("inst_id", s.cfg.InstID))
	return nil
}

func (s *Stream) write(fn func(*websocket.Conn) error) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("connection closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return fn(conn)
}

type tickerData struct {
	InstID     string `json:"instId"`
	Last       string `json:"last"`
	BaseVolume string `json:"baseVolume"`
	SystemTime int64  `json:"systemTime"`
}

type pushFrame struct {
	Event  string          `json:"event"`
	Code   json.Number     `json:"code"`
	Msg    string          `json:"msg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`

	TimestampMs int64  `json:"timestamp_ms"`
	Price       string `json:"price"`
	Volume      string `json:"volume"`
}

// Read streams ticks until the connection fails or ctx is done. Silence
// longer than the idle timeout, or MaxMissedPongs unanswered pings, fail
// the read with a transient error.
func (s *Stream) Read(ctx context.Context) (<-chan *models.RawTick, <-chan error) {
	ticks := make(chan *models.RawTick, 256)
	errs := make(chan error, 1)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	fail := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	if conn == nil {
		fail(apperr.Transient("bitget.ws.read", errors.New("not connected")))
		close(ticks)
		close(errs)
		return ticks, errs
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(2)
	go func() {
		defer hb.Done()
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if int(s.missed.Load()) >= s.cfg.MaxMissedPongs {
					fail(apperr.Transient("bitget.ws.heartbeat", fmt.Errorf("%d pings unanswered", s.missed.Load())))
					_ = conn.Close()
					return
				}
				s.missed.Add(1)
				if err := s.write(func(c *websocket.Conn) error {
					return c.WriteMessage(websocket.TextMessage, []byte(pingFrame))
				}); err != nil {
					fail(apperr.Transient("bitget.ws.ping", err))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	// unblock ReadMessage on cancellation
	go func() {
		defer hb.Done()
		<-hbCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	go func() {
		defer func() {
			stopHB()
			hb.Wait()
			close(errs)
			close(ticks)
		}()
		for {
			if ctx.Err() != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
			_, b, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					fail(apperr.Transient("bitget.ws.read", err))
				}
				return
			}
			s.missed.Store(0)
			if string(b) == pongFrame {
				continue
			}
			raws, err := s.decode(b)
			if err != nil {
				fail(err)
				return
			}
			for _, r := range raws {
				select {
				case ticks <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ticks, errs
}

func (s *Stream) decode(b []byte) ([]*models.RawTick, error) {
	var f pushFrame
	if err := json.Unmarshal(b, &f); err != nil {
		// non-JSON control frames are ignored
		return nil, nil
	}
	switch {
	case f.Event == "error":
		code, _ := f.Code.Int64()
		if code >= 30000 && code < 30020 {
			return nil, apperr.Auth("bitget.ws", fmt.Errorf("code %d: %s", code, f.Msg))
		}
		return nil, apperr.Transient("bitget.ws", fmt.Errorf("code %d: %s", code, f.Msg))
	case f.Event != "":
		return nil, nil
	case f.TimestampMs > 0:
		return []*models.RawTick{{TimestampMs: f.TimestampMs, Price: f.Price, Volume: f.Volume, Source: "bitget"}}, nil
	case len(f.Data) == 0:
		return nil, nil
	}

	var data []tickerData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		// malformed payloads surface as invalid ticks downstream
		return []*models.RawTick{{Source: "bitget"}}, nil
	}
	out := make([]*models.RawTick, 0, len(data))
	for _, d := range data {
		out = append(out, &models.RawTick{
			TimestampMs: d.SystemTime,
			Price:       d.Last,
			Volume:      s.volumeDelta(d.BaseVolume),
			Source:      "bitget",
		})
	}
	return out, nil
}

// volumeDelta turns the rolling 24h base volume into per-tick volume. The
// first frame and window resets report zero.
func (s *Stream) volumeDelta(raw string) string {
	base, err := decimal.NewFromString(raw)
	if err != nil {
		return "0"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.prevBase, s.hasBase
	s.prevBase, s.hasBase = base, true
	if !had || base.LessThan(prev) {
		return "0"
	}
	return base.Sub(prev).String()
}

// Close closes the connection.
func (s *Stream) Close() error {
	s.connected.Store(false)
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

func (s *Stream) IsConnected() bool { return s.connected.Load() }

// InstID maps a mix symbol (BTCUSDT_UMCBL) to the stream instrument id.
func InstID(symbol string) string {
	if i := strings.IndexByte(symbol, '_'); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

var _ drepo.MarketStream = (*Stream)(nil)
