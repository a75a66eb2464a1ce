package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"OmegaBTC/internal/domain/models"
	drepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/internal/domain/service"
	"OmegaBTC/internal/service/ratelimit"
	"OmegaBTC/pkg/apperr"
	xhttp "OmegaBTC/pkg/http"
	"OmegaBTC/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	BaseURL     = "https://api.bitget.com"
	successCode = "00000"

	pathPosition = "/api/mix/v1/position/singlePosition-v2"
	pathAccount  = "/api/mix/v1/account/account"
	pathOrder    = "/api/mix/v1/order/placeOrder"
	pathDetail   = "/api/mix/v1/order/detail"
	pathTPSL     = "/api/mix/v1/plan/placePositionsTPSL"
	pathDepth    = "/api/mix/v1/market/depth"
	pathTime     = "/api/spot/v1/public/time"
)

type Config struct {
	BaseURL    string
	APIKey     string
	Secret     string
	Passphrase string
	SubAccount string
	Symbol     string
	// Testnet routes orders to the demo trading environment.
	Testnet    bool
	MarginCoin string
	Timeout    time.Duration
	RateLimit  ratelimit.Rule
	// OrderRateLimit applies to order and plan endpoints.
	OrderRateLimit ratelimit.Rule
}

// Client is the BitGet USDT-M futures ExchangeAdapter.
type Client struct {
	cfg     Config
	http    *xhttp.Client
	limiter *ratelimit.Limiter
	metrics drepo.Metrics
	logger  *logger.Logger
	now     func() time.Time
	offset  atomic.Int64 // server minus local clock, ms
}

func NewClient(cfg Config, metrics drepo.Metrics, lgr *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MarginCoin == "" {
		cfg.MarginCoin = "USDT"
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT_UMCBL"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit.Rate <= 0 {
		cfg.RateLimit = ratelimit.Rule{Rate: 10, Burst: 10}
	}
	if cfg.OrderRateLimit.Rate <= 0 {
		cfg.OrderRateLimit = ratelimit.Rule{Rate: 5, Burst: 5}
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: xhttp.NewClient(xhttp.WithTimeout(cfg.Timeout)),
		limiter: ratelimit.New(cfg.RateLimit, map[string]ratelimit.Rule{
			pathOrder: cfg.OrderRateLimit,
			pathTPSL:  cfg.OrderRateLimit,
		}),
		metrics: metrics,
		logger:  lgr.Component("bitget"),
		now:     time.Now,
	}
}

// Sign returns base64(hmac_sha256(secret, timestamp+METHOD+path[?query]+body)).
func Sign(secret, timestamp, method, path, query, body string) string {
	prehash := timestamp + strings.ToUpper(method) + path
	if query != "" {
		prehash += "?" + query
	}
	prehash += body
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prehash))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// authCodes are envelope codes for credential, signature and timestamp
// failures.
var authCodes = map[string]bool{
	"40001": true, "40002": true, "40003": true, "40004": true, "40005": true,
	"40006": true, "40008": true, "40009": true, "40011": true, "40012": true,
	"40014": true, "40037": true,
}

// do sends a signed request. An authentication failure triggers one clock
// offset refresh and a single retry.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	op := "bitget " + method + " " + path
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Rejected(op, fmt.Errorf("marshal body: %w", err))
		}
		payload = b
	}
	q := ""
	if len(query) > 0 {
		q = query.Encode()
	}

	err := c.send(ctx, op, method, path, q, payload, true, out)
	if apperr.Is(err, apperr.KindAuthentication) {
		if rerr := c.RefreshClock(ctx); rerr == nil {
			err = c.send(ctx, op, method, path, q, payload, true, out)
		}
	}
	return err
}

func (c *Client) send(ctx context.Context, op, method, path, query string, payload []byte, signed bool, out interface{}) (err error) {
	if werr := c.limiter.Wait(ctx, path); werr != nil {
		return apperr.Transient(op, werr)
	}
	start := time.Now()
	defer func() { c.metrics.RecordExchangeRequest(path, time.Since(start).Seconds(), err) }()

	target := c.cfg.BaseURL + path
	if query != "" {
		target += "?" + query
	}
	headers := map[string]string{"Content-Type": "application/json", "locale": "en-US"}
	if signed {
		ts := strconv.FormatInt(c.now().UnixMilli()+c.offset.Load(), 10)
		headers["ACCESS-KEY"] = c.cfg.APIKey
		headers["ACCESS-SIGN"] = Sign(c.cfg.Secret, ts, method, path, query, string(payload))
		headers["ACCESS-TIMESTAMP"] = ts
		headers["ACCESS-PASSPHRASE"] = c.cfg.Passphrase
		if c.cfg.SubAccount != "" {
			headers["X-SUB-ACCOUNT"] = c.cfg.SubAccount
		}
	}
	if c.cfg.Testnet {
		headers["paptrading"] = "1"
	}
	opts := &xhttp.RequestOptions{Method: method, URL: target, Headers: headers}
	if payload != nil {
		opts.Body = payload
	}

	resp, err := c.http.SendRequest(ctx, opts)
	if err != nil {
		return apperr.Transient(op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Transient(op, fmt.Errorf("read body: %w", err))
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || env.Code == "429":
		return apperr.RateLimited(op, retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("status %d: %s", resp.StatusCode, env.Msg))
	case resp.StatusCode >= 500:
		return apperr.Transient(op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw)))
	case authCodes[env.Code] || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Auth(op, fmt.Errorf("code %s: %s", env.Code, env.Msg))
	case decodeErr != nil:
		return apperr.Rejected(op, fmt.Errorf("status %d: undecodable body %q", resp.StatusCode, truncate(raw)))
	case env.Code != successCode:
		return apperr.Rejected(op, fmt.Errorf("code %s: %s", env.Code, env.Msg))
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperr.Rejected(op, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// RefreshClock measures the server clock and stores the offset used for
// request timestamps.
func (c *Client) RefreshClock(ctx context.Context) error {
	before := c.now()
	var serverMs json.Number
	if err := c.send(ctx, "bitget time", http.MethodGet, pathTime, "", nil, false, &serverMs); err != nil {
		return err
	}
	ms, err := serverMs.Int64()
	if err != nil {
		return apperr.Transient("bitget time", err)
	}
	after := c.now()
	local := before.UnixMilli() + after.Sub(before).Milliseconds()/2
	c.offset.Store(ms - local)
	c.logger.Info("clock offset refreshed", logger.Int64("offset_ms", ms-local))
	return nil
}

// ClockOffset returns the current server clock offset.
func (c *Client) ClockOffset() time.Duration {
	return time.Duration(c.offset.Load()) * time.Millisecond
}

type positionData struct {
	Symbol           string      `json:"symbol"`
	MarginCoin       string      `json:"marginCoin"`
	HoldSide         string      `json:"holdSide"`
	Total            string      `json:"total"`
	AverageOpenPrice string      `json:"averageOpenPrice"`
	MarketPrice      string      `json:"marketPrice"`
	Leverage         json.Number `json:"leverage"`
	UnrealizedPL     string      `json:"unrealizedPL"`
	CTime            string      `json:"cTime"`
}

// PositionID is symbol:Side, suffixed with the open time when known so a
// re-entered position gets a fresh identity.
func PositionID(symbol string, side models.Side, openedMs int64) string {
	if openedMs > 0 {
		return fmt.Sprintf("%s:%s:%d", symbol, side, openedMs)
	}
	return fmt.Sprintf("%s:%s", symbol, side)
}

// ParsePositionID splits an id built by PositionID.
func ParsePositionID(id string) (string, models.Side, error) {
	parts := strings.Split(id, ":")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("position id %q", id)
	}
	side := models.Side(parts[1])
	if side != models.SideLong && side != models.SideShort {
		return "", "", fmt.Errorf("position id %q: side %q", id, parts[1])
	}
	return parts[0], side, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *Client) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	var data []positionData
	q := url.Values{"symbol": {symbol}, "marginCoin": {c.cfg.MarginCoin}}
	if err := c.do(ctx, http.MethodGet, pathPosition, q, nil, &data); err != nil {
		return nil, err
	}

	out := make([]models.Position, 0, len(data))
	for _, p := range data {
		size := dec(p.Total)
		if !size.IsPositive() {
			continue
		}
		side := models.SideLong
		if strings.EqualFold(p.HoldSide, "short") {
			side = models.SideShort
		}
		opened, _ := strconv.ParseInt(p.CTime, 10, 64)
		lev, _ := p.Leverage.Int64()
		pos := models.Position{
			HasPosition:        true,
			ID:                 PositionID(p.Symbol, side, opened),
			Symbol:             p.Symbol,
			Side:               side,
			EntryPrice:         dec(p.AverageOpenPrice),
			Size:               size,
			Leverage:           int(lev),
			UnrealizedPnLQuote: dec(p.UnrealizedPL),
		}
		if opened > 0 {
			pos.EntryTime = time.UnixMilli(opened).UTC()
		}
		if mark := dec(p.MarketPrice); mark.IsPositive() {
			pos.MarkToMarket(mark)
		}
		out = append(out, pos)
	}
	return out, nil
}

type accountData struct {
	MarginCoin string `json:"marginCoin"`
	Available  string `json:"available"`
	Equity     string `json:"equity"`
}

func (c *Client) GetBalance(ctx context.Context) (models.Balance, error) {
	var data accountData
	q := url.Values{"symbol": {c.cfg.Symbol}, "marginCoin": {c.cfg.MarginCoin}}
	if err := c.do(ctx, http.MethodGet, pathAccount, q, nil, &data); err != nil {
		return models.Balance{}, err
	}
	currency := data.MarginCoin
	if currency == "" {
		currency = c.cfg.MarginCoin
	}
	return models.Balance{Total: dec(data.Equity), Available: dec(data.Available), Currency: currency}, nil
}

type orderRequest struct {
	Symbol     string `json:"symbol"`
	MarginCoin string `json:"marginCoin"`
	Size       string `json:"size"`
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	ClientOid  string `json:"clientOid"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

type orderData struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

// orderSide maps a buy/sell with reduce-only onto the mix open/close sides.
func orderSide(side models.OrderSide, reduceOnly bool) string {
	switch {
	case side == models.OrderBuy && reduceOnly:
		return "close_short"
	case side == models.OrderSell && reduceOnly:
		return "close_long"
	case side == models.OrderBuy:
		return "open_long"
	}
	return "open_short"
}

// PlaceMarketOrder places a market order under clientOID. When the exchange
// rejects an order whose client id it already holds, the existing order is
// looked up and returned as the ack, so a retried call never fills twice.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, size decimal.Decimal, reduceOnly bool, clientOID string) (models.OrderAck, error) {
	if !size.IsPositive() {
		return models.OrderAck{}, apperr.Rejected("bitget order", fmt.Errorf("size %s", size))
	}
	if clientOID == "" {
		clientOID = "omega-" + uuid.NewString()
	}
	req := orderRequest{
		Symbol:     symbol,
		MarginCoin: c.cfg.MarginCoin,
		Size:       size.String(),
		Side:       orderSide(side, reduceOnly),
		OrderType:  "market",
		ClientOid:  clientOID,
		ReduceOnly: reduceOnly,
	}
	var data orderData
	if err := c.do(ctx, http.MethodPost, pathOrder, nil, req, &data); err != nil {
		if !apperr.Is(err, apperr.KindOrderRejected) {
			return models.OrderAck{}, err
		}
		existing, ok := c.orderByClientID(ctx, symbol, clientOID)
		if !ok {
			return models.OrderAck{}, err
		}
		c.logger.Info("order already placed under client id",
			logger.String("client_oid", clientOID),
			logger.String("order_id", existing.OrderID))
		return models.OrderAck{OrderID: existing.OrderID, ClientOrderID: clientOID, Accepted: true, Timestamp: c.now().UTC()}, nil
	}
	c.logger.Info("market order placed",
		logger.String("symbol", symbol),
		logger.String("side", req.Side),
		logger.String("size", req.Size),
		logger.String("order_id", data.OrderID))
	return models.OrderAck{OrderID: data.OrderID, ClientOrderID: req.ClientOid, Accepted: true, Timestamp: c.now().UTC()}, nil
}

// orderByClientID reports the order the exchange holds under clientOID.
func (c *Client) orderByClientID(ctx context.Context, symbol, clientOID string) (orderData, bool) {
	var data orderData
	q := url.Values{"symbol": {symbol}, "clientOid": {clientOID}}
	if err := c.do(ctx, http.MethodGet, pathDetail, q, nil, &data); err != nil {
		c.logger.Debug("order lookup by client id failed", logger.String("client_oid", clientOID), logger.Error(err))
		return orderData{}, false
	}
	return data, data.OrderID != "" && data.ClientOid == clientOID
}

type tpslRequest struct {
	Symbol       string `json:"symbol"`
	MarginCoin   string `json:"marginCoin"`
	PlanType     string `json:"planType"`
	TriggerPrice string `json:"triggerPrice"`
	TriggerType  string `json:"triggerType"`
	HoldSide     string `json:"holdSide"`
}

func (c *Client) placeTPSL(ctx context.Context, positionID, planType string, price decimal.Decimal) (models.OrderAck, error) {
	symbol, side, err := ParsePositionID(positionID)
	if err != nil {
		return models.OrderAck{}, apperr.Rejected("bitget tpsl", err)
	}
	if !price.IsPositive() {
		return models.OrderAck{}, apperr.Rejected("bitget tpsl", fmt.Errorf("trigger price %s", price))
	}
	req := tpslRequest{
		Symbol:       symbol,
		MarginCoin:   c.cfg.MarginCoin,
		PlanType:     planType,
		TriggerPrice: price.String(),
		TriggerType:  "fill_price",
		HoldSide:     strings.ToLower(string(side)),
	}
	var data orderData
	if err := c.do(ctx, http.MethodPost, pathTPSL, nil, req, &data); err != nil {
		return models.OrderAck{}, err
	}
	return models.OrderAck{OrderID: data.OrderID, ClientOrderID: data.ClientOid, Accepted: true, Timestamp: c.now().UTC()}, nil
}

// SetStopLoss replaces the position stop-loss plan.
func (c *Client) SetStopLoss(ctx context.Context, positionID string, price decimal.Decimal) (models.OrderAck, error) {
	return c.placeTPSL(ctx, positionID, "pos_loss", price)
}

// SetTakeProfit replaces the position take-profit plan.
func (c *Client) SetTakeProfit(ctx context.Context, positionID string, price decimal.Decimal) (models.OrderAck, error) {
	return c.placeTPSL(ctx, positionID, "pos_profit", price)
}

// ClosePosition closes size of the position on side with a reduce-only
// market order.
func (c *Client) ClosePosition(ctx context.Context, symbol string, size decimal.Decimal, side models.Side, clientOID string) (models.OrderAck, error) {
	return c.PlaceMarketOrder(ctx, symbol, side.ClosingOrderSide(), size, true, clientOID)
}

type depthData struct {
	Asks [][]json.RawMessage `json:"asks"`
	Bids [][]json.RawMessage `json:"bids"`
}

func sumSizes(levels [][]json.RawMessage) float64 {
	total := decimal.Zero
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		total = total.Add(dec(strings.Trim(string(lvl[1]), `"`)))
	}
	f, _ := total.Float64()
	return f
}

// Depth returns total bid and ask size over the top of the book.
func (c *Client) Depth(ctx context.Context, symbol string) (float64, float64, error) {
	var data depthData
	q := url.Values{"symbol": {symbol}, "limit": {"50"}}
	if err := c.send(ctx, "bitget depth", http.MethodGet, pathDepth, q.Encode(), nil, false, &data); err != nil {
		return 0, 0, err
	}
	bid, ask := sumSizes(data.Bids), sumSizes(data.Asks)
	if bid == 0 && ask == 0 {
		return 0, 0, apperr.Transient("bitget depth", errors.New("empty book"))
	}
	return bid, ask, nil
}

func (c *Client) Close() error { return nil }

var (
	_ service.ExchangeAdapter = (*Client)(nil)
	_ service.OrderBookSource = (*Client)(nil)
)
