// Package smartapi implements the live broker client for the Angel One
// SmartAPI REST interface, including TOTP login and session refresh.
package smartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/alphadeck/optionsbot/internal/domain"
)

const (
	loginPath       = "/rest/auth/angelbroking/user/v1/loginByPassword"
	refreshPath     = "/rest/auth/angelbroking/jwt/v1/generateTokens"
	placeOrderPath  = "/rest/secure/angelbroking/order/v1/placeOrder"
	cancelOrderPath = "/rest/secure/angelbroking/order/v1/cancelOrder"
	orderBookPath   = "/rest/secure/angelbroking/order/v1/getOrderBook"
	positionsPath   = "/rest/secure/angelbroking/order/v1/getPosition"
	rmsPath         = "/rest/secure/angelbroking/user/v1/getRMS"
	ltpPath         = "/rest/secure/angelbroking/order/v1/getLtpData"
	candlesPath     = "/rest/secure/angelbroking/historical/v1/getCandleData"
)

// Config holds the client credentials and endpoints.
type Config struct {
	BaseURL    string
	APIKey     string
	ClientID   string
	PIN        string
	TOTPSecret string
	Timeout    time.Duration
}

// Client is a live SmartAPI broker client. Safe for concurrent use; the
// session tokens are guarded by a mutex and refreshed on demand.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	mu           sync.Mutex
	jwtToken     string
	refreshToken string
}

// New creates a Client. Login happens lazily on the first request or
// explicitly via Refresh.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(slog.String("component", "smartapi")),
	}
}

// envelope is the uniform SmartAPI response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// Refresh performs a fresh TOTP login, replacing any existing session.
func (c *Client) Refresh(ctx context.Context) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("smartapi: generate totp: %w", err)
	}

	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
	}
	err = c.post(ctx, loginPath, map[string]string{
		"clientcode": c.cfg.ClientID,
		"password":   c.cfg.PIN,
		"totp":       code,
	}, &data, false)
	if err != nil {
		return fmt.Errorf("smartapi: login: %w", err)
	}

	c.mu.Lock()
	c.jwtToken = data.JWTToken
	c.refreshToken = data.RefreshToken
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "session established", slog.String("client", c.cfg.ClientID))
	return nil
}

// post sends a JSON POST and decodes the data field into out. When auth is
// true and the session is missing or expired, it logs in and retries once.
func (c *Client) post(ctx context.Context, path string, body any, out any, auth bool) error {
	if auth {
		c.mu.Lock()
		token := c.jwtToken
		c.mu.Unlock()
		if token == "" {
			if err := c.Refresh(ctx); err != nil {
				return err
			}
		}
	}

	err := c.doOnce(ctx, path, body, out, auth)
	if err != nil && auth && isAuthError(err) {
		c.logger.WarnContext(ctx, "session expired, re-authenticating")
		if rerr := c.Refresh(ctx); rerr != nil {
			return rerr
		}
		err = c.doOnce(ctx, path, body, out, auth)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, path string, body any, out any, auth bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("smartapi: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("smartapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-PrivateKey", c.cfg.APIKey)
	if auth {
		c.mu.Lock()
		req.Header.Set("Authorization", "Bearer "+c.jwtToken)
		c.mu.Unlock()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("smartapi: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("smartapi: %s: read body: %w", path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("smartapi: %s: http %d: %w", path, resp.StatusCode, domain.ErrSessionExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("smartapi: %s: http %d: %s", path, resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("smartapi: %s: decode envelope: %w", path, err)
	}
	if !env.Status {
		if env.ErrorCode == "AG8001" || env.ErrorCode == "AG8002" || env.ErrorCode == "AG8003" {
			return fmt.Errorf("smartapi: %s: %s (%s): %w", path, env.Message, env.ErrorCode, domain.ErrSessionExpired)
		}
		return fmt.Errorf("smartapi: %s: %s (%s)", path, env.Message, env.ErrorCode)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("smartapi: %s: decode data: %w", path, err)
		}
	}
	return nil
}

func isAuthError(err error) bool {
	return errors.Is(err, domain.ErrSessionExpired)
}

// LTP returns the last traded price for an instrument.
func (c *Client) LTP(ctx context.Context, exchange, symbol, token string) (float64, error) {
	var data struct {
		LTP float64 `json:"ltp"`
	}
	err := c.post(ctx, ltpPath, map[string]string{
		"exchange":      exchange,
		"tradingsymbol": symbol,
		"symboltoken":   token,
	}, &data, true)
	if err != nil {
		return 0, err
	}
	return data.LTP, nil
}

const candleTimeLayout = "2006-01-02 15:04"

// Candles fetches historical OHLCV bars. SmartAPI returns each bar as a
// positional array: [timestamp, open, high, low, close, volume].
func (c *Client) Candles(ctx context.Context, req domain.CandleRequest) ([]domain.Candle, error) {
	var rows [][]any
	err := c.post(ctx, candlesPath, map[string]string{
		"exchange":    req.Exchange,
		"symboltoken": req.Token,
		"interval":    string(req.Interval),
		"fromdate":    req.From.Format(candleTimeLayout),
		"todate":      req.To.Format(candleTimeLayout),
	}, &rows, true)
	if err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		ts, _ := row[0].(string)
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		candles = append(candles, domain.Candle{
			Timestamp: t,
			Open:      num(row[1]),
			High:      num(row[2]),
			Low:       num(row[3]),
			Close:     num(row[4]),
			Volume:    num(row[5]),
		})
	}
	return candles, nil
}

func num(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}

// PlaceOrder submits an order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, p domain.OrderParams) (string, error) {
	body := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   p.Symbol,
		"symboltoken":     p.Token,
		"transactiontype": string(p.Side),
		"exchange":        "NFO",
		"ordertype":       string(p.Type),
		"producttype":     "INTRADAY",
		"duration":        "DAY",
		"quantity":        strconv.Itoa(p.Qty),
		"price":           "0",
		"triggerprice":    "0",
	}
	if p.Type == domain.OrderTypeStopLossLimit {
		body["variety"] = "STOPLOSS"
		body["price"] = strconv.FormatFloat(p.Price, 'f', 2, 64)
		body["triggerprice"] = strconv.FormatFloat(p.TriggerPrice, 'f', 2, 64)
	}

	var data struct {
		OrderID string `json:"orderid"`
	}
	if err := c.post(ctx, placeOrderPath, body, &data, true); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", fmt.Errorf("smartapi: place order %s: empty order id: %w", p.Symbol, domain.ErrOrderRejected)
	}
	return data.OrderID, nil
}

// CancelOrder cancels a resting order. Unknown or already-final orders are
// not an error.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	err := c.post(ctx, cancelOrderPath, map[string]string{
		"variety": "STOPLOSS",
		"orderid": orderID,
	}, nil, true)
	if err != nil && !errors.Is(err, domain.ErrSessionExpired) {
		c.logger.WarnContext(ctx, "cancel order", slog.String("order_id", orderID), slog.String("error", err.Error()))
		return nil
	}
	return err
}

type bookRow struct {
	OrderID      string `json:"orderid"`
	Symbol       string `json:"tradingsymbol"`
	Side         string `json:"transactiontype"`
	Status       string `json:"status"`
	Qty          string `json:"quantity"`
	AveragePrice string `json:"averageprice"`
}

func (r bookRow) record() domain.OrderRecord {
	qty, _ := strconv.Atoi(r.Qty)
	avg, _ := strconv.ParseFloat(r.AveragePrice, 64)
	return domain.OrderRecord{
		OrderID:  r.OrderID,
		Symbol:   r.Symbol,
		Side:     domain.Side(r.Side),
		Qty:      qty,
		State:    mapOrderState(r.Status),
		AvgPrice: avg,
	}
}

func mapOrderState(status string) domain.OrderState {
	switch status {
	case "complete":
		return domain.OrderStateComplete
	case "rejected", "cancelled":
		return domain.OrderStateRejected
	case "open", "trigger pending":
		return domain.OrderStateOpen
	case "pending", "validation pending", "open pending":
		return domain.OrderStatePending
	default:
		return domain.OrderStateUnknown
	}
}

// OrderBook returns all of today's orders.
func (c *Client) OrderBook(ctx context.Context) ([]domain.OrderRecord, error) {
	var rows []bookRow
	if err := c.post(ctx, orderBookPath, map[string]string{}, &rows, true); err != nil {
		return nil, err
	}
	out := make([]domain.OrderRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// OrderStatus looks an order up in the order book.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, float64, error) {
	book, err := c.OrderBook(ctx)
	if err != nil {
		return domain.OrderStateUnknown, 0, err
	}
	for _, rec := range book {
		if rec.OrderID == orderID {
			return rec.State, rec.AvgPrice, nil
		}
	}
	return domain.OrderStateUnknown, 0, fmt.Errorf("smartapi: order %s: %w", orderID, domain.ErrNotFound)
}

// Positions returns the broker's net positions.
func (c *Client) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var rows []struct {
		Symbol   string `json:"tradingsymbol"`
		Token    string `json:"symboltoken"`
		NetQty   string `json:"netqty"`
		AvgPrice string `json:"netprice"`
	}
	if err := c.post(ctx, positionsPath, map[string]string{}, &rows, true); err != nil {
		return nil, err
	}
	out := make([]domain.BrokerPosition, 0, len(rows))
	for _, r := range rows {
		qty, _ := strconv.Atoi(r.NetQty)
		avg, _ := strconv.ParseFloat(r.AvgPrice, 64)
		out = append(out, domain.BrokerPosition{
			Symbol:   r.Symbol,
			Token:    r.Token,
			NetQty:   qty,
			AvgPrice: avg,
		})
	}
	return out, nil
}

// AvailableMargin returns the account's available cash margin.
func (c *Client) AvailableMargin(ctx context.Context) (float64, error) {
	var data struct {
		AvailableCash string `json:"availablecash"`
	}
	if err := c.post(ctx, rmsPath, map[string]string{}, &data, true); err != nil {
		return 0, err
	}
	m, err := strconv.ParseFloat(data.AvailableCash, 64)
	if err != nil {
		return 0, fmt.Errorf("smartapi: parse available cash %q: %w", data.AvailableCash, err)
	}
	return m, nil
}

var _ domain.Broker = (*Client)(nil)
