package binanceapi

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/quantbase/binancex/pkg/ratelimit"
)

// Thin per-endpoint wrappers: each builds a Request value, hands it to the
// Executor, and decodes the raw payload into a typed record. No retry or
// throttling logic lives here.

// Ping checks REST connectivity.
func (e *Executor) Ping(ctx context.Context) error {
	req, err := NewRequest("GET", "/api/v3/ping", nil)
	if err != nil {
		return err
	}

	_, err = e.Execute(ctx, req)
	return err
}

// ServerTime returns the venue clock.
func (e *Executor) ServerTime(ctx context.Context) (time.Time, error) {
	req, err := NewRequest("GET", "/api/v3/time", nil)
	if err != nil {
		return time.Time{}, err
	}

	resp, err := e.Execute(ctx, req)
	if err != nil {
		return time.Time{}, err
	}

	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := resp.DecodeJSON(&payload); err != nil {
		return time.Time{}, errors.Wrap(err, "decode server time")
	}

	return time.UnixMilli(payload.ServerTime), nil
}

type Ticker24 struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	PriceChange        decimal.Decimal `json:"priceChange"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quoteVolume"`
}

// Ticker24h returns 24-hour rolling statistics for one symbol.
func (e *Executor) Ticker24h(ctx context.Context, symbol string) (*Ticker24, error) {
	if symbol == "" {
		return nil, errors.New("binanceapi: symbol is required")
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	req, err := NewRequest("GET", "/api/v3/ticker/24hr", params)
	if err != nil {
		return nil, err
	}

	resp, err := e.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	var ticker Ticker24
	if err := resp.DecodeJSON(&ticker); err != nil {
		return nil, errors.Wrap(err, "decode ticker")
	}
	return &ticker, nil
}

type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

type Account struct {
	CanTrade    bool      `json:"canTrade"`
	CanWithdraw bool      `json:"canWithdraw"`
	CanDeposit  bool      `json:"canDeposit"`
	AccountType string    `json:"accountType"`
	Balances    []Balance `json:"balances"`
}

// Account returns account information and balances. Signed, weight 10.
func (e *Executor) Account(ctx context.Context) (*Account, error) {
	req, err := NewRequest("GET", "/api/v3/account", nil)
	if err != nil {
		return nil, err
	}
	req = req.WithSecurity(SecuritySigned).WithWeight(10)

	resp, err := e.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	var account Account
	if err := resp.DecodeJSON(&account); err != nil {
		return nil, errors.Wrap(err, "decode account")
	}
	return &account, nil
}

type OrderForm struct {
	Symbol      string
	Side        string // BUY or SELL
	Type        string // LIMIT, MARKET, ...
	TimeInForce string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
}

type OrderAck struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	TransactTime  int64  `json:"transactTime"`
	Status        string `json:"status"`
}

func (f OrderForm) validate() error {
	if f.Symbol == "" {
		return errors.New("binanceapi: order symbol is required")
	}
	if f.Side != "BUY" && f.Side != "SELL" {
		return errors.Errorf("binanceapi: invalid order side %q", f.Side)
	}
	if f.Type == "" {
		return errors.New("binanceapi: order type is required")
	}
	if f.Quantity.Sign() <= 0 {
		return errors.New("binanceapi: order quantity must be positive")
	}
	if f.Type == "LIMIT" && f.Price.Sign() <= 0 {
		return errors.New("binanceapi: limit order price must be positive")
	}
	return nil
}

// PlaceOrder submits a new order, charged against the ORDERS bucket. A fresh
// client order id is generated so a retried attempt stays idempotent
// server-side.
func (e *Executor) PlaceOrder(ctx context.Context, form OrderForm) (*OrderAck, error) {
	if err := form.validate(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(form.Symbol))
	params.Set("side", form.Side)
	params.Set("type", form.Type)
	params.Set("quantity", form.Quantity.String())
	params.Set("newClientOrderId", "x-"+uuid.NewString())
	if form.Type == "LIMIT" {
		params.Set("price", form.Price.String())
		tif := form.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}

	req, err := NewRequest("POST", "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	req = req.WithSecurity(SecuritySigned).WithLimitKind(ratelimit.Orders)

	resp, err := e.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	var ack OrderAck
	if err := resp.DecodeJSON(&ack); err != nil {
		return nil, errors.Wrap(err, "decode order ack")
	}
	return &ack, nil
}

// CancelOrder cancels an open order by venue order id.
func (e *Executor) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if symbol == "" {
		return errors.New("binanceapi: symbol is required")
	}
	if orderID <= 0 {
		return errors.New("binanceapi: order id is required")
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	req, err := NewRequest("DELETE", "/api/v3/order", params)
	if err != nil {
		return err
	}
	req = req.WithSecurity(SecuritySigned)

	_, err = e.Execute(ctx, req)
	return err
}
