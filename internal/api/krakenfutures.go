package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"tradecore/internal/exchange"
	"tradecore/internal/model"
	"tradecore/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultKrakenFuturesBaseURL = "https://futures.kraken.com/derivatives"

// KrakenFuturesConfig configures the Kraken Futures REST adapter.
type KrakenFuturesConfig struct {
	BaseURL    string          `validate:"omitempty,url"`
	APIKey     string          `validate:"required"`
	APISecret  string          `validate:"required,base64"`
	HTTPClient *http.Client    `validate:"-"`
	Logger     *zerolog.Logger `validate:"-"`
}

// KrakenFutures implements TradingAPI over the Kraken Futures v3 REST API.
type KrakenFutures struct {
	rest *restClient
	now  func() time.Time

	mu    sync.Mutex
	nonce int
}

var _ TradingAPI = (*KrakenFutures)(nil)

type krakenEnvelope struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

type krakenOrderBookResponse struct {
	krakenEnvelope
	OrderBook orderBook `json:"orderBook"`
}

type krakenPositionsResponse struct {
	krakenEnvelope
	OpenPositions []struct {
		Symbol string  `json:"symbol"`
		Side   string  `json:"side"`
		Price  float64 `json:"price"`
		Size   float64 `json:"size"`
	} `json:"openPositions"`
}

type krakenSendOrderResponse struct {
	krakenEnvelope
	SendStatus struct {
		OrderID      string `json:"order_id"`
		Status       string `json:"status"`
		ReceivedTime string `json:"receivedTime"`
	} `json:"sendStatus"`
}

type krakenCancelResponse struct {
	krakenEnvelope
	CancelStatus struct {
		Status string `json:"status"`
	} `json:"cancelStatus"`
}

// NewKrakenFutures creates the Kraken Futures REST adapter.
func NewKrakenFutures(cfg KrakenFuturesConfig) (*KrakenFutures, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid Kraken Futures API config: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultKrakenFuturesBaseURL
	}

	k := &KrakenFutures{now: time.Now}
	k.rest = newRESTClient(cfg.BaseURL, cfg.HTTPClient, k.signer(cfg), cfg.Logger, "kraken_futures_api")
	return k, nil
}

// nextNonce returns the epoch milliseconds followed by a 4-digit rolling counter.
func (k *KrakenFutures) nextNonce() string {
	k.mu.Lock()
	k.nonce = (k.nonce + 1) & 8191
	n := k.nonce
	k.mu.Unlock()
	return fmt.Sprintf("%d%04d", k.now().UnixMilli(), n)
}

// signer sets APIKey, Nonce and Authent. Authent signs query+body+nonce+path the same
// way the WebSocket challenge is signed.
func (k *KrakenFutures) signer(cfg KrakenFuturesConfig) signer {
	return func(req *http.Request, path, query, body string) error {
		nonce := k.nextNonce()
		authent, err := exchange.SignKrakenChallenge(cfg.APISecret, query+body+nonce+path)
		if err != nil {
			return err
		}
		req.Header.Set("APIKey", cfg.APIKey)
		req.Header.Set("Nonce", nonce)
		req.Header.Set("Authent", authent)
		return nil
	}
}

// call decodes the response into out and fails on a non-success result field.
func (k *KrakenFutures) call(ctx context.Context, method, path string, query, form url.Values, out interface{ result() krakenEnvelope }) error {
	if err := k.rest.do(ctx, method, path, query, form, nil, out); err != nil {
		return err
	}
	if env := out.result(); env.Result != "success" {
		return fmt.Errorf("%w: %s: %s", ErrRequestFailed, path, env.Error)
	}
	return nil
}

func (e krakenEnvelope) result() krakenEnvelope { return e }

type krakenRawResponse struct {
	krakenEnvelope
	raw []byte
}

func (r *krakenRawResponse) UnmarshalJSON(b []byte) error {
	r.raw = append([]byte(nil), b...)
	return json.Unmarshal(b, &r.krakenEnvelope)
}

func (k *KrakenFutures) GetAccount(ctx context.Context) (Account, error) {
	var resp krakenRawResponse
	if err := k.call(ctx, http.MethodGet, "/api/v3/accounts", nil, nil, &resp); err != nil {
		return Account{}, err
	}
	return Account{
		Collateral:        model.NA(),
		FreeCollateral:    model.NA(),
		TotalPositionSize: model.NA(),
		Raw:               resp.raw,
	}, nil
}

func (k *KrakenFutures) GetPositions(ctx context.Context) ([]Position, error) {
	var resp krakenPositionsResponse
	if err := k.call(ctx, http.MethodGet, "/api/v3/openpositions", nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(resp.OpenPositions))
	for _, p := range resp.OpenPositions {
		side := model.Buy
		if p.Side == "short" {
			side = model.Sell
		}
		out = append(out, Position{InstrumentID: p.Symbol, Side: side, Size: p.Size, EntryPrice: p.Price})
	}
	return out, nil
}

func (k *KrakenFutures) GetQuotes(ctx context.Context, instrumentID string, depth int) ([]model.QuoteLevel, []model.QuoteLevel, error) {
	var resp krakenOrderBookResponse
	query := url.Values{"symbol": []string{instrumentID}}
	if err := k.call(ctx, http.MethodGet, "/api/v3/orderbook", query, nil, &resp); err != nil {
		return nil, nil, err
	}
	book := resp.OrderBook
	return levels(instrumentID, model.Buy, book.Bids, depth), levels(instrumentID, model.Sell, book.Asks, depth), nil
}

func (k *KrakenFutures) BuyMarket(ctx context.Context, instrumentID string, size float64) (model.OrderUpdate, error) {
	return k.sendOrder(ctx, instrumentID, model.Buy, model.Market, model.NA(), size)
}

func (k *KrakenFutures) SellMarket(ctx context.Context, instrumentID string, size float64) (model.OrderUpdate, error) {
	return k.sendOrder(ctx, instrumentID, model.Sell, model.Market, model.NA(), size)
}

func (k *KrakenFutures) BuyLimit(ctx context.Context, instrumentID string, price, size float64) (model.OrderUpdate, error) {
	return k.sendOrder(ctx, instrumentID, model.Buy, model.Limit, price, size)
}

func (k *KrakenFutures) SellLimit(ctx context.Context, instrumentID string, price, size float64) (model.OrderUpdate, error) {
	return k.sendOrder(ctx, instrumentID, model.Sell, model.Limit, price, size)
}

func (k *KrakenFutures) sendOrder(ctx context.Context, symbol string, side model.Side, orderType model.OrderType, price, size float64) (model.OrderUpdate, error) {
	if size < 0 {
		size = -size
	}
	clientID := uuid.NewString()
	form := url.Values{
		"orderType": []string{"mkt"},
		"symbol":    []string{symbol},
		"side":      []string{"buy"},
		"size":      []string{strconv.FormatFloat(size, 'f', -1, 64)},
		"cliOrdId":  []string{clientID},
	}
	if side == model.Sell {
		form.Set("side", "sell")
	}
	if orderType == model.Limit {
		form.Set("orderType", "lmt")
		form.Set("limitPrice", strconv.FormatFloat(price, 'f', -1, 64))
	}

	var resp krakenSendOrderResponse
	if err := k.call(ctx, http.MethodPost, "/api/v3/sendorder", nil, form, &resp); err != nil {
		return model.OrderUpdate{}, err
	}

	inst, _ := model.InstrumentByID(model.KrakenFuturesExchange, symbol)
	ts := utils.TimeToSeconds(k.now())
	if resp.SendStatus.ReceivedTime != "" {
		if parsed, err := utils.ParseTimestampString(resp.SendStatus.ReceivedTime); err == nil {
			ts = parsed
		}
	}

	return model.OrderUpdate{
		Timestamp:     ts,
		OrderID:       resp.SendStatus.OrderID,
		Instrument:    inst,
		OrderType:     orderType,
		Side:          side,
		Status:        krakenSendStatus(resp.SendStatus.Status),
		Size:          size,
		FilledSize:    0,
		RemainingSize: size,
		AvgFillPrice:  model.NA(),
		Price:         price,
		ClientID:      clientID,
		BidPrice:      model.NA(),
		BidSize:       model.NA(),
		AskPrice:      model.NA(),
		AskSize:       model.NA(),
	}, nil
}

// krakenSendStatus maps sendorder statuses; everything but "placed" is a rejection
// such as insufficientAvailableFunds or marketSuspended.
func krakenSendStatus(s string) model.OrderStatus {
	if s == "placed" {
		return model.StatusCreated
	}
	return model.StatusError
}

func (k *KrakenFutures) CancelOrder(ctx context.Context, orderID string) error {
	var resp krakenCancelResponse
	form := url.Values{"order_id": []string{orderID}}
	if err := k.call(ctx, http.MethodPost, "/api/v3/cancelorder", nil, form, &resp); err != nil {
		return err
	}
	if resp.CancelStatus.Status != "cancelled" {
		return fmt.Errorf("%w: cancel %s: %s", ErrRequestFailed, orderID, resp.CancelStatus.Status)
	}
	return nil
}
