package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tradecore/internal/exchange"
	"tradecore/internal/model"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultFTXBaseURL = "https://ftx.com"

// FTXConfig configures the FTX REST adapter.
type FTXConfig struct {
	BaseURL    string `validate:"omitempty,url"`
	APIKey     string `validate:"required"`
	APISecret  string `validate:"required"`
	Subaccount string
	HTTPClient *http.Client    `validate:"-"`
	Logger     *zerolog.Logger `validate:"-"`
}

// FTX implements TradingAPI over the FTX REST API.
type FTX struct {
	rest     *restClient
	validate *validator.Validate
	now      func() time.Time
}

var _ TradingAPI = (*FTX)(nil)

type ftxResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

type ftxOrderRequest struct {
	Market   string   `json:"market"`
	Side     string   `json:"side"`
	Price    *float64 `json:"price"`
	Type     string   `json:"type"`
	Size     float64  `json:"size"`
	ClientID string   `json:"clientId"`
}

type ftxAccount struct {
	Collateral        float64 `json:"collateral"`
	FreeCollateral    float64 `json:"freeCollateral"`
	TotalPositionSize float64 `json:"totalPositionSize"`
}

type ftxPosition struct {
	Future     string   `json:"future"`
	Side       string   `json:"side"`
	Size       float64  `json:"size"`
	EntryPrice *float64 `json:"entryPrice"`
}

// NewFTX creates the FTX REST adapter.
func NewFTX(cfg FTXConfig) (*FTX, error) {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid FTX API config: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultFTXBaseURL
	}

	f := &FTX{validate: v, now: time.Now}
	f.rest = newRESTClient(cfg.BaseURL, cfg.HTTPClient, f.signer(cfg), cfg.Logger, "ftx_api")
	return f, nil
}

// signer sets FTX-KEY, FTX-TS and FTX-SIGN = hex(HMAC-SHA256(secret, ts+method+uri+body)).
func (f *FTX) signer(cfg FTXConfig) signer {
	return func(req *http.Request, _, _, body string) error {
		ts := strconv.FormatInt(f.now().UnixMilli(), 10)
		mac := hmac.New(sha256.New, []byte(cfg.APISecret))
		mac.Write([]byte(ts + req.Method + req.URL.RequestURI() + body))

		req.Header.Set("FTX-KEY", cfg.APIKey)
		req.Header.Set("FTX-TS", ts)
		req.Header.Set("FTX-SIGN", hex.EncodeToString(mac.Sum(nil)))
		if cfg.Subaccount != "" {
			req.Header.Set("FTX-SUBACCOUNT", url.PathEscape(cfg.Subaccount))
		}
		return nil
	}
}

func (f *FTX) call(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var resp ftxResponse
	if err := f.rest.do(ctx, method, path, query, nil, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s: %s", ErrRequestFailed, path, resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", path, err)
	}
	return nil
}

func (f *FTX) GetAccount(ctx context.Context) (Account, error) {
	var raw json.RawMessage
	if err := f.call(ctx, http.MethodGet, "/api/account", nil, nil, &raw); err != nil {
		return Account{}, err
	}
	var acc ftxAccount
	if err := json.Unmarshal(raw, &acc); err != nil {
		return Account{}, fmt.Errorf("unmarshal FTX account: %w", err)
	}
	return Account{
		Collateral:        acc.Collateral,
		FreeCollateral:    acc.FreeCollateral,
		TotalPositionSize: acc.TotalPositionSize,
		Raw:               raw,
	}, nil
}

func (f *FTX) GetPositions(ctx context.Context) ([]Position, error) {
	var rows []ftxPosition
	if err := f.call(ctx, http.MethodGet, "/api/positions", nil, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(rows))
	for _, r := range rows {
		if r.Size == 0 {
			continue
		}
		side := model.Buy
		if r.Side == "sell" {
			side = model.Sell
		}
		entry := model.NA()
		if r.EntryPrice != nil {
			entry = *r.EntryPrice
		}
		out = append(out, Position{InstrumentID: r.Future, Side: side, Size: r.Size, EntryPrice: entry})
	}
	return out, nil
}

func (f *FTX) GetQuotes(ctx context.Context, instrumentID string, depth int) ([]model.QuoteLevel, []model.QuoteLevel, error) {
	query := url.Values{"depth": []string{strconv.Itoa(depth)}}
	var book orderBook
	if err := f.call(ctx, http.MethodGet, "/api/markets/"+instrumentID+"/orderbook", query, nil, &book); err != nil {
		return nil, nil, err
	}
	return levels(instrumentID, model.Buy, book.Bids, depth), levels(instrumentID, model.Sell, book.Asks, depth), nil
}

func (f *FTX) BuyMarket(ctx context.Context, instrumentID string, size float64) (model.OrderUpdate, error) {
	return f.placeOrder(ctx, instrumentID, "buy", "market", nil, size)
}

func (f *FTX) SellMarket(ctx context.Context, instrumentID string, size float64) (model.OrderUpdate, error) {
	return f.placeOrder(ctx, instrumentID, "sell", "market", nil, size)
}

func (f *FTX) BuyLimit(ctx context.Context, instrumentID string, price, size float64) (model.OrderUpdate, error) {
	return f.placeOrder(ctx, instrumentID, "buy", "limit", &price, size)
}

func (f *FTX) SellLimit(ctx context.Context, instrumentID string, price, size float64) (model.OrderUpdate, error) {
	return f.placeOrder(ctx, instrumentID, "sell", "limit", &price, size)
}

func (f *FTX) placeOrder(ctx context.Context, market, side, orderType string, price *float64, size float64) (model.OrderUpdate, error) {
	req := ftxOrderRequest{
		Market:   market,
		Side:     side,
		Price:    price,
		Type:     orderType,
		Size:     size,
		ClientID: uuid.NewString(),
	}

	var raw json.RawMessage
	if err := f.call(ctx, http.MethodPost, "/api/orders", nil, req, &raw); err != nil {
		return model.OrderUpdate{}, err
	}
	return exchange.ParseFTXOrder(raw, f.now(), f.validate)
}

func (f *FTX) CancelOrder(ctx context.Context, orderID string) error {
	return f.call(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(orderID), nil, nil, nil)
}
