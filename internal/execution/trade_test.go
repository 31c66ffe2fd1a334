package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradecore/internal/api"
	"tradecore/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockTradingAPI is a testify mock of api.TradingAPI.
type MockTradingAPI struct {
	mock.Mock
}

var _ api.TradingAPI = (*MockTradingAPI)(nil)

func (m *MockTradingAPI) GetAccount(ctx context.Context) (api.Account, error) {
	args := m.Called(ctx)
	return args.Get(0).(api.Account), args.Error(1)
}

func (m *MockTradingAPI) GetPositions(ctx context.Context) ([]api.Position, error) {
	args := m.Called(ctx)
	return args.Get(0).([]api.Position), args.Error(1)
}

func (m *MockTradingAPI) GetQuotes(ctx context.Context, instrumentID string, depth int) ([]model.QuoteLevel, []model.QuoteLevel, error) {
	args := m.Called(ctx, instrumentID, depth)
	return args.Get(0).([]model.QuoteLevel), args.Get(1).([]model.QuoteLevel), args.Error(2)
}

func (m *MockTradingAPI) BuyMarket(ctx context.Context, instrumentID string, size float64) (model.OrderUpdate, error) {
	args := m.Called(ctx, instrumentID, size)
	return args.Get(0).(model.OrderUpdate), args.Error(1)
}

func (m *MockTradingAPI) SellMarket(ctx context.Context, instrumentID string, size float64) (model.OrderUpdate, error) {
	args := m.Called(ctx, instrumentID, size)
	return args.Get(0).(model.OrderUpdate), args.Error(1)
}

func (m *MockTradingAPI) BuyLimit(ctx context.Context, instrumentID string, price, size float64) (model.OrderUpdate, error) {
	args := m.Called(ctx, instrumentID, price, size)
	return args.Get(0).(model.OrderUpdate), args.Error(1)
}

func (m *MockTradingAPI) SellLimit(ctx context.Context, instrumentID string, price, size float64) (model.OrderUpdate, error) {
	args := m.Called(ctx, instrumentID, price, size)
	return args.Get(0).(model.OrderUpdate), args.Error(1)
}

func (m *MockTradingAPI) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func btcPerp(t testing.TB) model.Instrument {
	t.Helper()
	inst, ok := model.InstrumentByID(model.FTXExchange, "BTC-PERP")
	require.True(t, ok)
	return inst
}

func testBook() ([]model.QuoteLevel, []model.QuoteLevel) {
	return []model.QuoteLevel{{Symbol: "BTC-PERP", Side: model.Buy, Price: 31708, Size: 18.0695}},
		[]model.QuoteLevel{{Symbol: "BTC-PERP", Side: model.Sell, Price: 31709, Size: 1.7919}}
}

// orderUpdate builds an update for BTC-PERP with the given status and remaining size.
func orderUpdate(t testing.TB, orderID string, orderType model.OrderType, status model.OrderStatus, remaining float64) model.OrderUpdate {
	return model.OrderUpdate{
		Timestamp:     1626900800.5,
		OrderID:       orderID,
		Instrument:    btcPerp(t),
		OrderType:     orderType,
		Side:          model.Buy,
		Status:        status,
		Size:          0.0004,
		FilledSize:    0.0004 - remaining,
		RemainingSize: remaining,
		AvgFillPrice:  model.NA(),
		Price:         model.NA(),
		BidPrice:      model.NA(),
		BidSize:       model.NA(),
		AskPrice:      model.NA(),
		AskSize:       model.NA(),
	}
}

// placedTrade returns a trade whose order "42" was accepted with status CREATED.
func placedTrade(t *testing.T, orderType model.OrderType) *Trade {
	t.Helper()
	m := new(MockTradingAPI)
	bids, asks := testBook()
	m.On("GetQuotes", mock.Anything, "BTC-PERP", 1).Return(bids, asks, nil)

	var (
		trade *Trade
		err   error
	)
	if orderType == model.Limit {
		m.On("BuyLimit", mock.Anything, "BTC-PERP", 31000.0, 0.0004).
			Return(orderUpdate(t, "42", model.Limit, model.StatusCreated, 0.0004), nil)
		trade, err = NewLimitTrade(btcPerp(t), 0.0004, 31000, m, nil)
	} else {
		m.On("BuyMarket", mock.Anything, "BTC-PERP", 0.0004).
			Return(orderUpdate(t, "42", model.Market, model.StatusCreated, 0.0004), nil)
		trade, err = NewTrade(btcPerp(t), 0.0004, m, nil)
	}
	require.NoError(t, err)
	require.NoError(t, trade.Place(context.Background()))
	return trade
}

func TestNewTrade_SizeRounding(t *testing.T) {
	tests := []struct {
		name         string
		signedSize   float64
		expectedSize float64
		expectedSide model.Side
		expectError  error
		description  string
	}{
		{
			name:         "buy rounds to lot",
			signedSize:   0.00036789,
			expectedSize: 0.0004,
			expectedSide: model.Buy,
			description:  "0.00036789 with unit 0.0001 rounds to 0.0004",
		},
		{
			name:         "negative size sells",
			signedSize:   -0.00036789,
			expectedSize: 0.0004,
			expectedSide: model.Sell,
			description:  "Sign selects the side, size is absolute",
		},
		{
			name:         "whole lots unchanged",
			signedSize:   1.2345,
			expectedSize: 1.2345,
			expectedSide: model.Buy,
			description:  "Exact multiples of the unit keep their value",
		},
		{
			name:        "rounds to zero",
			signedSize:  0.00001,
			expectError: ErrZeroSize,
			description: "Sizes below half a lot cannot be traded",
		},
		{
			name:        "zero",
			signedSize:  0,
			expectError: ErrZeroSize,
			description: "Zero size is rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trade, err := NewTrade(btcPerp(t), tt.signedSize, new(MockTradingAPI), nil)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError, tt.description)
				return
			}
			require.NoError(t, err, tt.description)
			assert.Equal(t, tt.expectedSize, trade.Size(), tt.description)
			assert.Equal(t, tt.expectedSide, trade.Side(), tt.description)
			assert.Equal(t, StatusPending, trade.Status())
			assert.Empty(t, trade.OrderID())
		})
	}
}

func TestNewTrade_InvalidArguments(t *testing.T) {
	_, err := NewTrade(btcPerp(t), 1, nil, nil)
	assert.Error(t, err, "trading api is required")

	_, err = NewLimitTrade(btcPerp(t), 1, 0, new(MockTradingAPI), nil)
	assert.Error(t, err, "limit price must be positive")

	_, err = NewTrade(model.Instrument{Name: "bad"}, 1, new(MockTradingAPI), nil)
	assert.Error(t, err, "instrument needs a size unit")
}

func TestTrade_Place(t *testing.T) {
	m := new(MockTradingAPI)
	bids, asks := testBook()
	m.On("GetQuotes", mock.Anything, "BTC-PERP", 1).Return(bids, asks, nil)
	m.On("SellMarket", mock.Anything, "BTC-PERP", 0.0004).
		Return(orderUpdate(t, "65376379322", model.Market, model.StatusCreated, 0.0004), nil)

	trade, err := NewTrade(btcPerp(t), -0.0004, m, nil)
	require.NoError(t, err)
	require.NoError(t, trade.Place(context.Background()))

	assert.Equal(t, "65376379322", trade.OrderID())
	assert.Equal(t, model.StatusCreated, trade.Status())

	events := trade.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 31708.0, events[0].BidPrice, "placement update carries the quote snapshot")
	assert.Equal(t, 18.0695, events[0].BidSize)
	assert.Equal(t, 31709.0, events[0].AskPrice)
	assert.Equal(t, 1.7919, events[0].AskSize)

	assert.ErrorIs(t, trade.Place(context.Background()), ErrAlreadyPlaced)
	m.AssertNumberOfCalls(t, "SellMarket", 1)
}

func TestTrade_PlaceRetries(t *testing.T) {
	m := new(MockTradingAPI)
	bids, asks := testBook()
	m.On("GetQuotes", mock.Anything, "BTC-PERP", 1).Return(bids, asks, nil)
	m.On("BuyMarket", mock.Anything, "BTC-PERP", 0.0004).
		Return(model.OrderUpdate{}, errors.New("connection reset")).Once()
	m.On("BuyMarket", mock.Anything, "BTC-PERP", 0.0004).
		Return(orderUpdate(t, "", model.Market, model.StatusError, 0.0004), nil).Once()
	m.On("BuyMarket", mock.Anything, "BTC-PERP", 0.0004).
		Return(orderUpdate(t, "7", model.Market, model.StatusCreated, 0.0004), nil).Once()

	trade, err := NewTrade(btcPerp(t), 0.0004, m, nil, WithRetryInterval(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, trade.Place(context.Background()))

	assert.Equal(t, "7", trade.OrderID())
	assert.Len(t, trade.Events(), 1, "rejected attempts are not logged as updates")
	m.AssertNumberOfCalls(t, "BuyMarket", 3)
}

func TestTrade_PlaceStopsOnCancel(t *testing.T) {
	m := new(MockTradingAPI)
	bids, asks := testBook()
	m.On("GetQuotes", mock.Anything, "BTC-PERP", 1).Return(bids, asks, nil)
	m.On("BuyMarket", mock.Anything, "BTC-PERP", 0.0004).Return(model.OrderUpdate{}, errors.New("exchange busy"))

	trade, err := NewTrade(btcPerp(t), 0.0004, m, nil, WithRetryInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = trade.Place(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusPending, trade.Status())
	assert.Empty(t, trade.Events())
}

func TestTrade_PlaceQuoteFailure(t *testing.T) {
	m := new(MockTradingAPI)
	m.On("GetQuotes", mock.Anything, "BTC-PERP", 1).
		Return([]model.QuoteLevel(nil), []model.QuoteLevel(nil), api.ErrRequestFailed)

	trade, err := NewTrade(btcPerp(t), 0.0004, m, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, trade.Place(context.Background()), api.ErrRequestFailed)
	m.AssertNotCalled(t, "BuyMarket", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, StatusPending, trade.Status())
}

func TestTrade_PlaceEmptyBook(t *testing.T) {
	m := new(MockTradingAPI)
	m.On("GetQuotes", mock.Anything, "BTC-PERP", 1).Return([]model.QuoteLevel{}, []model.QuoteLevel{}, nil)
	m.On("BuyLimit", mock.Anything, "BTC-PERP", 30000.0, 0.0004).
		Return(orderUpdate(t, "9", model.Limit, model.StatusOpen, 0.0004), nil)

	trade, err := NewLimitTrade(btcPerp(t), 0.0004, 30000, m, nil)
	require.NoError(t, err)
	require.NoError(t, trade.Place(context.Background()))

	events := trade.Events()
	require.Len(t, events, 1)
	assert.True(t, model.IsNA(events[0].BidPrice))
	assert.True(t, model.IsNA(events[0].AskSize))
	assert.Equal(t, model.StatusOpen, trade.Status())
}

func TestTrade_ApplyUpdateMarket(t *testing.T) {
	tests := []struct {
		name           string
		status         model.OrderStatus
		remaining      float64
		expectError    error
		expectedStatus model.OrderStatus
		description    string
	}{
		{
			name:           "closed and fully filled",
			status:         model.StatusClosed,
			remaining:      0,
			expectedStatus: model.StatusClosed,
			description:    "The only valid transition for a market order",
		},
		{
			name:           "closed with remaining size",
			status:         model.StatusClosed,
			remaining:      0.0001,
			expectError:    ErrContractViolation,
			expectedStatus: model.StatusClosed,
			description:    "A market order must not close partially filled",
		},
		{
			name:           "open",
			status:         model.StatusOpen,
			remaining:      0.0004,
			expectError:    ErrContractViolation,
			expectedStatus: model.StatusOpen,
			description:    "Market orders do not rest on the book",
		},
		{
			name:           "error",
			status:         model.StatusError,
			remaining:      0.0004,
			expectError:    ErrContractViolation,
			expectedStatus: model.StatusError,
			description:    "Error status is unexpected for a market order",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trade := placedTrade(t, model.Market)

			err := trade.ApplyUpdate(orderUpdate(t, "42", model.Market, tt.status, tt.remaining))
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError, tt.description)
			} else {
				assert.NoError(t, err, tt.description)
			}
			assert.Equal(t, tt.expectedStatus, trade.Status())
			assert.Len(t, trade.Events(), 2, "every update is logged")
		})
	}
}

func TestTrade_ApplyUpdateAfterTerminal(t *testing.T) {
	trade := placedTrade(t, model.Market)
	require.NoError(t, trade.ApplyUpdate(orderUpdate(t, "42", model.Market, model.StatusClosed, 0)))

	err := trade.ApplyUpdate(orderUpdate(t, "42", model.Market, model.StatusClosed, 0))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, trade.Events(), 2, "rejected updates are not logged")
}

func TestTrade_ApplyUpdateLimit(t *testing.T) {
	trade := placedTrade(t, model.Limit)

	require.NoError(t, trade.ApplyUpdate(orderUpdate(t, "42", model.Limit, model.StatusOpen, 0.0004)))
	require.NoError(t, trade.ApplyUpdate(orderUpdate(t, "42", model.Limit, model.StatusOpen, 0.0002)))
	assert.Equal(t, model.StatusOpen, trade.Status())

	require.NoError(t, trade.ApplyUpdate(orderUpdate(t, "42", model.Limit, model.StatusClosed, 0.0001)),
		"a limit order may close partially filled")
	assert.Equal(t, model.StatusClosed, trade.Status())

	err := trade.ApplyUpdate(orderUpdate(t, "42", model.Limit, model.StatusOpen, 0.0001))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, trade.Events(), 4)
}

func TestTrade_ApplyUpdateLimitError(t *testing.T) {
	trade := placedTrade(t, model.Limit)

	require.NoError(t, trade.ApplyUpdate(orderUpdate(t, "42", model.Limit, model.StatusError, 0.0004)))
	assert.Equal(t, model.StatusError, trade.Status())
	assert.ErrorIs(t, trade.ApplyUpdate(orderUpdate(t, "42", model.Limit, model.StatusClosed, 0)), ErrInvalidTransition)
}

func TestTrade_ApplyUpdateOtherOrder(t *testing.T) {
	trade := placedTrade(t, model.Market)

	err := trade.ApplyUpdate(orderUpdate(t, "43", model.Market, model.StatusClosed, 0))
	assert.ErrorIs(t, err, ErrOrderMismatch)
	assert.Equal(t, model.StatusCreated, trade.Status())
}

func TestTrade_EventsIsCopy(t *testing.T) {
	trade := placedTrade(t, model.Market)

	events := trade.Events()
	events[0].OrderID = "changed"
	assert.Equal(t, "42", trade.Events()[0].OrderID)
}

func TestTrade_ReportAndString(t *testing.T) {
	trade := placedTrade(t, model.Market)
	require.NoError(t, trade.ApplyUpdate(orderUpdate(t, "42", model.Market, model.StatusClosed, 0)))

	report := trade.Report()
	assert.Equal(t, "42", report.OrderID)
	assert.Equal(t, model.Market, report.OrderType)
	assert.Equal(t, model.Buy, report.Side)
	assert.Equal(t, 0.0004, report.Size)
	assert.Equal(t, model.StatusClosed, report.Status)
	assert.Len(t, report.Updates, 2)

	s := trade.String()
	assert.Contains(t, s, "order=42")
	assert.Contains(t, s, "status=CLOSED")
	assert.Contains(t, s, "btc_usd_perp")
}

func BenchmarkTrade_ApplyUpdate(b *testing.B) {
	update := orderUpdate(b, "42", model.Limit, model.StatusOpen, 0.0004)
	m := new(MockTradingAPI)
	inst := btcPerp(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		trade, _ := NewLimitTrade(inst, 0.0004, 31000, m, nil)
		trade.orderID = "42"
		_ = trade.ApplyUpdate(update)
	}
}
