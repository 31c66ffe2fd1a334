package execution

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tradecore/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ErrEmptyReport is returned when a report without updates is persisted.
var ErrEmptyReport = errors.New("execution report has no updates")

// Store persists the update log of completed trades.
type Store interface {
	Save(ctx context.Context, report model.ExecutionReport) error
}

// CSVStore writes one file per trade into Dir, named by the first update's timestamp
// in nanoseconds and the order id.
type CSVStore struct {
	Dir string
}

func NewCSVStore(dir string) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trade log dir: %w", err)
	}
	return &CSVStore{Dir: dir}, nil
}

// FileName returns the trade log file name of report.
func FileName(report model.ExecutionReport) (string, error) {
	if len(report.Updates) == 0 {
		return "", ErrEmptyReport
	}
	nanos := decimal.NewFromFloat(report.Updates[0].Timestamp).Shift(9).Round(0).IntPart()
	return fmt.Sprintf("%d_%s.csv", nanos, report.OrderID), nil
}

func (s *CSVStore) Save(_ context.Context, report model.ExecutionReport) error {
	name, err := FileName(report)
	if err != nil {
		return err
	}
	path := filepath.Join(s.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trade log: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(model.OrderUpdateFields); err != nil {
		f.Close()
		return fmt.Errorf("write trade log header: %w", err)
	}
	for _, u := range report.Updates {
		if err := w.Write(u.Values()); err != nil {
			f.Close()
			return fmt.Errorf("write trade log row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush trade log: %w", err)
	}
	return f.Close()
}

// TradeEvent is one persisted order update row.
type TradeEvent struct {
	ID            uint   `gorm:"primaryKey"`
	OrderID       string `gorm:"index:idx_trade_events_order_seq,priority:1"`
	Seq           int    `gorm:"index:idx_trade_events_order_seq,priority:2"`
	Timestamp     float64
	Instrument    string
	OrderType     string
	Side          string
	Status        string
	Size          float64
	FilledSize    *float64
	RemainingSize *float64
	AvgFillPrice  *float64
	OrderCreated  *float64
	Price         *float64
	ClientID      string
	BidPrice      *float64
	BidSize       *float64
	AskPrice      *float64
	AskSize       *float64
}

func (TradeEvent) TableName() string { return "trade_events" }

// GormStore writes trade logs into the trade_events table.
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and returns a migrated GormStore.
func OpenPostgres(dsn string, config *gorm.Config) (*GormStore, error) {
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore migrates the trade_events table on db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&TradeEvent{}); err != nil {
		return nil, fmt.Errorf("migrate trade_events: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, report model.ExecutionReport) error {
	if len(report.Updates) == 0 {
		return ErrEmptyReport
	}
	rows := make([]TradeEvent, 0, len(report.Updates))
	for i, u := range report.Updates {
		rows = append(rows, newTradeEvent(report.OrderID, i, u))
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert trade events: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newTradeEvent(orderID string, seq int, u model.OrderUpdate) TradeEvent {
	return TradeEvent{
		OrderID:       orderID,
		Seq:           seq,
		Timestamp:     u.Timestamp,
		Instrument:    u.Instrument.Name,
		OrderType:     string(u.OrderType),
		Side:          string(u.Side),
		Status:        string(u.Status),
		Size:          u.Size,
		FilledSize:    nullable(u.FilledSize),
		RemainingSize: nullable(u.RemainingSize),
		AvgFillPrice:  nullable(u.AvgFillPrice),
		OrderCreated:  u.CreatedAt,
		Price:         nullable(u.Price),
		ClientID:      u.ClientID,
		BidPrice:      nullable(u.BidPrice),
		BidSize:       nullable(u.BidSize),
		AskPrice:      nullable(u.AskPrice),
		AskSize:       nullable(u.AskSize),
	}
}

// nullable maps NA to SQL NULL.
func nullable(v float64) *float64 {
	if model.IsNA(v) {
		return nil
	}
	return &v
}
