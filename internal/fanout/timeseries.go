package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

// timeseriesRow is the time-series store row: partitioned by
// (symbol, bucket_date), clustered by trade ID within a partition.
type timeseriesRow struct {
	Symbol     string          `gorm:"column:symbol;primaryKey"`
	BucketDate string          `gorm:"column:bucket_date;primaryKey"` // yyyy-mm-dd UTC
	TradeID    string          `gorm:"column:trade_id;primaryKey"`
	AccountID  string          `gorm:"column:account_id"`
	Side       string          `gorm:"column:side"`
	Quantity   decimal.Decimal `gorm:"column:quantity;type:decimal(20,8)"`
	Price      decimal.Decimal `gorm:"column:price;type:decimal(20,8)"`
	Notional   decimal.Decimal `gorm:"column:notional;type:decimal(20,8)"`
	ExecutedAt time.Time       `gorm:"column:executed_at;index"`
}

func (timeseriesRow) TableName() string { return "trade_timeseries" }

// TimeseriesSink writes per-trade rows keyed for time-range scans per
// instrument.
type TimeseriesSink struct {
	db *gorm.DB
}

// NewTimeseriesSink creates the sink.
func NewTimeseriesSink(db *gorm.DB) (*TimeseriesSink, error) {
	if err := db.AutoMigrate(&timeseriesRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate timeseries sink: %w", err)
	}
	return &TimeseriesSink{db: db}, nil
}

func (s *TimeseriesSink) Name() string { return "timeseries" }

func (s *TimeseriesSink) Write(ctx context.Context, exec domain.Execution) error {
	row := timeseriesRow{
		Symbol:     exec.Symbol,
		BucketDate: exec.ExecutedAt.UTC().Format("2006-01-02"),
		TradeID:    exec.TradeID,
		AccountID:  exec.AccountID,
		Side:       exec.Side,
		Quantity:   exec.Quantity,
		Price:      exec.Price,
		Notional:   exec.Notional(),
		ExecutedAt: exec.ExecutedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return domain.NewDependencyError(s.Name(), "write", err)
	}
	return nil
}

var _ Sink = (*TimeseriesSink)(nil)
