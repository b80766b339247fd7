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

// auditRow is the normalized execution row in the relational audit store.
type auditRow struct {
	TradeID             string          `gorm:"column:trade_id;primaryKey"`
	OrderID             string          `gorm:"column:order_id;index"`
	AccountID           string          `gorm:"column:account_id;index"`
	Symbol              string          `gorm:"column:symbol;index"`
	Side                string          `gorm:"column:side"`
	Quantity            decimal.Decimal `gorm:"column:quantity;type:decimal(20,8)"`
	Price               decimal.Decimal `gorm:"column:price;type:decimal(20,8)"`
	CounterpartyOrderID string          `gorm:"column:counterparty_order_id"`
	Seq                 uint64          `gorm:"column:seq"`
	ExecutedAt          time.Time       `gorm:"column:executed_at"`
	RecordedAt          time.Time       `gorm:"column:recorded_at"`
}

func (auditRow) TableName() string { return "trade_audit" }

// positionSnapshotRow is the append-only position snapshot written next to
// each audited execution.
type positionSnapshotRow struct {
	ID          uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	TradeID     string          `gorm:"column:trade_id;index"`
	AccountID   string          `gorm:"column:account_id;index"`
	Symbol      string          `gorm:"column:symbol"`
	Quantity    decimal.Decimal `gorm:"column:quantity;type:decimal(20,8)"`
	AverageCost decimal.Decimal `gorm:"column:average_cost;type:decimal(20,8)"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,8)"`
	RecordedAt  time.Time       `gorm:"column:recorded_at"`
}

func (positionSnapshotRow) TableName() string { return "position_snapshots" }

// AuditSink writes normalized execution rows plus append-only position
// snapshots. The execution row and its idempotency side run under the
// dispatcher's dedup; inside the sink, row and snapshot share one
// transaction.
type AuditSink struct {
	db        *gorm.DB
	positions PositionLookup
}

// NewAuditSink creates the sink. positions may be nil; snapshots are then
// skipped.
func NewAuditSink(db *gorm.DB, positions PositionLookup) (*AuditSink, error) {
	if err := db.AutoMigrate(&auditRow{}, &positionSnapshotRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit sink: %w", err)
	}
	return &AuditSink{db: db, positions: positions}, nil
}

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Write(ctx context.Context, exec domain.Execution) error {
	now := time.Now()
	row := auditRow{
		TradeID:             exec.TradeID,
		OrderID:             exec.OrderID,
		AccountID:           exec.AccountID,
		Symbol:              exec.Symbol,
		Side:                exec.Side,
		Quantity:            exec.Quantity,
		Price:               exec.Price,
		CounterpartyOrderID: exec.CounterpartyOrderID,
		Seq:                 exec.Seq,
		ExecutedAt:          exec.ExecutedAt,
		RecordedAt:          now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-writing the same trade after a partial failure must not error.
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		if s.positions == nil {
			return nil
		}
		pos, ok := s.positions(exec.AccountID, exec.Symbol)
		if !ok {
			return nil
		}
		snap := positionSnapshotRow{
			TradeID:     exec.TradeID,
			AccountID:   pos.AccountID,
			Symbol:      pos.Symbol,
			Quantity:    pos.Quantity,
			AverageCost: pos.AverageCost,
			RealizedPnL: pos.RealizedPnL,
			RecordedAt:  now,
		}
		return tx.Create(&snap).Error
	})
	if err != nil {
		return domain.NewDependencyError(s.Name(), "write", err)
	}
	return nil
}

var _ Sink = (*AuditSink)(nil)
