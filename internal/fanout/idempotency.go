package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

// idempotencyRow maps the idempotency_records table. One row proves a
// (tradeId, sink) pair has been applied. Rows are created once, never
// updated, and pruned on the retention window.
type idempotencyRow struct {
	TradeID   string    `gorm:"column:trade_id;primaryKey"`
	SinkName  string    `gorm:"column:sink_name;primaryKey"`
	AppliedAt time.Time `gorm:"column:applied_at;index"`
}

func (idempotencyRow) TableName() string { return "idempotency_records" }

// IdempotencyStore persists applied (tradeId, sink) pairs.
type IdempotencyStore struct {
	db *gorm.DB
}

// OpenIdempotencyStore connects the store. Shares the sink database.
func OpenIdempotencyStore(driver, dsn string) (*IdempotencyStore, error) {
	db, err := openSinkDB(driver, dsn)
	if err != nil {
		return nil, err
	}
	return NewIdempotencyStore(db)
}

// NewIdempotencyStore wraps an existing gorm handle.
func NewIdempotencyStore(db *gorm.DB) (*IdempotencyStore, error) {
	if err := db.AutoMigrate(&idempotencyRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate idempotency store: %w", err)
	}
	return &IdempotencyStore{db: db}, nil
}

// Applied reports whether the pair has already been recorded.
func (s *IdempotencyStore) Applied(ctx context.Context, tradeID, sinkName string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&idempotencyRow{}).
		Where("trade_id = ? AND sink_name = ?", tradeID, sinkName).
		Count(&count).Error
	if err != nil {
		return false, domain.NewDependencyError("idempotency-store", "lookup", err)
	}
	return count > 0, nil
}

// Record marks the pair as applied. A concurrent duplicate insert is a
// no-op success.
func (s *IdempotencyStore) Record(ctx context.Context, tradeID, sinkName string) error {
	row := idempotencyRow{TradeID: tradeID, SinkName: sinkName, AppliedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.NewDependencyError("idempotency-store", "record", err)
	}
	return nil
}

// Prune deletes records older than the retention window and returns the
// number removed.
func (s *IdempotencyStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := s.db.WithContext(ctx).Where("applied_at < ?", cutoff).Delete(&idempotencyRow{})
	if res.Error != nil {
		return 0, domain.NewDependencyError("idempotency-store", "prune", res.Error)
	}
	return res.RowsAffected, nil
}

// openSinkDB opens the shared sink database by driver name.
func openSinkDB(driver, dsn string) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch driver {
	case "postgres":
		dial = postgres.Open(dsn)
	case "sqlite", "":
		dial = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sink store driver: %s", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sink store: %w", err)
	}
	return db, nil
}

// OpenSinkDB exposes the shared connection for the relational sinks.
func OpenSinkDB(driver, dsn string) (*gorm.DB, error) {
	return openSinkDB(driver, dsn)
}
