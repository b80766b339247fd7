// Package store is the read layer over the Account State Store: per-account
// risk limits and blacklist entries, owned by an administrative process
// outside this pipeline. The pipeline never writes here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

// riskLimitsRow maps the account_risk_limits table.
type riskLimitsRow struct {
	AccountID        string          `gorm:"column:account_id;primaryKey"`
	MaxPositionValue decimal.Decimal `gorm:"column:max_position_value;type:decimal(20,4)"`
	DailyLossLimit   decimal.Decimal `gorm:"column:daily_loss_limit;type:decimal(20,4)"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (riskLimitsRow) TableName() string { return "account_risk_limits" }

// blacklistRow maps the account_blacklist table. Row existence is the
// signal.
type blacklistRow struct {
	AccountID     string    `gorm:"column:account_id;primaryKey"`
	Reason        string    `gorm:"column:reason"`
	BlacklistedAt time.Time `gorm:"column:blacklisted_at"`
}

func (blacklistRow) TableName() string { return "account_blacklist" }

// Accounts implements domain.AccountReference on gorm.
type Accounts struct {
	db *gorm.DB
}

// Open connects to the Account State Store. driver is "postgres" in
// deployments and "sqlite" for local runs and tests.
func Open(driver, dsn string) (*Accounts, error) {
	var dial gorm.Dialector
	switch driver {
	case "postgres":
		dial = postgres.Open(dsn)
	case "sqlite", "":
		dial = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported account store driver: %s", driver)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to account store: %w", err)
	}

	// The tables are owned by the administrative process; migration here
	// only matters for sqlite-backed local runs and is a no-op otherwise.
	if err := db.AutoMigrate(&riskLimitsRow{}, &blacklistRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate account store: %w", err)
	}

	return &Accounts{db: db}, nil
}

// NewWithDB wraps an existing gorm handle. Test hook.
func NewWithDB(db *gorm.DB) (*Accounts, error) {
	if err := db.AutoMigrate(&riskLimitsRow{}, &blacklistRow{}); err != nil {
		return nil, err
	}
	return &Accounts{db: db}, nil
}

// RiskLimits returns the account's limits, or the documented defaults when
// the account has no row.
func (a *Accounts) RiskLimits(ctx context.Context, accountID string) (domain.AccountRiskLimits, error) {
	var row riskLimitsRow
	err := a.db.WithContext(ctx).First(&row, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DefaultRiskLimits(accountID), nil
	}
	if err != nil {
		return domain.AccountRiskLimits{}, domain.NewDependencyError("account-store", "get risk limits", err)
	}
	return domain.AccountRiskLimits{
		AccountID:        row.AccountID,
		MaxPositionValue: row.MaxPositionValue,
		DailyLossLimit:   row.DailyLossLimit,
	}, nil
}

// Blacklisted reports whether a blacklist row exists for the account.
func (a *Accounts) Blacklisted(ctx context.Context, accountID string) (bool, error) {
	var count int64
	err := a.db.WithContext(ctx).Model(&blacklistRow{}).Where("account_id = ?", accountID).Count(&count).Error
	if err != nil {
		return false, domain.NewDependencyError("account-store", "get blacklist", err)
	}
	return count > 0, nil
}

// Seed inserts reference rows. Used by tests and local fixtures only; the
// production tables are owned externally.
func (a *Accounts) Seed(ctx context.Context, limits []domain.AccountRiskLimits, blacklist []domain.BlacklistEntry) error {
	for _, l := range limits {
		row := riskLimitsRow{
			AccountID:        l.AccountID,
			MaxPositionValue: l.MaxPositionValue,
			DailyLossLimit:   l.DailyLossLimit,
			UpdatedAt:        time.Now(),
		}
		if err := a.db.WithContext(ctx).Save(&row).Error; err != nil {
			return err
		}
	}
	for _, b := range blacklist {
		row := blacklistRow{
			AccountID:     b.AccountID,
			Reason:        b.Reason,
			BlacklistedAt: b.BlacklistedAt,
		}
		if err := a.db.WithContext(ctx).Save(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

var _ domain.AccountReference = (*Accounts)(nil)
