package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Default limits applied when an account has no row in the reference store.
var (
	DefaultMaxPositionValue = decimal.NewFromInt(100_000)
	DefaultDailyLossLimit   = decimal.NewFromInt(5_000)
)

// AccountRiskLimits is mutable reference data owned by an administrative
// process outside this pipeline; the pipeline only reads it.
type AccountRiskLimits struct {
	AccountID        string          `json:"account_id"`
	MaxPositionValue decimal.Decimal `json:"max_position_value"`
	DailyLossLimit   decimal.Decimal `json:"daily_loss_limit"`
}

// DefaultRiskLimits returns the limits used when no row exists.
func DefaultRiskLimits(accountID string) AccountRiskLimits {
	return AccountRiskLimits{
		AccountID:        accountID,
		MaxPositionValue: DefaultMaxPositionValue,
		DailyLossLimit:   DefaultDailyLossLimit,
	}
}

// BlacklistEntry marks an account as blocked. The existence of the row is
// the signal; cached locally with a bounded TTL (one hour of staleness is
// accepted).
type BlacklistEntry struct {
	AccountID     string    `json:"account_id"`
	Reason        string    `json:"reason"`
	BlacklistedAt time.Time `json:"blacklisted_at"`
}
