package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StateCache is the Fast State Cache shared by many concurrent pipeline
// workers: last traded prices, rolling daily P&L, cash balances, position
// market values, order-velocity counters, market halt flags and cached
// blacklist verdicts. All mutations use atomic primitives on the backing
// store (INCR/EXPIRE/IncrByFloat), never read-modify-write.
type StateCache interface {
	// LastPrice returns the last traded price for a symbol. ok is false
	// when no price has been published yet (cold start).
	LastPrice(ctx context.Context, symbol string) (price decimal.Decimal, ok bool, err error)
	SetLastPrice(ctx context.Context, symbol string, price decimal.Decimal) error

	// DailyPnL returns the account's rolling P&L for the current UTC day;
	// zero when absent.
	DailyPnL(ctx context.Context, accountID string) (decimal.Decimal, error)
	AddDailyPnL(ctx context.Context, accountID string, delta decimal.Decimal) error

	// CashBalance returns the account's cash balance. ok is false when the
	// account has never been funded.
	CashBalance(ctx context.Context, accountID string) (balance decimal.Decimal, ok bool, err error)
	AdjustCash(ctx context.Context, accountID string, delta decimal.Decimal) error

	// PositionValue returns the cached market value of one position; zero
	// when absent. PortfolioValue is the sum over the account's positions.
	PositionValue(ctx context.Context, accountID, symbol string) (decimal.Decimal, error)
	SetPositionValue(ctx context.Context, accountID, symbol string, value decimal.Decimal) error
	PortfolioValue(ctx context.Context, accountID string) (decimal.Decimal, error)

	// IncrOrderCount atomically increments the account's rolling order
	// counter and returns the new count. The window TTL is set only when
	// the counter is created.
	IncrOrderCount(ctx context.Context, accountID string, window time.Duration) (int64, error)
	OrderCount(ctx context.Context, accountID string) (int64, error)

	// Halted reports whether the instrument is flagged halted or closed.
	Halted(ctx context.Context, symbol string) (bool, error)
	SetHalted(ctx context.Context, symbol string, halted bool) error

	// BlacklistVerdict returns a cached blacklist verdict. known is false
	// on cache miss; callers fall back to the Account State Store and
	// backfill with SetBlacklistVerdict.
	BlacklistVerdict(ctx context.Context, accountID string) (blacklisted bool, known bool, err error)
	SetBlacklistVerdict(ctx context.Context, accountID string, blacklisted bool, ttl time.Duration) error
}

// AccountReference is the read-only query surface of the Account State
// Store. The pipeline never writes risk limits or blacklist entries.
type AccountReference interface {
	// RiskLimits returns the account's limits, or the documented defaults
	// when the account has no row.
	RiskLimits(ctx context.Context, accountID string) (AccountRiskLimits, error)

	// Blacklisted reports whether a blacklist row exists for the account.
	Blacklisted(ctx context.Context, accountID string) (bool, error)
}
