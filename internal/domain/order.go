package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a trading order as received from the ingress log.
// Orders are immutable once created; the pipeline consumes each order
// logically exactly once, keyed by ID.
type Order struct {
	ID          string          `json:"order_id"`
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"` // "BUY", "SELL"
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Notional returns the order value (quantity * limit price).
func (o *Order) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.LimitPrice)
}

// PositionKey returns the linearization key shared with executions and
// positions for this order.
func (o *Order) PositionKey() string {
	return PositionKey(o.AccountID, o.Symbol)
}

// PositionKey builds the (account, instrument) key used to partition
// settlement work.
func PositionKey(accountID, symbol string) string {
	return accountID + "|" + symbol
}

// ValidAccountID reports whether the account identifier is well formed:
// non-empty, at most 64 characters, letters/digits/dash/underscore only.
func ValidAccountID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// NormalizeSide upper-cases a side string for comparison.
func NormalizeSide(side string) string {
	return strings.ToUpper(strings.TrimSpace(side))
}
