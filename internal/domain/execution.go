package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Execution (a fill) is a confirmed match produced by the matching engine.
// Immutable; delivered at-least-once on the trades log, so every consumer
// must dedup on TradeID.
//
// Seq is assigned by the matching engine and is monotonically increasing
// per (account, instrument) key. Settlement uses it to detect and buffer
// out-of-order arrivals.
type Execution struct {
	TradeID             string          `json:"trade_id"`
	OrderID             string          `json:"order_id"`
	AccountID           string          `json:"account_id"`
	Symbol              string          `json:"symbol"`
	Side                string          `json:"side"`
	Quantity            decimal.Decimal `json:"quantity"`
	Price               decimal.Decimal `json:"price"`
	CounterpartyOrderID string          `json:"counterparty_order_id,omitempty"`
	Seq                 uint64          `json:"seq"`
	ExecutedAt          time.Time       `json:"executed_at"`
}

// Notional returns the traded value (quantity * price).
func (e *Execution) Notional() decimal.Decimal {
	return e.Quantity.Mul(e.Price)
}

// PositionKey returns the settlement linearization key for this fill.
func (e *Execution) PositionKey() string {
	return PositionKey(e.AccountID, e.Symbol)
}
