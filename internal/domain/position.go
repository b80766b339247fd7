package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is an account's holding in one instrument. One row per
// (account, instrument); mutated only by the settlement service, which
// serializes all updates for the same key. Zero-quantity rows are kept
// as closed positions, never deleted.
type Position struct {
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"` // signed; negative = short
	AverageCost decimal.Decimal `json:"average_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	CashDelta   decimal.Decimal `json:"cash_delta"` // cumulative cash contribution
	LastSeq     uint64          `json:"last_seq"`   // last applied execution sequence
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewPosition returns the zero-state position for a key.
func NewPosition(accountID, symbol string) Position {
	return Position{AccountID: accountID, Symbol: symbol}
}

// Key returns the settlement linearization key.
func (p *Position) Key() string {
	return PositionKey(p.AccountID, p.Symbol)
}

// ApplyExecution returns the position after applying one fill. Pure
// arithmetic; idempotency and ordering are enforced by the caller.
//
// Cost basis is a weighted average on the long leg. Selling through zero
// realizes P&L on the closed quantity and re-opens the remainder as a
// short leg at the execution price; buying back through zero mirrors it.
func (p Position) ApplyExecution(e Execution) Position {
	next := p
	value := e.Quantity.Mul(e.Price)

	switch NormalizeSide(e.Side) {
	case SideBuy:
		newQty := p.Quantity.Add(e.Quantity)
		switch {
		case p.Quantity.IsZero():
			next.AverageCost = e.Price
		case p.Quantity.Sign() < 0 && newQty.Sign() > 0:
			// Cover the full short, open the remainder long.
			next.RealizedPnL = p.RealizedPnL.Add(p.Quantity.Neg().Mul(p.AverageCost.Sub(e.Price)))
			next.AverageCost = e.Price
		case p.Quantity.Sign() < 0 && newQty.IsZero():
			next.RealizedPnL = p.RealizedPnL.Add(p.Quantity.Neg().Mul(p.AverageCost.Sub(e.Price)))
			next.AverageCost = decimal.Zero
		case p.Quantity.Sign() < 0:
			// Partial cover: basis of the remaining short is unchanged.
			next.RealizedPnL = p.RealizedPnL.Add(e.Quantity.Mul(p.AverageCost.Sub(e.Price)))
		default:
			next.AverageCost = p.Quantity.Mul(p.AverageCost).Add(value).Div(newQty)
		}
		next.Quantity = newQty
		next.CashDelta = p.CashDelta.Sub(value)

	case SideSell:
		newQty := p.Quantity.Sub(e.Quantity)
		switch {
		case newQty.Sign() > 0:
			// Partial close: average cost unchanged.
		case newQty.IsZero():
			next.AverageCost = decimal.Zero
			next.RealizedPnL = p.RealizedPnL.Add(value.Sub(p.Quantity.Mul(p.AverageCost)))
		default:
			// Flips to short: realize the long leg, basis for the short
			// leg is the execution price.
			next.RealizedPnL = p.RealizedPnL.Add(p.Quantity.Mul(e.Price.Sub(p.AverageCost)))
			next.AverageCost = e.Price
		}
		next.Quantity = newQty
		next.CashDelta = p.CashDelta.Add(value)
	}

	next.LastSeq = e.Seq
	next.UpdatedAt = e.ExecutedAt
	return next
}

// MarketValue returns quantity * currentPrice.
func (p *Position) MarketValue(currentPrice decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(currentPrice)
}

// UnrealizedPnL returns marketValue - quantity * averageCost.
func (p *Position) UnrealizedPnL(currentPrice decimal.Decimal) decimal.Decimal {
	return p.MarketValue(currentPrice).Sub(p.Quantity.Mul(p.AverageCost))
}

// Closed reports whether the position is flat.
func (p *Position) Closed() bool {
	return p.Quantity.IsZero()
}
