package domain

import "time"

// Outcome is the verdict of a risk evaluation.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
)

// Rejection reason codes. Every rejection carries exactly one of these;
// there is no unknown rejection. ReasonInternalError is the fail-closed
// terminal code for unexpected faults and dependency timeouts.
const (
	ReasonInvalidAccountIDFormat    = "invalid_account_id_format"
	ReasonAccountBlacklisted        = "account_blacklisted"
	ReasonInvalidQuantity           = "invalid_quantity"
	ReasonInvalidPrice              = "invalid_price"
	ReasonInvalidSide               = "invalid_side"
	ReasonPriceDeviationTooLarge    = "price_deviation_too_large"
	ReasonInsufficientFunds         = "insufficient_funds"
	ReasonPositionLimitExceeded     = "position_limit_exceeded"
	ReasonConcentrationRiskTooHigh  = "concentration_risk_too_high"
	ReasonDailyLossLimitExceeded    = "daily_loss_limit_exceeded"
	ReasonOrderVelocityTooHigh      = "order_velocity_too_high"
	ReasonMarketClosed              = "market_closed"
	ReasonHighRiskSymbolLimit       = "high_risk_symbol_limit_exceeded"
	ReasonInternalError             = "internal_error"
)

// RiskDecision is the accept/reject verdict for one order. Derived data,
// never mutated; downstream consumers dedup on OrderID so at most one
// decision takes effect per order.
type RiskDecision struct {
	OrderID     string    `json:"order_id"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"` // empty on accept
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Accepted reports whether the decision lets the order through.
func (d RiskDecision) Accepted() bool {
	return d.Outcome == OutcomeAccepted
}
