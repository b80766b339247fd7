package event

import (
	"time"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

// ValidOrder is the payload on orders.valid: the original order plus its
// decision timestamp. Keyed by account ID.
type ValidOrder struct {
	Order       domain.Order `json:"order"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// RejectedOrder is the payload on orders.rejected: the original order plus
// the machine-readable reason code. Keyed by account ID.
type RejectedOrder struct {
	Order       domain.Order `json:"order"`
	Reason      string       `json:"reason"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// PositionChanged is the payload on positions.changed, emitted after every
// successful settlement apply. At-least-once; consumers dedup on
// (TradeID, AccountID, Symbol).
type PositionChanged struct {
	TradeID  string          `json:"trade_id"`
	Position domain.Position `json:"position"`
}
