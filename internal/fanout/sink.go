// Package fanout delivers each execution to every configured sink exactly
// once from the sink's observable perspective, despite at-least-once
// delivery from the trades log and independently failing sinks. Dedup is
// an IdempotencyRecord per (tradeId, sinkName); retry discipline is
// uniform across sinks, payload shaping is sink-specific.
package fanout

import (
	"context"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

// Sink is one downstream consumer of executions. Write must be safe to
// call again after an error; the dispatcher retries until it succeeds.
type Sink interface {
	Name() string
	Write(ctx context.Context, exec domain.Execution) error
}

// PositionLookup lets sinks snapshot the current position for an
// execution's key. Wired to the settlement service.
type PositionLookup func(accountID, symbol string) (domain.Position, bool)
