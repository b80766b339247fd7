// Package matching defines the external matching engine contract the
// pipeline depends on. The engine itself is an opaque collaborator doing
// price-time-priority matching with partial fills; only the shape of the
// contract is relied upon. A simulated in-process implementation lives in
// this package for tests and single-process runs.
package matching

import (
	"context"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

// EmitFunc receives each execution the engine produces. Implementations
// forward to the trades log; delivery downstream is at-least-once.
type EmitFunc func(ctx context.Context, exec domain.Execution) error

// Engine is the matching engine contract: submit an accepted order, cancel
// a resting one. Executions flow out through the EmitFunc given at
// construction time, one per counterparty per partial or full fill.
type Engine interface {
	Submit(ctx context.Context, order domain.Order) error
	Cancel(ctx context.Context, orderID string) error
}
