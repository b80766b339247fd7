package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aryan2574/quantis-sub002/internal/domain"
	"github.com/aryan2574/quantis-sub002/internal/event"
)

// Consumer drives the engine from the inbound order log and publishes
// decisions to the valid/rejected topics. The order log delivers
// at-least-once; the consumer is idempotent on order ID and re-emits the
// prior decision for duplicates, so downstream sees exactly one effective
// decision per order.
type Consumer struct {
	engine *Engine
	log    event.Log

	mu   sync.Mutex
	seen map[string]domain.RiskDecision
}

// NewConsumer creates the admission consumer.
func NewConsumer(engine *Engine, log event.Log) *Consumer {
	return &Consumer{engine: engine, log: log, seen: make(map[string]domain.RiskDecision)}
}

// Start subscribes to the inbound order topic. Partition key upstream is
// the account ID, so all orders of one account are evaluated in order.
func (c *Consumer) Start() {
	c.log.Subscribe(event.TopicOrdersIn, "risk-engine", c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg event.Message) error {
	var order domain.Order
	if err := json.Unmarshal(msg.Payload, &order); err != nil {
		// Malformed payloads are not retriable; let redelivery exhaust and
		// dead-letter the message.
		return fmt.Errorf("decode order: %w", err)
	}
	if order.ID == "" {
		return fmt.Errorf("order without id")
	}

	c.mu.Lock()
	decision, duplicate := c.seen[order.ID]
	c.mu.Unlock()

	if !duplicate {
		decision = c.engine.Evaluate(ctx, order)
		c.mu.Lock()
		c.seen[order.ID] = decision
		c.mu.Unlock()
	}

	return c.publish(ctx, order, decision)
}

func (c *Consumer) publish(ctx context.Context, order domain.Order, decision domain.RiskDecision) error {
	if decision.Accepted() {
		payload, err := json.Marshal(event.ValidOrder{Order: order, EvaluatedAt: decision.EvaluatedAt})
		if err != nil {
			return fmt.Errorf("encode valid order: %w", err)
		}
		return c.log.Publish(ctx, event.TopicOrdersValid, order.AccountID, payload)
	}

	slog.Info("order rejected",
		slog.String("order_id", order.ID),
		slog.String("account_id", order.AccountID),
		slog.String("reason", decision.Reason))
	payload, err := json.Marshal(event.RejectedOrder{Order: order, Reason: decision.Reason, EvaluatedAt: decision.EvaluatedAt})
	if err != nil {
		return fmt.Errorf("encode rejected order: %w", err)
	}
	return c.log.Publish(ctx, event.TopicOrdersRejected, order.AccountID, payload)
}

// Decision returns the recorded decision for an order, if any. Test hook.
func (c *Consumer) Decision(orderID string) (domain.RiskDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.seen[orderID]
	return d, ok
}
