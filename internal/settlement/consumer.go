package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aryan2574/quantis-sub002/internal/domain"
	"github.com/aryan2574/quantis-sub002/internal/event"
)

// Consumer feeds the service from the trades log. The log partitions by
// the position key, so executions for one key arrive on one partition and
// the shard worker sees them in delivery order; the reorder buffer only
// engages when redelivery or an upstream producer breaks that order.
type Consumer struct {
	svc *Service
	log event.Log
}

// NewConsumer creates the settlement consumer.
func NewConsumer(svc *Service, log event.Log) *Consumer {
	return &Consumer{svc: svc, log: log}
}

// Start subscribes to the trades topic.
func (c *Consumer) Start() {
	c.log.Subscribe(event.TopicTrades, "settlement", c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg event.Message) error {
	var exec domain.Execution
	if err := json.Unmarshal(msg.Payload, &exec); err != nil {
		return fmt.Errorf("decode execution: %w", err)
	}
	if exec.TradeID == "" {
		return fmt.Errorf("execution without trade id")
	}
	if _, err := c.svc.Apply(ctx, exec); err != nil {
		return fmt.Errorf("apply execution %s: %w", exec.TradeID, err)
	}
	return nil
}
