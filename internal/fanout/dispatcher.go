package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aryan2574/quantis-sub002/internal/domain"
	"github.com/aryan2574/quantis-sub002/internal/event"
	"github.com/aryan2574/quantis-sub002/internal/infra"
)

// Config tunes the dispatcher.
type Config struct {
	// Retention bounds how long IdempotencyRecords are kept.
	Retention time.Duration
	// MaxBackoff caps the per-sink retry delay.
	MaxBackoff time.Duration
	// QueueDepth is the per-sink backlog; a full queue applies
	// backpressure to this consumer group only.
	QueueDepth int
}

// ConfigFromInfra builds the dispatcher config from the application config.
func ConfigFromInfra(cfg *infra.Config) Config {
	return Config{
		Retention:  time.Duration(cfg.Fanout.RetentionDays) * 24 * time.Hour,
		MaxBackoff: time.Duration(cfg.Fanout.MaxBackoffSec) * time.Second,
	}
}

// Dispatcher fans executions out to sinks. Each sink gets its own queue
// and worker goroutine: a failing sink retries with exponential backoff
// forever (correctness requires eventual delivery, not bounded latency)
// and never blocks or poisons the other sinks.
type Dispatcher struct {
	cfg     Config
	log     event.Log
	records *IdempotencyStore
	sinks   []Sink
	queues  []chan domain.Execution

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(cfg Config, log event.Log, records *IdempotencyStore, sinks ...Sink) *Dispatcher {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:     cfg,
		log:     log,
		records: records,
		sinks:   sinks,
		queues:  make([]chan domain.Execution, len(sinks)),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range sinks {
		d.queues[i] = make(chan domain.Execution, cfg.QueueDepth)
	}
	return d
}

// Start launches the sink workers, the retention pruner and the trades
// subscription.
func (d *Dispatcher) Start() {
	for i := range d.sinks {
		d.wg.Add(1)
		go d.runSink(i)
	}
	d.wg.Add(1)
	go d.runPruner()
	if d.log != nil {
		d.log.Subscribe(event.TopicTrades, "fanout", d.handle)
	}
}

// Close stops the workers. In-flight retries are abandoned; the upstream
// log redelivers on restart.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Dispatch enqueues one execution for every sink. Exposed for tests; the
// log subscription calls it for each message.
func (d *Dispatcher) Dispatch(ctx context.Context, exec domain.Execution) error {
	for i := range d.sinks {
		select {
		case d.queues[i] <- exec:
		case <-ctx.Done():
			return ctx.Err()
		case <-d.ctx.Done():
			return d.ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, msg event.Message) error {
	var exec domain.Execution
	if err := json.Unmarshal(msg.Payload, &exec); err != nil {
		return fmt.Errorf("decode execution: %w", err)
	}
	if exec.TradeID == "" {
		return fmt.Errorf("execution without trade id")
	}
	return d.Dispatch(ctx, exec)
}

// runSink is the per-sink delivery loop: dedup check, write, record.
func (d *Dispatcher) runSink(i int) {
	defer d.wg.Done()
	sink := d.sinks[i]
	for {
		select {
		case <-d.ctx.Done():
			return
		case exec := <-d.queues[i]:
			d.deliver(sink, exec)
		}
	}
}

// deliver applies one execution to one sink exactly once, retrying
// transient failures forever with capped backoff.
func (d *Dispatcher) deliver(sink Sink, exec domain.Execution) {
	retry := 0
	for {
		err := d.deliverOnce(sink, exec)
		if err == nil {
			return
		}

		infra.GlobalMetrics.RecordSinkRetry()
		delay := infra.CalculateBackoff(retry, 100*time.Millisecond, d.cfg.MaxBackoff)
		slog.Warn("sink delivery retry",
			slog.String("sink", sink.Name()),
			slog.String("trade_id", exec.TradeID),
			slog.Int("retry", retry),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		retry++

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (d *Dispatcher) deliverOnce(sink Sink, exec domain.Execution) error {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	applied, err := d.records.Applied(ctx, exec.TradeID, sink.Name())
	if err != nil {
		return err
	}
	if applied {
		infra.GlobalMetrics.RecordDuplicate()
		return nil
	}

	if err := sink.Write(ctx, exec); err != nil {
		return err
	}

	// Sink writes are idempotent per trade, so a crash between write and
	// record only causes a harmless re-write on redelivery.
	if err := d.records.Record(ctx, exec.TradeID, sink.Name()); err != nil {
		return err
	}

	infra.GlobalMetrics.RecordSinkWrite()
	return nil
}

// runPruner enforces the IdempotencyRecord retention window.
func (d *Dispatcher) runPruner() {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(d.ctx, time.Minute)
			pruned, err := d.records.Prune(ctx, d.cfg.Retention)
			cancel()
			if err != nil {
				slog.Warn("idempotency prune failed", slog.Any("error", err))
				continue
			}
			if pruned > 0 {
				slog.Info("idempotency records pruned", slog.Int64("count", pruned))
			}
		}
	}
}
