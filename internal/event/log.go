package event

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/aryan2574/quantis-sub002/internal/domain"
	"github.com/aryan2574/quantis-sub002/internal/infra"
)

// Topic names used by the pipeline.
const (
	TopicOrdersIn       = "orders.in"
	TopicOrdersValid    = "orders.valid"
	TopicOrdersRejected = "orders.rejected"
	TopicTrades         = "trades.out"
	TopicPositions      = "positions.changed"

	// DLQSuffix is appended to a topic name for its dead-letter topic.
	DLQSuffix = ".dlq"
)

// Message is the unit passed through the log. Payload is the JSON-encoded
// domain object; Key is the partition key (accountId for orders,
// accountId|symbol for executions).
type Message struct {
	Topic       string
	Key         string
	Payload     []byte
	Partition   int
	Attempt     int
	PublishedAt time.Time
}

// HandlerFunc processes one message. Returning an error triggers
// redelivery with backoff; after the attempt budget the message is moved
// to the topic's dead-letter topic instead of blocking the partition.
type HandlerFunc func(ctx context.Context, msg Message) error

// Log is the durable partitioned log contract the pipeline consumes and
// produces. Ordering is guaranteed only within a partition key, never
// globally. Delivery to subscribers is at-least-once; every consumer in
// this pipeline dedups on its message's natural ID.
type Log interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Subscribe(topic, group string, h HandlerFunc)
}

// Partition selects the partition for a key using FNV-1a, so all messages
// for one key land on the same partition.
func Partition(key string, partitions int) int {
	if partitions <= 0 {
		partitions = 1
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

// MemoryLog is an in-process Log with the same observable semantics as an
// external partitioned log: per-partition ordering, independent consumer
// groups, redelivery on handler error and dead-lettering of poison
// messages. It backs tests and single-process local runs.
type MemoryLog struct {
	partitions  int
	maxAttempts int
	retryBase   time.Duration
	buffer      int

	mu     sync.Mutex
	groups map[string]map[string]*group // topic -> group name -> group
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type group struct {
	name  string
	parts []chan Message
}

// MemoryLogConfig tunes the in-process log.
type MemoryLogConfig struct {
	Partitions  int
	MaxAttempts int
	RetryBase   time.Duration
	Buffer      int
}

// NewMemoryLog creates a running in-process log. Close releases it.
func NewMemoryLog(cfg MemoryLogConfig) *MemoryLog {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryLog{
		partitions:  cfg.Partitions,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		buffer:      cfg.Buffer,
		groups:      make(map[string]map[string]*group),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Publish fans the message out to every subscriber group of the topic.
// Blocks when a group's partition buffer is full, applying backpressure
// instead of dropping.
func (l *MemoryLog) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := Message{
		Topic:       topic,
		Key:         key,
		Payload:     payload,
		Partition:   Partition(key, l.partitions),
		Attempt:     1,
		PublishedAt: time.Now(),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return domain.ErrLogClosed
	}
	groups := make([]*group, 0, len(l.groups[topic]))
	for _, g := range l.groups[topic] {
		groups = append(groups, g)
	}
	l.mu.Unlock()

	for _, g := range groups {
		select {
		case g.parts[msg.Partition] <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.ctx.Done():
			return domain.ErrLogClosed
		}
	}
	return nil
}

// Subscribe registers a consumer group on a topic. One goroutine per
// partition serializes handling within a partition key; distinct
// partitions run fully in parallel.
func (l *MemoryLog) Subscribe(topic, groupName string, h HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	byGroup, ok := l.groups[topic]
	if !ok {
		byGroup = make(map[string]*group)
		l.groups[topic] = byGroup
	}
	if _, exists := byGroup[groupName]; exists {
		return
	}

	g := &group{name: groupName, parts: make([]chan Message, l.partitions)}
	for i := range g.parts {
		g.parts[i] = make(chan Message, l.buffer)
	}
	byGroup[groupName] = g

	for i := range g.parts {
		l.wg.Add(1)
		go l.consume(g, i, h)
	}
}

func (l *MemoryLog) consume(g *group, part int, h HandlerFunc) {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case msg := <-g.parts[part]:
			l.deliver(g, msg, h)
		}
	}
}

// deliver retries a failing handler with backoff, then dead-letters the
// message so one poison message cannot block its partition.
func (l *MemoryLog) deliver(g *group, msg Message, h HandlerFunc) {
	for {
		err := l.handleSafe(msg, h)
		if err == nil {
			return
		}

		if msg.Attempt >= l.maxAttempts {
			slog.Error("message dead-lettered",
				slog.String("topic", msg.Topic),
				slog.String("group", g.name),
				slog.String("key", msg.Key),
				slog.Int("attempts", msg.Attempt),
				slog.Any("error", err))
			infra.GlobalMetrics.RecordDeadLetter()
			// Best effort; the DLQ publish only fails when the log is closed.
			_ = l.Publish(l.ctx, msg.Topic+DLQSuffix, msg.Key, msg.Payload)
			return
		}

		delay := infra.CalculateBackoff(msg.Attempt-1, l.retryBase, 5*time.Second)
		slog.Warn("message redelivery",
			slog.String("topic", msg.Topic),
			slog.String("group", g.name),
			slog.String("key", msg.Key),
			slog.Int("attempt", msg.Attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(delay):
		}
		msg.Attempt++
	}
}

// handleSafe converts a handler panic into an error so a single bad
// message never crashes the consuming worker.
func (l *MemoryLog) handleSafe(msg Message, h HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			infra.GlobalMetrics.RecordError()
			err = domain.NewDependencyError("handler", "panic", panicError{r})
		}
	}()
	return h(l.ctx, msg)
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("panic in handler: %v", p.v) }

// Close stops all consumers and rejects further publishes.
func (l *MemoryLog) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
}
