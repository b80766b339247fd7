// Package settlement turns at-least-once execution delivery into
// exactly-once position updates. All updates for one (account, instrument)
// key are linearized on a single-writer shard goroutine; distinct keys
// proceed in parallel. Duplicate trade IDs are no-op successes returning
// the prior result.
package settlement

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aryan2574/quantis-sub002/internal/domain"
	"github.com/aryan2574/quantis-sub002/internal/event"
	"github.com/aryan2574/quantis-sub002/internal/infra"
)

// Config tunes the service.
type Config struct {
	// Shards is the number of single-writer workers. Keys map to shards
	// by FNV-1a, so one key never runs on two workers.
	Shards int

	// Out-of-order policy: an execution ahead of the expected sequence is
	// buffered until the gap closes, up to ReorderBufferMax events or
	// ReorderTimeout per key. Past either bound the buffer is applied in
	// sequence order anyway and an anomaly is logged; nothing is dropped.
	ReorderBufferMax int
	ReorderTimeout   time.Duration
}

// ConfigFromInfra builds the service config from the application config.
func ConfigFromInfra(cfg *infra.Config) Config {
	return Config{
		Shards:           cfg.Settlement.Shards,
		ReorderBufferMax: cfg.Settlement.ReorderBufferMax,
		ReorderTimeout:   time.Duration(cfg.Settlement.ReorderTimeoutMS) * time.Millisecond,
	}
}

// Result is the outcome of one Apply.
type Result struct {
	Position  domain.Position
	Applied   bool // the execution mutated the position
	Duplicate bool // trade ID seen before; Position is the prior result
	Deferred  bool // buffered awaiting earlier sequences
}

// Service applies executions to positions.
type Service struct {
	cfg    Config
	log    event.Log
	cache  domain.StateCache
	shards []*shard

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates and starts the settlement workers. log and cache may
// be nil in unit tests; position-changed emission and cache write-back are
// then skipped.
func NewService(cfg Config, log event.Log, cache domain.StateCache) *Service {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.ReorderBufferMax <= 0 {
		cfg.ReorderBufferMax = 64
	}
	if cfg.ReorderTimeout <= 0 {
		cfg.ReorderTimeout = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{cfg: cfg, log: log, cache: cache, ctx: ctx, cancel: cancel}
	s.shards = make([]*shard, cfg.Shards)
	for i := range s.shards {
		s.shards[i] = newShard(s)
		go s.shards[i].run(ctx)
	}
	return s
}

// Close stops the workers.
func (s *Service) Close() {
	s.cancel()
}

// Apply routes the execution to its key's shard and waits for the verdict.
func (s *Service) Apply(ctx context.Context, exec domain.Execution) (Result, error) {
	sh := s.shards[event.Partition(exec.PositionKey(), len(s.shards))]
	resp := make(chan Result, 1)
	select {
	case sh.tasks <- task{exec: exec, resp: resp}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-s.ctx.Done():
		return Result{}, s.ctx.Err()
	}
	select {
	case r := <-resp:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Position returns the current position for a key, if the service has one.
func (s *Service) Position(accountID, symbol string) (domain.Position, bool) {
	key := domain.PositionKey(accountID, symbol)
	sh := s.shards[event.Partition(key, len(s.shards))]
	return sh.snapshot(key)
}

type task struct {
	exec domain.Execution
	resp chan Result
}

// positionState is the per-key state owned by exactly one shard.
type positionState struct {
	pos     domain.Position
	applied map[string]domain.Position // trade ID -> resulting position
	pending map[uint64]domain.Execution
	// deadline for the oldest buffered execution; zero when none buffered
	gapDeadline time.Time
}

type shard struct {
	svc   *Service
	tasks chan task

	// keys is owned by the shard goroutine; snapshotReq serializes
	// external reads through the same goroutine, so no lock is needed.
	keys        map[string]*positionState
	snapshotReq chan snapshotReq
}

type snapshotReq struct {
	key  string
	resp chan snapshotResp
}

type snapshotResp struct {
	pos domain.Position
	ok  bool
}

func newShard(svc *Service) *shard {
	return &shard{
		svc:         svc,
		tasks:       make(chan task, 128),
		keys:        make(map[string]*positionState),
		snapshotReq: make(chan snapshotReq),
	}
}

func (sh *shard) run(ctx context.Context) {
	flush := time.NewTicker(sh.svc.cfg.ReorderTimeout / 2)
	defer flush.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-sh.tasks:
			t.resp <- sh.handle(ctx, t.exec)
		case <-flush.C:
			sh.flushExpired(ctx)
		case req := <-sh.snapshotReq:
			st, ok := sh.keys[req.key]
			if !ok {
				req.resp <- snapshotResp{}
			} else {
				req.resp <- snapshotResp{pos: st.pos, ok: true}
			}
		}
	}
}

func (sh *shard) snapshot(key string) (domain.Position, bool) {
	resp := make(chan snapshotResp, 1)
	select {
	case sh.snapshotReq <- snapshotReq{key: key, resp: resp}:
		r := <-resp
		return r.pos, r.ok
	case <-sh.svc.ctx.Done():
		return domain.Position{}, false
	}
}

func (sh *shard) state(key string, exec domain.Execution) *positionState {
	st, ok := sh.keys[key]
	if !ok {
		st = &positionState{
			pos:     domain.NewPosition(exec.AccountID, exec.Symbol),
			applied: make(map[string]domain.Position),
			pending: make(map[uint64]domain.Execution),
		}
		sh.keys[key] = st
	}
	return st
}

func (sh *shard) handle(ctx context.Context, exec domain.Execution) Result {
	key := exec.PositionKey()
	st := sh.state(key, exec)

	if prior, ok := st.applied[exec.TradeID]; ok {
		infra.GlobalMetrics.RecordDuplicate()
		return Result{Position: prior, Duplicate: true}
	}

	// Unsequenced executions apply immediately; the upstream log's
	// partition ordering is all the ordering they get.
	if exec.Seq == 0 {
		return Result{Position: sh.apply(ctx, st, exec), Applied: true}
	}

	next := st.pos.LastSeq + 1
	switch {
	case exec.Seq < next:
		// Behind the applied watermark with an unseen trade ID: a replay
		// crossing a retention boundary. Treat as already applied.
		infra.GlobalMetrics.RecordDuplicate()
		slog.Warn("stale execution sequence",
			slog.String("trade_id", exec.TradeID),
			slog.String("key", key),
			slog.Uint64("seq", exec.Seq),
			slog.Uint64("expected", next))
		return Result{Position: st.pos, Duplicate: true}

	case exec.Seq > next:
		if _, buffered := st.pending[exec.Seq]; !buffered {
			st.pending[exec.Seq] = exec
			infra.GlobalMetrics.AddReorderBuffered(1)
			if st.gapDeadline.IsZero() {
				st.gapDeadline = time.Now().Add(sh.svc.cfg.ReorderTimeout)
			}
		}
		if len(st.pending) > sh.svc.cfg.ReorderBufferMax {
			sh.forceDrain(ctx, key, st, "reorder buffer overflow")
		}
		return Result{Position: st.pos, Deferred: true}

	default:
		pos := sh.apply(ctx, st, exec)
		sh.drainReady(ctx, st)
		return Result{Position: pos, Applied: true}
	}
}

// apply mutates the position, records idempotency, writes derived state
// back to the cache and emits the position-changed event.
func (sh *shard) apply(ctx context.Context, st *positionState, exec domain.Execution) domain.Position {
	prevRealized := st.pos.RealizedPnL
	prevCash := st.pos.CashDelta

	st.pos = st.pos.ApplyExecution(exec)
	st.applied[exec.TradeID] = st.pos
	infra.GlobalMetrics.RecordFillApplied()

	sh.writeBack(ctx, st.pos, exec,
		st.pos.RealizedPnL.Sub(prevRealized),
		st.pos.CashDelta.Sub(prevCash))
	sh.emit(ctx, st.pos, exec)
	return st.pos
}

// drainReady applies buffered executions whose turn has come.
func (sh *shard) drainReady(ctx context.Context, st *positionState) {
	for {
		next, ok := st.pending[st.pos.LastSeq+1]
		if !ok {
			break
		}
		delete(st.pending, next.Seq)
		infra.GlobalMetrics.AddReorderBuffered(-1)
		sh.apply(ctx, st, next)
	}
	if len(st.pending) == 0 {
		st.gapDeadline = time.Time{}
	}
}

// forceDrain applies everything buffered, in sequence order, accepting the
// gap. Chosen policy for unclosable gaps: never drop, never stall forever.
func (sh *shard) forceDrain(ctx context.Context, key string, st *positionState, cause string) {
	if len(st.pending) == 0 {
		return
	}
	seqs := make([]uint64, 0, len(st.pending))
	for seq := range st.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	slog.Error("sequence gap not closed, applying out of order",
		slog.String("key", key),
		slog.String("cause", cause),
		slog.Uint64("expected", st.pos.LastSeq+1),
		slog.Int("buffered", len(seqs)))
	infra.GlobalMetrics.RecordError()

	for _, seq := range seqs {
		exec := st.pending[seq]
		delete(st.pending, seq)
		infra.GlobalMetrics.AddReorderBuffered(-1)
		sh.apply(ctx, st, exec)
	}
	st.gapDeadline = time.Time{}
}

func (sh *shard) flushExpired(ctx context.Context) {
	now := time.Now()
	for key, st := range sh.keys {
		if !st.gapDeadline.IsZero() && now.After(st.gapDeadline) {
			sh.forceDrain(ctx, key, st, "reorder timeout")
		}
	}
}

// writeBack refreshes the Fast State Cache views the risk engine reads:
// position market value, cash balance and rolling daily P&L. Best effort;
// the position state itself is the source of truth.
func (sh *shard) writeBack(ctx context.Context, pos domain.Position, exec domain.Execution, realizedDelta, cashDelta decimal.Decimal) {
	if sh.svc.cache == nil {
		return
	}
	cache := sh.svc.cache

	marketValue := pos.MarketValue(exec.Price)
	if err := cache.SetPositionValue(ctx, pos.AccountID, pos.Symbol, marketValue); err != nil {
		slog.Warn("position value write-back failed", slog.String("key", pos.Key()), slog.Any("error", err))
	}
	if !cashDelta.IsZero() {
		if err := cache.AdjustCash(ctx, pos.AccountID, cashDelta); err != nil {
			slog.Warn("cash write-back failed", slog.String("account_id", pos.AccountID), slog.Any("error", err))
		}
	}
	if !realizedDelta.IsZero() {
		if err := cache.AddDailyPnL(ctx, pos.AccountID, realizedDelta); err != nil {
			slog.Warn("daily pnl write-back failed", slog.String("account_id", pos.AccountID), slog.Any("error", err))
		}
	}
}

// emit publishes the position-changed event. At-least-once; consumers
// dedup on (tradeId, accountId, instrument).
func (sh *shard) emit(ctx context.Context, pos domain.Position, exec domain.Execution) {
	if sh.svc.log == nil {
		return
	}
	payload, err := json.Marshal(event.PositionChanged{TradeID: exec.TradeID, Position: pos})
	if err != nil {
		slog.Error("position-changed encode failed", slog.String("trade_id", exec.TradeID), slog.Any("error", err))
		return
	}
	if err := sh.svc.log.Publish(ctx, event.TopicPositions, pos.Key(), payload); err != nil {
		slog.Warn("position-changed publish failed", slog.String("key", pos.Key()), slog.Any("error", err))
	}
}
