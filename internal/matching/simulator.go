package matching

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

// bookEntry is a single order resting on the simulated book.
type bookEntry struct {
	price     decimal.Decimal
	createdAt time.Time
	orderID   string
	accountID string
	side      string
	remaining decimal.Decimal
}

// bidLess orders the bid side price descending, then time, then order ID,
// so Min() is the best bid. askLess mirrors it ascending.
func bidLess(a, b bookEntry) bool {
	if !a.price.Equal(b.price) {
		return a.price.GreaterThan(b.price)
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.orderID < b.orderID
}

func askLess(a, b bookEntry) bool {
	if !a.price.Equal(b.price) {
		return a.price.LessThan(b.price)
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.orderID < b.orderID
}

type book struct {
	bids  *btree.BTreeG[bookEntry]
	asks  *btree.BTreeG[bookEntry]
	index map[string]bookEntry // order ID -> resting entry
}

func newBook() *book {
	const degree = 32
	return &book{
		bids:  btree.NewG(degree, bidLess),
		asks:  btree.NewG(degree, askLess),
		index: make(map[string]bookEntry),
	}
}

// Simulator is an in-process price-time-priority matcher satisfying the
// Engine contract. It emits two executions per match (one per side, each
// with its own trade ID and the counterparty order ID set), assigns
// per-(account, instrument) monotonic sequence numbers, and publishes the
// last traded price into the state cache.
type Simulator struct {
	mu    sync.Mutex
	books map[string]*book
	seqs  map[string]uint64 // position key -> last assigned sequence
	emit  EmitFunc
	cache domain.StateCache
	now   func() time.Time
}

// NewSimulator creates an empty simulator. cache may be nil in tests that
// do not care about last-price publication.
func NewSimulator(emit EmitFunc, cache domain.StateCache) *Simulator {
	return &Simulator{
		books: make(map[string]*book),
		seqs:  make(map[string]uint64),
		emit:  emit,
		cache: cache,
		now:   time.Now,
	}
}

// Submit matches the order against the opposite side of the book and rests
// any remainder. Matching is price-time priority with partial fills; the
// trade prints at the resting (maker) price.
func (s *Simulator) Submit(ctx context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[order.Symbol]
	if !ok {
		b = newBook()
		s.books[order.Symbol] = b
	}

	taker := bookEntry{
		price:     order.LimitPrice,
		createdAt: s.now(),
		orderID:   order.ID,
		accountID: order.AccountID,
		side:      domain.NormalizeSide(order.Side),
		remaining: order.Quantity,
	}

	for taker.remaining.Sign() > 0 {
		maker, ok := s.bestCounter(b, taker)
		if !ok {
			break
		}

		qty := decimal.Min(taker.remaining, maker.remaining)
		price := maker.price
		executedAt := s.now()

		s.removeEntry(b, maker)
		taker.remaining = taker.remaining.Sub(qty)
		maker.remaining = maker.remaining.Sub(qty)
		if maker.remaining.Sign() > 0 {
			s.insertEntry(b, maker)
		}

		if err := s.emitPair(ctx, order.Symbol, taker, maker, qty, price, executedAt); err != nil {
			return err
		}

		if s.cache != nil {
			if err := s.cache.SetLastPrice(ctx, order.Symbol, price); err != nil {
				slog.Warn("last price publish failed",
					slog.String("symbol", order.Symbol),
					slog.Any("error", err))
			}
		}
	}

	if taker.remaining.Sign() > 0 {
		s.insertEntry(b, taker)
	}
	return nil
}

// Cancel removes a resting order. Returns domain.ErrUnknownOrder when the
// order is not on any book (already filled or never seen).
func (s *Simulator) Cancel(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.books {
		if entry, ok := b.index[orderID]; ok {
			s.removeEntry(b, entry)
			return nil
		}
	}
	return domain.ErrUnknownOrder
}

// bestCounter returns the best price-compatible entry on the opposite side.
func (s *Simulator) bestCounter(b *book, taker bookEntry) (bookEntry, bool) {
	if taker.side == domain.SideBuy {
		best, found := b.asks.Min()
		if !found || best.price.GreaterThan(taker.price) {
			return bookEntry{}, false
		}
		return best, true
	}
	best, found := b.bids.Min()
	if !found || best.price.LessThan(taker.price) {
		return bookEntry{}, false
	}
	return best, true
}

func (s *Simulator) insertEntry(b *book, e bookEntry) {
	if e.side == domain.SideBuy {
		b.bids.ReplaceOrInsert(e)
	} else {
		b.asks.ReplaceOrInsert(e)
	}
	b.index[e.orderID] = e
}

func (s *Simulator) removeEntry(b *book, e bookEntry) {
	if e.side == domain.SideBuy {
		b.bids.Delete(e)
	} else {
		b.asks.Delete(e)
	}
	delete(b.index, e.orderID)
}

// emitPair produces the taker and maker executions for one match.
func (s *Simulator) emitPair(ctx context.Context, symbol string, taker, maker bookEntry, qty, price decimal.Decimal, executedAt time.Time) error {
	for _, pair := range [2][2]bookEntry{{taker, maker}, {maker, taker}} {
		own, counter := pair[0], pair[1]
		key := domain.PositionKey(own.accountID, symbol)
		s.seqs[key]++
		exec := domain.Execution{
			TradeID:             uuid.NewString(),
			OrderID:             own.orderID,
			AccountID:           own.accountID,
			Symbol:              symbol,
			Side:                own.side,
			Quantity:            qty,
			Price:               price,
			CounterpartyOrderID: counter.orderID,
			Seq:                 s.seqs[key],
			ExecutedAt:          executedAt,
		}
		if s.emit != nil {
			if err := s.emit(ctx, exec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Depth returns the number of resting orders for a symbol. Test hook.
func (s *Simulator) Depth(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[symbol]
	if !ok {
		return 0
	}
	return len(b.index)
}

var _ Engine = (*Simulator)(nil)
