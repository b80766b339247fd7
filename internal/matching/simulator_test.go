package matching

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/aryan2574/quantis-sub002/internal/cache"
	"github.com/aryan2574/quantis-sub002/internal/domain"
)

type capture struct {
	mu    sync.Mutex
	execs []domain.Execution
}

func (c *capture) emit(_ context.Context, exec domain.Execution) error {
	c.mu.Lock()
	c.execs = append(c.execs, exec)
	c.mu.Unlock()
	return nil
}

func (c *capture) all() []domain.Execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Execution, len(c.execs))
	copy(out, c.execs)
	return out
}

func order(id, accountID, side string, qty, price int64) domain.Order {
	return domain.Order{
		ID:         id,
		AccountID:  accountID,
		Symbol:     "AAPL",
		Side:       side,
		Quantity:   decimal.NewFromInt(qty),
		LimitPrice: decimal.NewFromInt(price),
	}
}

func TestSimulator_MatchEmitsBothSides(t *testing.T) {
	c := &capture{}
	sim := NewSimulator(c.emit, nil)
	ctx := context.Background()

	if err := sim.Submit(ctx, order("o1", "seller", domain.SideSell, 10, 100)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := sim.Submit(ctx, order("o2", "buyer", domain.SideBuy, 10, 100)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	execs := c.all()
	if len(execs) != 2 {
		t.Fatalf("Expected 2 executions (one per side), got %d", len(execs))
	}
	if execs[0].TradeID == execs[1].TradeID {
		t.Error("Each side must carry its own trade ID")
	}
	for _, e := range execs {
		if !e.Quantity.Equal(decimal.NewFromInt(10)) || !e.Price.Equal(decimal.NewFromInt(100)) {
			t.Errorf("Unexpected fill %s@%s", e.Quantity, e.Price)
		}
	}
	if execs[0].OrderID != "o2" || execs[0].CounterpartyOrderID != "o1" {
		t.Errorf("Taker leg wrong: %+v", execs[0])
	}
	if execs[1].OrderID != "o1" || execs[1].CounterpartyOrderID != "o2" {
		t.Errorf("Maker leg wrong: %+v", execs[1])
	}
	if sim.Depth("AAPL") != 0 {
		t.Errorf("Book should be empty, depth %d", sim.Depth("AAPL"))
	}
}

func TestSimulator_TradesAtMakerPrice(t *testing.T) {
	c := &capture{}
	sim := NewSimulator(c.emit, nil)
	ctx := context.Background()

	sim.Submit(ctx, order("o1", "seller", domain.SideSell, 10, 95))
	sim.Submit(ctx, order("o2", "buyer", domain.SideBuy, 10, 100))

	for _, e := range c.all() {
		if !e.Price.Equal(decimal.NewFromInt(95)) {
			t.Errorf("Trade must print at the resting price 95, got %s", e.Price)
		}
	}
}

func TestSimulator_PriceTimePriority(t *testing.T) {
	c := &capture{}
	sim := NewSimulator(c.emit, nil)
	ctx := context.Background()

	sim.Submit(ctx, order("cheap", "s1", domain.SideSell, 5, 98))
	sim.Submit(ctx, order("expensive", "s2", domain.SideSell, 5, 99))
	sim.Submit(ctx, order("buy", "buyer", domain.SideBuy, 5, 100))

	execs := c.all()
	if len(execs) != 2 {
		t.Fatalf("Expected one match, got %d executions", len(execs))
	}
	if execs[0].CounterpartyOrderID != "cheap" {
		t.Errorf("Best-priced ask should fill first, matched %s", execs[0].CounterpartyOrderID)
	}
	if sim.Depth("AAPL") != 1 {
		t.Errorf("The worse ask should still rest, depth %d", sim.Depth("AAPL"))
	}
}

func TestSimulator_TimePriorityAtSamePrice(t *testing.T) {
	c := &capture{}
	sim := NewSimulator(c.emit, nil)
	ctx := context.Background()

	sim.Submit(ctx, order("first", "s1", domain.SideSell, 5, 100))
	sim.Submit(ctx, order("second", "s2", domain.SideSell, 5, 100))
	sim.Submit(ctx, order("buy", "buyer", domain.SideBuy, 5, 100))

	execs := c.all()
	if len(execs) != 2 {
		t.Fatalf("Expected one match, got %d executions", len(execs))
	}
	if execs[0].CounterpartyOrderID != "first" {
		t.Errorf("Earlier order at the same price should fill first, matched %s", execs[0].CounterpartyOrderID)
	}
}

func TestSimulator_PartialFills(t *testing.T) {
	c := &capture{}
	sim := NewSimulator(c.emit, nil)
	ctx := context.Background()

	sim.Submit(ctx, order("big", "seller", domain.SideSell, 10, 100))
	sim.Submit(ctx, order("small", "buyer", domain.SideBuy, 4, 100))

	execs := c.all()
	if len(execs) != 2 {
		t.Fatalf("Expected one match, got %d executions", len(execs))
	}
	if !execs[0].Quantity.Equal(decimal.NewFromInt(4)) {
		t.Errorf("Expected fill for 4, got %s", execs[0].Quantity)
	}
	if sim.Depth("AAPL") != 1 {
		t.Errorf("Remainder should rest, depth %d", sim.Depth("AAPL"))
	}

	// The remainder is still matchable.
	sim.Submit(ctx, order("rest", "buyer", domain.SideBuy, 6, 100))
	if sim.Depth("AAPL") != 0 {
		t.Errorf("Book should be empty, depth %d", sim.Depth("AAPL"))
	}
}

func TestSimulator_NoCrossNoMatch(t *testing.T) {
	c := &capture{}
	sim := NewSimulator(c.emit, nil)
	ctx := context.Background()

	sim.Submit(ctx, order("o1", "seller", domain.SideSell, 10, 101))
	sim.Submit(ctx, order("o2", "buyer", domain.SideBuy, 10, 99))

	if len(c.all()) != 0 {
		t.Error("Uncrossed orders must not match")
	}
	if sim.Depth("AAPL") != 2 {
		t.Errorf("Both orders should rest, depth %d", sim.Depth("AAPL"))
	}
}

func TestSimulator_SequencesPerKey(t *testing.T) {
	c := &capture{}
	sim := NewSimulator(c.emit, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sim.Submit(ctx, order("s"+string(rune('0'+i)), "seller", domain.SideSell, 5, 100))
		sim.Submit(ctx, order("b"+string(rune('0'+i)), "buyer", domain.SideBuy, 5, 100))
	}

	seqs := map[string][]uint64{}
	for _, e := range c.all() {
		seqs[e.PositionKey()] = append(seqs[e.PositionKey()], e.Seq)
	}
	for key, got := range seqs {
		for i, seq := range got {
			if seq != uint64(i+1) {
				t.Errorf("Key %s: expected seq %d, got %d", key, i+1, seq)
			}
		}
	}
}

func TestSimulator_PublishesLastPrice(t *testing.T) {
	c := &capture{}
	prices := cache.NewMemory()
	sim := NewSimulator(c.emit, prices)
	ctx := context.Background()

	sim.Submit(ctx, order("o1", "seller", domain.SideSell, 10, 100))
	sim.Submit(ctx, order("o2", "buyer", domain.SideBuy, 10, 100))

	price, ok, err := prices.LastPrice(ctx, "AAPL")
	if err != nil || !ok {
		t.Fatalf("Expected published last price, ok=%v err=%v", ok, err)
	}
	if !price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected last price 100, got %s", price)
	}
}

func TestSimulator_Cancel(t *testing.T) {
	sim := NewSimulator(nil, nil)
	ctx := context.Background()

	sim.Submit(ctx, order("o1", "seller", domain.SideSell, 10, 100))
	if err := sim.Cancel(ctx, "o1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if sim.Depth("AAPL") != 0 {
		t.Errorf("Cancelled order should leave the book, depth %d", sim.Depth("AAPL"))
	}

	if err := sim.Cancel(ctx, "o1"); !errors.Is(err, domain.ErrUnknownOrder) {
		t.Errorf("Expected ErrUnknownOrder, got %v", err)
	}
}
