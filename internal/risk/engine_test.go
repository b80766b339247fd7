package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aryan2574/quantis-sub002/internal/cache"
	"github.com/aryan2574/quantis-sub002/internal/domain"
)

type accountsStub struct {
	limits      map[string]domain.AccountRiskLimits
	blacklisted map[string]bool
	err         error
}

func (s *accountsStub) RiskLimits(_ context.Context, accountID string) (domain.AccountRiskLimits, error) {
	if s.err != nil {
		return domain.AccountRiskLimits{}, s.err
	}
	if l, ok := s.limits[accountID]; ok {
		return l, nil
	}
	return domain.DefaultRiskLimits(accountID), nil
}

func (s *accountsStub) Blacklisted(_ context.Context, accountID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.blacklisted[accountID], nil
}

func testConfig() Config {
	return Config{
		MaxQuantity:         decimal.NewFromInt(1_000_000),
		MaxPrice:            decimal.NewFromInt(1_000_000),
		MaxPriceDeviation:   decimal.NewFromFloat(0.10),
		VelocityLimit:       10,
		VelocityWindow:      time.Hour,
		ConcentrationLimit:  decimal.NewFromFloat(0.50),
		HighRiskSymbols:     []string{"MEME1"},
		HighRiskMaxNotional: decimal.NewFromInt(50_000),
	}
}

func testOrder(side string, qty, price int64) domain.Order {
	return domain.Order{
		ID:         "ord-1",
		AccountID:  "acct-1",
		Symbol:     "AAPL",
		Side:       side,
		Quantity:   decimal.NewFromInt(qty),
		LimitPrice: decimal.NewFromInt(price),
	}
}

func fund(t *testing.T, c domain.StateCache, accountID string, amount int64) {
	t.Helper()
	if err := c.AdjustCash(context.Background(), accountID, decimal.NewFromInt(amount)); err != nil {
		t.Fatalf("Funding failed: %v", err)
	}
}

func requireReason(t *testing.T, d domain.RiskDecision, reason string) {
	t.Helper()
	if d.Accepted() {
		t.Fatalf("Expected rejection %q, got acceptance", reason)
	}
	if d.Reason != reason {
		t.Fatalf("Expected reason %q, got %q", reason, d.Reason)
	}
}

func TestEngine_AcceptsFundedOrder(t *testing.T) {
	mem := cache.NewMemory()
	engine := NewEngine(testConfig(), mem, &accountsStub{})
	fund(t, mem, "acct-1", 10_000)

	d := engine.Evaluate(context.Background(), testOrder(domain.SideBuy, 100, 50))
	if !d.Accepted() {
		t.Fatalf("Expected acceptance, got %q", d.Reason)
	}
	if d.Reason != "" {
		t.Errorf("Accepted decision must carry no reason, got %q", d.Reason)
	}

	// Acceptance counts against the velocity window.
	count, err := mem.OrderCount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("OrderCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected order count 1 after acceptance, got %d", count)
	}
}

func TestEngine_RuleChain(t *testing.T) {
	ctx := context.Background()

	t.Run("Invalid Account ID", func(t *testing.T) {
		engine := NewEngine(testConfig(), cache.NewMemory(), &accountsStub{})
		order := testOrder(domain.SideBuy, 10, 50)
		order.AccountID = "bad id!"
		requireReason(t, engine.Evaluate(ctx, order), domain.ReasonInvalidAccountIDFormat)
	})

	t.Run("Blacklisted Account", func(t *testing.T) {
		mem := cache.NewMemory()
		engine := NewEngine(testConfig(), mem, &accountsStub{blacklisted: map[string]bool{"acct-1": true}})
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 50)), domain.ReasonAccountBlacklisted)

		// Verdict is backfilled into the cache.
		verdict, known, err := mem.BlacklistVerdict(ctx, "acct-1")
		if err != nil || !known || !verdict {
			t.Errorf("Expected cached positive verdict, got verdict=%v known=%v err=%v", verdict, known, err)
		}
	})

	t.Run("Invalid Quantity", func(t *testing.T) {
		engine := NewEngine(testConfig(), cache.NewMemory(), &accountsStub{})
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 0, 50)), domain.ReasonInvalidQuantity)
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, -5, 50)), domain.ReasonInvalidQuantity)
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 2_000_000, 50)), domain.ReasonInvalidQuantity)
	})

	t.Run("Invalid Price", func(t *testing.T) {
		engine := NewEngine(testConfig(), cache.NewMemory(), &accountsStub{})
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 0)), domain.ReasonInvalidPrice)
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 2_000_000)), domain.ReasonInvalidPrice)
	})

	t.Run("Invalid Side", func(t *testing.T) {
		engine := NewEngine(testConfig(), cache.NewMemory(), &accountsStub{})
		requireReason(t, engine.Evaluate(ctx, testOrder("HOLD", 10, 50)), domain.ReasonInvalidSide)
	})

	t.Run("Price Deviation", func(t *testing.T) {
		mem := cache.NewMemory()
		engine := NewEngine(testConfig(), mem, &accountsStub{})
		fund(t, mem, "acct-1", 100_000)
		if err := mem.SetLastPrice(ctx, "AAPL", decimal.NewFromInt(100)); err != nil {
			t.Fatal(err)
		}

		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 115)), domain.ReasonPriceDeviationTooLarge)

		// 9% off the last trade is inside the band.
		if d := engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 109)); !d.Accepted() {
			t.Errorf("Expected acceptance at 9%% deviation, got %q", d.Reason)
		}
	})

	t.Run("Cold Start Skips Deviation", func(t *testing.T) {
		mem := cache.NewMemory()
		engine := NewEngine(testConfig(), mem, &accountsStub{})
		fund(t, mem, "acct-1", 100_000)

		if d := engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 115)); !d.Accepted() {
			t.Errorf("No last price published, deviation must be skipped, got %q", d.Reason)
		}
	})

	t.Run("Insufficient Funds", func(t *testing.T) {
		mem := cache.NewMemory()
		engine := NewEngine(testConfig(), mem, &accountsStub{})

		// Never funded.
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 100, 50)), domain.ReasonInsufficientFunds)

		// Funded but short of the notional.
		fund(t, mem, "acct-1", 4_999)
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 100, 50)), domain.ReasonInsufficientFunds)
	})

	t.Run("Sell Needs No Cash", func(t *testing.T) {
		engine := NewEngine(testConfig(), cache.NewMemory(), &accountsStub{})
		if d := engine.Evaluate(ctx, testOrder(domain.SideSell, 100, 50)); !d.Accepted() {
			t.Errorf("SELL should not require cash, got %q", d.Reason)
		}
	})

	t.Run("Position Limit", func(t *testing.T) {
		mem := cache.NewMemory()
		limits := map[string]domain.AccountRiskLimits{
			"acct-1": {AccountID: "acct-1", MaxPositionValue: decimal.NewFromInt(1_000), DailyLossLimit: domain.DefaultDailyLossLimit},
		}
		engine := NewEngine(testConfig(), mem, &accountsStub{limits: limits})
		fund(t, mem, "acct-1", 100_000)
		if err := mem.SetPositionValue(ctx, "acct-1", "AAPL", decimal.NewFromInt(900)); err != nil {
			t.Fatal(err)
		}

		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 4, 50)), domain.ReasonPositionLimitExceeded)

		// A SELL shrinks the prospective position and passes.
		if d := engine.Evaluate(ctx, testOrder(domain.SideSell, 4, 50)); !d.Accepted() {
			t.Errorf("SELL reduces exposure and should pass, got %q", d.Reason)
		}
	})

	t.Run("Concentration", func(t *testing.T) {
		mem := cache.NewMemory()
		engine := NewEngine(testConfig(), mem, &accountsStub{})
		fund(t, mem, "acct-1", 1_000_000)
		if err := mem.SetPositionValue(ctx, "acct-1", "AAPL", decimal.NewFromInt(1_000)); err != nil {
			t.Fatal(err)
		}
		if err := mem.SetPositionValue(ctx, "acct-1", "MSFT", decimal.NewFromInt(9_000)); err != nil {
			t.Fatal(err)
		}

		// Prospective AAPL exposure 6,000 of a 10,000 portfolio.
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 100, 50)), domain.ReasonConcentrationRiskTooHigh)

		// 4,000 of 10,000 stays under half.
		if d := engine.Evaluate(ctx, testOrder(domain.SideBuy, 60, 50)); !d.Accepted() {
			t.Errorf("Expected acceptance under the concentration cap, got %q", d.Reason)
		}
	})

	t.Run("Daily Loss Limit", func(t *testing.T) {
		mem := cache.NewMemory()
		engine := NewEngine(testConfig(), mem, &accountsStub{})
		fund(t, mem, "acct-1", 100_000)
		if err := mem.AddDailyPnL(ctx, "acct-1", decimal.NewFromInt(-5_000)); err != nil {
			t.Fatal(err)
		}

		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 50)), domain.ReasonDailyLossLimitExceeded)
	})

	t.Run("Order Velocity", func(t *testing.T) {
		mem := cache.NewMemory()
		cfg := testConfig()
		cfg.VelocityLimit = 2
		engine := NewEngine(cfg, mem, &accountsStub{})
		fund(t, mem, "acct-1", 100_000)

		for i := 0; i < 2; i++ {
			if d := engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 50)); !d.Accepted() {
				t.Fatalf("Order %d should pass, got %q", i+1, d.Reason)
			}
		}
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 50)), domain.ReasonOrderVelocityTooHigh)
	})

	t.Run("Market Halted", func(t *testing.T) {
		mem := cache.NewMemory()
		engine := NewEngine(testConfig(), mem, &accountsStub{})
		fund(t, mem, "acct-1", 100_000)
		if err := mem.SetHalted(ctx, "AAPL", true); err != nil {
			t.Fatal(err)
		}

		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 50)), domain.ReasonMarketClosed)
	})

	t.Run("High Risk Symbol Ceiling", func(t *testing.T) {
		mem := cache.NewMemory()
		engine := NewEngine(testConfig(), mem, &accountsStub{})
		fund(t, mem, "acct-1", 1_000_000)

		order := testOrder(domain.SideBuy, 1_000, 60) // 60,000 notional
		order.Symbol = "MEME1"
		requireReason(t, engine.Evaluate(ctx, order), domain.ReasonHighRiskSymbolLimit)

		// The same notional on a normal symbol passes.
		if d := engine.Evaluate(ctx, testOrder(domain.SideBuy, 1_000, 60)); !d.Accepted() {
			t.Errorf("Expected acceptance on a normal symbol, got %q", d.Reason)
		}
	})
}

// erroringCache injects a dependency failure into one cache read.
type erroringCache struct {
	*cache.Memory
	err error
}

func (c *erroringCache) CashBalance(context.Context, string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, c.err
}

// panickyCache blows up mid-evaluation.
type panickyCache struct {
	*cache.Memory
}

func (c *panickyCache) Halted(context.Context, string) (bool, error) {
	panic("cache connection lost")
}

func TestEngine_FailsClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("Dependency Error", func(t *testing.T) {
		mem := &erroringCache{Memory: cache.NewMemory(), err: domain.NewDependencyError("cache", "get", context.DeadlineExceeded)}
		engine := NewEngine(testConfig(), mem, &accountsStub{})
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 50)), domain.ReasonInternalError)
	})

	t.Run("Reference Store Error", func(t *testing.T) {
		mem := cache.NewMemory()
		engine := NewEngine(testConfig(), mem, &accountsStub{err: context.DeadlineExceeded})
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 50)), domain.ReasonInternalError)
	})

	t.Run("Panic", func(t *testing.T) {
		mem := &panickyCache{Memory: cache.NewMemory()}
		engine := NewEngine(testConfig(), mem, &accountsStub{})
		fund(t, mem.Memory, "acct-1", 100_000)
		requireReason(t, engine.Evaluate(ctx, testOrder(domain.SideBuy, 10, 50)), domain.ReasonInternalError)
	})
}
