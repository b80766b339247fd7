// Package risk implements order admission: an ordered chain of rules
// evaluated against reference data and the Fast State Cache. The first
// failing rule wins and maps to a distinct reason code. Evaluation fails
// closed: an unexpected fault or dependency timeout yields a rejection
// with reason internal_error, never an acceptance and never a hang.
package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aryan2574/quantis-sub002/internal/domain"
	"github.com/aryan2574/quantis-sub002/internal/infra"
)

// Config defines the admission limits.
type Config struct {
	MaxQuantity         decimal.Decimal
	MaxPrice            decimal.Decimal
	MaxPriceDeviation   decimal.Decimal // fraction of last traded price
	VelocityLimit       int64
	VelocityWindow      time.Duration
	ConcentrationLimit  decimal.Decimal // fraction of portfolio value
	HighRiskSymbols     []string
	HighRiskMaxNotional decimal.Decimal
	CacheTimeout        time.Duration
	StoreTimeout        time.Duration
	BlacklistTTL        time.Duration
}

// ConfigFromInfra builds the engine config from the application config.
func ConfigFromInfra(cfg *infra.Config) Config {
	return Config{
		MaxQuantity:         cfg.Risk.MaxQuantity,
		MaxPrice:            cfg.Risk.MaxPrice,
		MaxPriceDeviation:   cfg.Risk.MaxPriceDeviation,
		VelocityLimit:       int64(cfg.Risk.VelocityLimit),
		VelocityWindow:      cfg.VelocityWindow(),
		ConcentrationLimit:  cfg.Risk.ConcentrationLimit,
		HighRiskSymbols:     cfg.Risk.HighRiskSymbols,
		HighRiskMaxNotional: cfg.Risk.HighRiskMaxNotional,
		CacheTimeout:        cfg.CacheTimeout(),
		StoreTimeout:        cfg.StoreTimeout(),
		BlacklistTTL:        cfg.BlacklistTTL(),
	}
}

// Engine evaluates risk decisions. Safe for concurrent use; all mutable
// state lives in the cache behind atomic primitives.
type Engine struct {
	cfg      Config
	cache    domain.StateCache
	accounts domain.AccountReference
	highRisk map[string]struct{}
}

// NewEngine creates a risk engine.
func NewEngine(cfg Config, cache domain.StateCache, accounts domain.AccountReference) *Engine {
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = 200 * time.Millisecond
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.BlacklistTTL <= 0 {
		cfg.BlacklistTTL = time.Hour
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = time.Hour
	}
	highRisk := make(map[string]struct{}, len(cfg.HighRiskSymbols))
	for _, s := range cfg.HighRiskSymbols {
		highRisk[s] = struct{}{}
	}
	return &Engine{cfg: cfg, cache: cache, accounts: accounts, highRisk: highRisk}
}

// Evaluate runs the rule chain for one order. It never returns an error:
// every failure mode collapses into a REJECTED decision.
func (e *Engine) Evaluate(ctx context.Context, order domain.Order) (decision domain.RiskDecision) {
	started := time.Now()
	decision = domain.RiskDecision{OrderID: order.ID, Outcome: domain.OutcomeAccepted}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("risk evaluation panic",
				slog.String("order_id", order.ID),
				slog.Any("panic", r))
			infra.GlobalMetrics.RecordError()
			decision = e.reject(order, domain.ReasonInternalError)
		}
		decision.EvaluatedAt = time.Now()
		infra.GlobalMetrics.RecordDecision(decision.Accepted(), time.Since(started).Nanoseconds())
	}()

	if reason, err := e.run(ctx, order); err != nil {
		slog.Warn("risk evaluation failed closed",
			slog.String("order_id", order.ID),
			slog.String("account_id", order.AccountID),
			slog.Any("error", err))
		infra.GlobalMetrics.RecordError()
		return e.reject(order, domain.ReasonInternalError)
	} else if reason != "" {
		return e.reject(order, reason)
	}

	// Acceptance side effect: count the order against the velocity window.
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CacheTimeout)
	defer cancel()
	if _, err := e.cache.IncrOrderCount(cctx, order.AccountID, e.cfg.VelocityWindow); err != nil {
		slog.Warn("velocity increment failed",
			slog.String("account_id", order.AccountID),
			slog.Any("error", err))
	}

	return decision
}

func (e *Engine) reject(order domain.Order, reason string) domain.RiskDecision {
	return domain.RiskDecision{
		OrderID: order.ID,
		Outcome: domain.OutcomeRejected,
		Reason:  reason,
	}
}

// run walks the rule chain. An empty reason with nil error means accepted;
// a non-empty reason names the first failed rule; an error means a
// dependency fault, translated by the caller to internal_error.
func (e *Engine) run(ctx context.Context, order domain.Order) (string, error) {
	// 1. Account identifier format.
	if !domain.ValidAccountID(order.AccountID) {
		return domain.ReasonInvalidAccountIDFormat, nil
	}

	// 2. Blacklist: cache first, reference store on miss, backfill with TTL.
	blacklisted, err := e.blacklisted(ctx, order.AccountID)
	if err != nil {
		return "", err
	}
	if blacklisted {
		return domain.ReasonAccountBlacklisted, nil
	}

	// 3. Quantity bounds.
	if order.Quantity.Sign() <= 0 || order.Quantity.GreaterThan(e.cfg.MaxQuantity) {
		return domain.ReasonInvalidQuantity, nil
	}

	// 4. Price bounds.
	if order.LimitPrice.Sign() <= 0 || order.LimitPrice.GreaterThan(e.cfg.MaxPrice) {
		return domain.ReasonInvalidPrice, nil
	}

	// 5. Side.
	side := domain.NormalizeSide(order.Side)
	if side != domain.SideBuy && side != domain.SideSell {
		return domain.ReasonInvalidSide, nil
	}

	// 6. Price deviation against last traded price; skipped on cold start.
	lastPrice, ok, err := e.cacheLastPrice(ctx, order.Symbol)
	if err != nil {
		return "", err
	}
	if ok && lastPrice.Sign() > 0 {
		deviation := order.LimitPrice.Sub(lastPrice).Abs().Div(lastPrice)
		if deviation.GreaterThan(e.cfg.MaxPriceDeviation) {
			return domain.ReasonPriceDeviationTooLarge, nil
		}
	}

	notional := order.Notional()

	// 7. Cash check, BUY only.
	if side == domain.SideBuy {
		balance, funded, err := e.cacheCash(ctx, order.AccountID)
		if err != nil {
			return "", err
		}
		if !funded || balance.LessThan(notional) {
			return domain.ReasonInsufficientFunds, nil
		}
	}

	// 8. Position limit on the prospective position value.
	limits, err := e.storeLimits(ctx, order.AccountID)
	if err != nil {
		return "", err
	}
	current, err := e.cachePositionValue(ctx, order.AccountID, order.Symbol)
	if err != nil {
		return "", err
	}
	prospective := current.Add(notional)
	if side == domain.SideSell {
		prospective = current.Sub(notional)
		if prospective.Sign() < 0 {
			prospective = decimal.Zero
		}
	}
	if prospective.GreaterThan(limits.MaxPositionValue) {
		return domain.ReasonPositionLimitExceeded, nil
	}

	// 9. Concentration against total portfolio value.
	portfolio, err := e.cachePortfolio(ctx, order.AccountID)
	if err != nil {
		return "", err
	}
	if portfolio.Sign() > 0 && prospective.GreaterThan(portfolio.Mul(e.cfg.ConcentrationLimit)) {
		return domain.ReasonConcentrationRiskTooHigh, nil
	}

	// 10. Daily loss.
	pnl, err := e.cacheDailyPnL(ctx, order.AccountID)
	if err != nil {
		return "", err
	}
	if pnl.LessThanOrEqual(limits.DailyLossLimit.Neg()) {
		return domain.ReasonDailyLossLimitExceeded, nil
	}

	// 11. Order velocity in the rolling window.
	count, err := e.cacheOrderCount(ctx, order.AccountID)
	if err != nil {
		return "", err
	}
	if count >= e.cfg.VelocityLimit {
		return domain.ReasonOrderVelocityTooHigh, nil
	}

	// 12. Market status.
	halted, err := e.cacheHalted(ctx, order.Symbol)
	if err != nil {
		return "", err
	}
	if halted {
		return domain.ReasonMarketClosed, nil
	}

	// 13. Elevated-risk instruments get a stricter notional ceiling.
	if _, high := e.highRisk[order.Symbol]; high && notional.GreaterThan(e.cfg.HighRiskMaxNotional) {
		return domain.ReasonHighRiskSymbolLimit, nil
	}

	return "", nil
}

// blacklisted resolves the blacklist verdict through the cache, falling
// back to the Account State Store and backfilling the cache with TTL.
func (e *Engine) blacklisted(ctx context.Context, accountID string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CacheTimeout)
	verdict, known, err := e.cache.BlacklistVerdict(cctx, accountID)
	cancel()
	if err != nil {
		return false, err
	}
	if known {
		return verdict, nil
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	listed, err := e.accounts.Blacklisted(sctx, accountID)
	cancel()
	if err != nil {
		return false, err
	}

	cctx, cancel = context.WithTimeout(ctx, e.cfg.CacheTimeout)
	if err := e.cache.SetBlacklistVerdict(cctx, accountID, listed, e.cfg.BlacklistTTL); err != nil {
		slog.Warn("blacklist backfill failed",
			slog.String("account_id", accountID),
			slog.Any("error", err))
	}
	cancel()

	return listed, nil
}

func (e *Engine) cacheLastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CacheTimeout)
	defer cancel()
	return e.cache.LastPrice(cctx, symbol)
}

func (e *Engine) cacheCash(ctx context.Context, accountID string) (decimal.Decimal, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CacheTimeout)
	defer cancel()
	return e.cache.CashBalance(cctx, accountID)
}

func (e *Engine) cachePositionValue(ctx context.Context, accountID, symbol string) (decimal.Decimal, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CacheTimeout)
	defer cancel()
	return e.cache.PositionValue(cctx, accountID, symbol)
}

func (e *Engine) cachePortfolio(ctx context.Context, accountID string) (decimal.Decimal, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CacheTimeout)
	defer cancel()
	return e.cache.PortfolioValue(cctx, accountID)
}

func (e *Engine) cacheDailyPnL(ctx context.Context, accountID string) (decimal.Decimal, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CacheTimeout)
	defer cancel()
	return e.cache.DailyPnL(cctx, accountID)
}

func (e *Engine) cacheOrderCount(ctx context.Context, accountID string) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CacheTimeout)
	defer cancel()
	return e.cache.OrderCount(cctx, accountID)
}

func (e *Engine) cacheHalted(ctx context.Context, symbol string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CacheTimeout)
	defer cancel()
	return e.cache.Halted(cctx, symbol)
}

func (e *Engine) storeLimits(ctx context.Context, accountID string) (domain.AccountRiskLimits, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.accounts.RiskLimits(sctx, accountID)
}
