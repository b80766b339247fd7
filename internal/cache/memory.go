package cache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

// Memory implements domain.StateCache in process. It mirrors the Redis
// semantics (TTL windows, atomic increments, hash of position values) and
// backs tests and single-process local runs.
type Memory struct {
	mu sync.Mutex

	lastPrices map[string]decimal.Decimal
	dailyPnL   map[string]decimal.Decimal // accountID|yyyymmdd
	cash       map[string]decimal.Decimal
	posValues  map[string]map[string]decimal.Decimal
	halted     map[string]bool

	velocity map[string]*counter
	verdicts map[string]*verdict

	now func() time.Time
}

type counter struct {
	count     int64
	expiresAt time.Time
}

type verdict struct {
	blacklisted bool
	expiresAt   time.Time
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		lastPrices: make(map[string]decimal.Decimal),
		dailyPnL:   make(map[string]decimal.Decimal),
		cash:       make(map[string]decimal.Decimal),
		posValues:  make(map[string]map[string]decimal.Decimal),
		halted:     make(map[string]bool),
		velocity:   make(map[string]*counter),
		verdicts:   make(map[string]*verdict),
		now:        time.Now,
	}
}

// SetClock overrides the time source. Test hook for TTL behavior.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) LastPrice(_ context.Context, symbol string) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.lastPrices[symbol]
	return price, ok, nil
}

func (m *Memory) SetLastPrice(_ context.Context, symbol string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrices[symbol] = price
	return nil
}

func (m *Memory) pnlKey(accountID string) string {
	return accountID + "|" + m.now().UTC().Format("20060102")
}

func (m *Memory) DailyPnL(_ context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL[m.pnlKey(accountID)], nil
}

func (m *Memory) AddDailyPnL(_ context.Context, accountID string, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.pnlKey(accountID)
	m.dailyPnL[key] = m.dailyPnL[key].Add(delta)
	return nil
}

func (m *Memory) CashBalance(_ context.Context, accountID string) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.cash[accountID]
	return bal, ok, nil
}

func (m *Memory) AdjustCash(_ context.Context, accountID string, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cash[accountID] = m.cash[accountID].Add(delta)
	return nil
}

func (m *Memory) PositionValue(_ context.Context, accountID, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posValues[accountID][symbol], nil
}

func (m *Memory) SetPositionValue(_ context.Context, accountID, symbol string, value decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAccount, ok := m.posValues[accountID]
	if !ok {
		byAccount = make(map[string]decimal.Decimal)
		m.posValues[accountID] = byAccount
	}
	byAccount[symbol] = value
	return nil
}

func (m *Memory) PortfolioValue(_ context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, v := range m.posValues[accountID] {
		total = total.Add(v)
	}
	return total, nil
}

func (m *Memory) IncrOrderCount(_ context.Context, accountID string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.velocity[accountID]
	if !ok || now.After(c.expiresAt) {
		c = &counter{expiresAt: now.Add(window)}
		m.velocity[accountID] = c
	}
	c.count++
	return c.count, nil
}

func (m *Memory) OrderCount(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.velocity[accountID]
	if !ok || m.now().After(c.expiresAt) {
		return 0, nil
	}
	return c.count, nil
}

func (m *Memory) Halted(_ context.Context, symbol string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted[symbol], nil
}

func (m *Memory) SetHalted(_ context.Context, symbol string, halted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if halted {
		m.halted[symbol] = true
	} else {
		delete(m.halted, symbol)
	}
	return nil
}

func (m *Memory) BlacklistVerdict(_ context.Context, accountID string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verdicts[accountID]
	if !ok || m.now().After(v.expiresAt) {
		return false, false, nil
	}
	return v.blacklisted, true, nil
}

func (m *Memory) SetBlacklistVerdict(_ context.Context, accountID string, blacklisted bool, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts[accountID] = &verdict{blacklisted: blacklisted, expiresAt: m.now().Add(ttl)}
	return nil
}

var _ domain.StateCache = (*Memory)(nil)
