// Package cache provides Fast State Cache implementations: a Redis client
// for deployments and an in-memory variant for tests and local runs.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

// Key layout. Daily P&L keys carry the UTC day so the counter rolls over
// naturally; they expire after two days.
const (
	keyLastPrice  = "px:last:%s"     // symbol
	keyDailyPnL   = "pnl:day:%s:%s"  // accountID, yyyymmdd
	keyCash       = "acct:cash:%s"   // accountID
	keyPosValues  = "acct:posval:%s" // accountID; hash field = symbol
	keyVelocity   = "vel:%s"         // accountID
	keyHalted     = "mkt:halt:%s"    // symbol
	keyBlacklist  = "bl:%s"          // accountID
	dailyPnLRetTL = 48 * time.Hour
)

// Redis implements domain.StateCache on go-redis. Every operation is
// bounded by the caller's context; failures surface as retriable
// dependency errors.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a cache client. Addr/password/db come from config.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Ping verifies connectivity at bootstrap.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return domain.NewDependencyError("cache", "ping", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	val, err := r.client.Get(ctx, fmt.Sprintf(keyLastPrice, symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, domain.NewDependencyError("cache", "get last price", err)
	}
	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, domain.NewDependencyError("cache", "parse last price", err)
	}
	return price, true, nil
}

func (r *Redis) SetLastPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	if err := r.client.Set(ctx, fmt.Sprintf(keyLastPrice, symbol), price.String(), 0).Err(); err != nil {
		return domain.NewDependencyError("cache", "set last price", err)
	}
	return nil
}

func dailyPnLKey(accountID string, now time.Time) string {
	return fmt.Sprintf(keyDailyPnL, accountID, now.UTC().Format("20060102"))
}

func (r *Redis) DailyPnL(ctx context.Context, accountID string) (decimal.Decimal, error) {
	val, err := r.client.Get(ctx, dailyPnLKey(accountID, time.Now())).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, domain.NewDependencyError("cache", "get daily pnl", err)
	}
	pnl, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, domain.NewDependencyError("cache", "parse daily pnl", err)
	}
	return pnl, nil
}

func (r *Redis) AddDailyPnL(ctx context.Context, accountID string, delta decimal.Decimal) error {
	key := dailyPnLKey(accountID, time.Now())
	f, _ := delta.Float64()
	pipe := r.client.Pipeline()
	pipe.IncrByFloat(ctx, key, f)
	pipe.Expire(ctx, key, dailyPnLRetTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.NewDependencyError("cache", "incr daily pnl", err)
	}
	return nil
}

func (r *Redis) CashBalance(ctx context.Context, accountID string) (decimal.Decimal, bool, error) {
	val, err := r.client.Get(ctx, fmt.Sprintf(keyCash, accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, domain.NewDependencyError("cache", "get cash", err)
	}
	bal, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, domain.NewDependencyError("cache", "parse cash", err)
	}
	return bal, true, nil
}

func (r *Redis) AdjustCash(ctx context.Context, accountID string, delta decimal.Decimal) error {
	f, _ := delta.Float64()
	if err := r.client.IncrByFloat(ctx, fmt.Sprintf(keyCash, accountID), f).Err(); err != nil {
		return domain.NewDependencyError("cache", "incr cash", err)
	}
	return nil
}

func (r *Redis) PositionValue(ctx context.Context, accountID, symbol string) (decimal.Decimal, error) {
	val, err := r.client.HGet(ctx, fmt.Sprintf(keyPosValues, accountID), symbol).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, domain.NewDependencyError("cache", "get position value", err)
	}
	v, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, domain.NewDependencyError("cache", "parse position value", err)
	}
	return v, nil
}

func (r *Redis) SetPositionValue(ctx context.Context, accountID, symbol string, value decimal.Decimal) error {
	if err := r.client.HSet(ctx, fmt.Sprintf(keyPosValues, accountID), symbol, value.String()).Err(); err != nil {
		return domain.NewDependencyError("cache", "set position value", err)
	}
	return nil
}

func (r *Redis) PortfolioValue(ctx context.Context, accountID string) (decimal.Decimal, error) {
	vals, err := r.client.HVals(ctx, fmt.Sprintf(keyPosValues, accountID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return decimal.Zero, domain.NewDependencyError("cache", "get portfolio", err)
	}
	total := decimal.Zero
	for _, val := range vals {
		v, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Zero, domain.NewDependencyError("cache", "parse portfolio", err)
		}
		total = total.Add(v)
	}
	return total, nil
}

func (r *Redis) IncrOrderCount(ctx context.Context, accountID string, window time.Duration) (int64, error) {
	key := fmt.Sprintf(keyVelocity, accountID)
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, domain.NewDependencyError("cache", "incr velocity", err)
	}
	return incr.Val(), nil
}

func (r *Redis) OrderCount(ctx context.Context, accountID string) (int64, error) {
	val, err := r.client.Get(ctx, fmt.Sprintf(keyVelocity, accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.NewDependencyError("cache", "get velocity", err)
	}
	return val, nil
}

func (r *Redis) Halted(ctx context.Context, symbol string) (bool, error) {
	val, err := r.client.Get(ctx, fmt.Sprintf(keyHalted, symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, domain.NewDependencyError("cache", "get halt flag", err)
	}
	return val == "1", nil
}

func (r *Redis) SetHalted(ctx context.Context, symbol string, halted bool) error {
	key := fmt.Sprintf(keyHalted, symbol)
	var err error
	if halted {
		err = r.client.Set(ctx, key, "1", 0).Err()
	} else {
		err = r.client.Del(ctx, key).Err()
	}
	if err != nil {
		return domain.NewDependencyError("cache", "set halt flag", err)
	}
	return nil
}

func (r *Redis) BlacklistVerdict(ctx context.Context, accountID string) (bool, bool, error) {
	val, err := r.client.Get(ctx, fmt.Sprintf(keyBlacklist, accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, domain.NewDependencyError("cache", "get blacklist", err)
	}
	return val == "1", true, nil
}

func (r *Redis) SetBlacklistVerdict(ctx context.Context, accountID string, blacklisted bool, ttl time.Duration) error {
	val := "0"
	if blacklisted {
		val = "1"
	}
	if err := r.client.Set(ctx, fmt.Sprintf(keyBlacklist, accountID), val, ttl).Err(); err != nil {
		return domain.NewDependencyError("cache", "set blacklist", err)
	}
	return nil
}

var _ domain.StateCache = (*Redis)(nil)
