package trigger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tradeflow/internal/domain"
)

// DefaultRedisPrefix namespaces every key written by the Redis stores.
const DefaultRedisPrefix = "tradeflow"

// reserveScript returns {code, count, last_ms}; code 0 passes, 1 is the
// daily limit, 2 the cooldown. ARGV[5] == "1" consumes on pass.
var reserveScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
local now = tonumber(ARGV[2])
if count >= tonumber(ARGV[1]) then return {1, count, last} end
if last > 0 and now - last < tonumber(ARGV[3]) then return {2, count, last} end
if ARGV[5] == '1' then
  count = redis.call('INCR', KEYS[1])
  redis.call('EXPIRE', KEYS[1], ARGV[4])
  redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[4])
  last = now
end
return {0, count, last}
`)

// RedisRateLimiter is a RateLimiter shared by every process using the same
// Redis. Counters survive restarts.
type RedisRateLimiter struct {
	client redis.Cmdable
	limits Limits
	prefix string
}

// NewRedisRateLimiter creates a RedisRateLimiter.
func NewRedisRateLimiter(client redis.Cmdable, limits Limits, prefix string) *RedisRateLimiter {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRateLimiter{client: client, limits: limits, prefix: prefix}
}

func (r *RedisRateLimiter) run(ctx context.Context, agentID string, now time.Time, consume bool) ([]int64, error) {
	keys := []string{
		fmt.Sprintf("%s:ratelimit:%s:count:%s", r.prefix, agentID, dayKey(now)),
		fmt.Sprintf("%s:ratelimit:%s:last", r.prefix, agentID),
	}
	flag := "0"
	if consume {
		flag = "1"
	}
	res, err := reserveScript.Run(ctx, r.client, keys,
		r.limits.DailyLimit,
		now.UnixMilli(),
		r.limits.Cooldown.Milliseconds(),
		int64((48 * time.Hour).Seconds()),
		flag,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	return res, nil
}

func (r *RedisRateLimiter) decide(res []int64, now time.Time) *Rejection {
	switch res[0] {
	case 1:
		return reject(ReasonDailyLimit, "%d buys today", res[1])
	case 2:
		since := now.Sub(time.UnixMilli(res[2]))
		return reject(ReasonCooldown, "last buy %s ago", since.Round(time.Second))
	}
	return nil
}

// Check implements RateLimiter.
func (r *RedisRateLimiter) Check(ctx context.Context, agentID string, now time.Time) (*Rejection, error) {
	res, err := r.run(ctx, agentID, now, false)
	if err != nil {
		return nil, err
	}
	return r.decide(res, now), nil
}

// Reserve implements RateLimiter.
func (r *RedisRateLimiter) Reserve(ctx context.Context, agentID string, now time.Time) (*Rejection, error) {
	res, err := r.run(ctx, agentID, now, true)
	if err != nil {
		return nil, err
	}
	return r.decide(res, now), nil
}

// State implements RateLimiter.
func (r *RedisRateLimiter) State(ctx context.Context, agentID string, now time.Time) (domain.RateLimitState, error) {
	res, err := r.run(ctx, agentID, now, false)
	if err != nil {
		return domain.RateLimitState{}, err
	}
	s := domain.RateLimitState{DailyCount: int(res[1]), Day: dayKey(now)}
	if res[2] > 0 {
		s.LastBuyAt = time.UnixMilli(res[2]).UTC()
	}
	return s, nil
}

// recordScript trims stale buyers, drops repeats inside the dedup period
// and records the wallet. Returns 1 when recorded.
var recordScript = redis.NewScript(`
local now = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - tonumber(ARGV[4]))
local prev = redis.call('ZSCORE', KEYS[1], ARGV[1])
if prev and now - tonumber(prev) < tonumber(ARGV[3]) then return 0 end
redis.call('ZADD', KEYS[1], now, ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisConsensus is a ConsensusTracker backed by one sorted set per token.
type RedisConsensus struct {
	client redis.Cmdable
	dedup  time.Duration
	prefix string
}

// NewRedisConsensus creates a RedisConsensus. dedup <= 0 uses DefaultWalletDedup.
func NewRedisConsensus(client redis.Cmdable, dedup time.Duration, prefix string) *RedisConsensus {
	if dedup <= 0 {
		dedup = DefaultWalletDedup
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisConsensus{client: client, dedup: dedup, prefix: prefix}
}

func (r *RedisConsensus) key(chain domain.Chain, token string) string {
	return fmt.Sprintf("%s:consensus:%s:%s", r.prefix, chain, token)
}

// Record implements ConsensusTracker.
func (r *RedisConsensus) Record(ctx context.Context, chain domain.Chain, token, wallet string, at time.Time) (bool, error) {
	n, err := recordScript.Run(ctx, r.client, []string{r.key(chain, token)},
		wallet,
		at.UnixMilli(),
		r.dedup.Milliseconds(),
		MaxConsensusRetention.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("consensus record: %w", err)
	}
	return n == 1, nil
}

// Count implements ConsensusTracker.
func (r *RedisConsensus) Count(ctx context.Context, chain domain.Chain, token string, at time.Time, window time.Duration) (int, error) {
	lo := "(" + strconv.FormatInt(at.Add(-window).UnixMilli(), 10)
	hi := strconv.FormatInt(at.UnixMilli(), 10)
	n, err := r.client.ZCount(ctx, r.key(chain, token), lo, hi).Result()
	if err != nil {
		return 0, fmt.Errorf("consensus count: %w", err)
	}
	return int(n), nil
}

// RedisFireGuard is a FireGuard using SET NX with expiry.
type RedisFireGuard struct {
	client redis.Cmdable
	prefix string
}

// NewRedisFireGuard creates a RedisFireGuard.
func NewRedisFireGuard(client redis.Cmdable, prefix string) *RedisFireGuard {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisFireGuard{client: client, prefix: prefix}
}

// TryFire implements FireGuard. Expiry follows the Redis clock.
func (g *RedisFireGuard) TryFire(ctx context.Context, key string, at time.Time, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+":fired:"+key, at.UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("fire guard: %w", err)
	}
	return ok, nil
}

// Release implements FireGuard.
func (g *RedisFireGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+":fired:"+key).Err(); err != nil {
		return fmt.Errorf("release fire guard: %w", err)
	}
	return nil
}

var (
	_ RateLimiter      = (*RedisRateLimiter)(nil)
	_ ConsensusTracker = (*RedisConsensus)(nil)
	_ FireGuard        = (*RedisFireGuard)(nil)
)
