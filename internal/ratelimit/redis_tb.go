package ratelimit

import (
	"context"
	"time"

	"go-dm/internal/logger"

	"github.com/redis/go-redis/v9"
)

// TokenBucketLimiter 基于 Redis 的令牌桶限流：
// - 两个键：tokensKey（令牌数）、tsKey（上次补充时间）
// - Lua 原子脚本：计算补充、扣减与过期
// - Redis 出错时失败即放行，只记录告警
type TokenBucketLimiter struct {
	client *redis.Client
	rate   int
	burst  int
}

// NewTokenBucketLimiter rate 为每秒补充令牌数，burst 为桶容量（<=0 时取 20/40）。
func NewTokenBucketLimiter(c *redis.Client, rate, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &TokenBucketLimiter{client: c, rate: rate, burst: burst}
}

var luaScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])        -- 每秒新增令牌
local burst = tonumber(ARGV[2])       -- 桶容量
local now_ms = tonumber(ARGV[3])      -- 当前时间毫秒

local tokens = tonumber(redis.call('GET', tokens_key))
if tokens == nil then tokens = burst end
local ts = tonumber(redis.call('GET', ts_key))
if ts == nil then ts = now_ms end

local delta = math.max(0, now_ms - ts) / 1000.0
local new_tokens = math.min(burst, tokens + delta * rate)

local allowed = 0
if new_tokens >= 1 then
  allowed = 1
  new_tokens = new_tokens - 1
end

local ttl = math.ceil(burst / rate * 1000) + 1000
redis.call('SET', tokens_key, tostring(new_tokens), 'PX', ttl)
redis.call('SET', ts_key, tostring(now_ms), 'PX', ttl)

return allowed
`)

// SendKey 私信发送限流维度：用户 + 通道（ws/http/tcp）。
func SendKey(userID, channel string) string { return "im:tb:dm:send:" + userID + ":" + channel }

// Allow 尝试消耗一个令牌。
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.client == nil {
		return true
	}
	nowMs := time.Now().UnixMilli()
	n, err := luaScript.Run(ctx, l.client, []string{key + ":t", key + ":ts"}, l.rate, l.burst, nowMs).Int64()
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("rate limiter unavailable, allowing")
		return true
	}
	return n == 1
}
