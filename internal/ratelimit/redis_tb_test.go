package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestTokenBucketBurst(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()

	l := NewTokenBucketLimiter(c, 1, 2)
	ctx := context.Background()
	key := SendKey("alice", "ws")

	assert.True(t, l.Allow(ctx, key))
	assert.True(t, l.Allow(ctx, key))
	assert.False(t, l.Allow(ctx, key))

	// 不同维度互不影响
	assert.True(t, l.Allow(ctx, SendKey("alice", "http")))
}

func TestTokenBucketFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()
	mr.Close()

	l := NewTokenBucketLimiter(c, 1, 1)
	assert.True(t, l.Allow(context.Background(), "k"))
	assert.True(t, l.Allow(context.Background(), "k"))

	var nilLimiter *TokenBucketLimiter
	assert.True(t, nilLimiter.Allow(context.Background(), "k"))
}
