package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go-dm/internal/models"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss 缓存未命中。
var ErrCacheMiss = errors.New("cache miss")

// ChatListCache 按“用户代数”缓存会话列表。
// 每次影响某用户列表的写操作提交后对其代数 INCR，旧代数下的缓存不再被读取，
// 因此无需显式删除，过期交给 TTL。代数键本身不过期，避免回绕后读到旧列表。
type ChatListCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewChatListCache(c *redis.Client, ttl time.Duration) *ChatListCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ChatListCache{client: c, ttl: ttl}
}

func (c *ChatListCache) Generation(ctx context.Context, userID string) (int64, error) {
	n, err := c.client.Get(ctx, ChatListGenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *ChatListCache) Get(ctx context.Context, userID string, gen int64) ([]models.ChatSummary, error) {
	data, err := c.client.Get(ctx, ChatListKey(userID, gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var list []models.ChatSummary
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, ErrCacheMiss
	}
	return list, nil
}

func (c *ChatListCache) Set(ctx context.Context, userID string, gen int64, list []models.ChatSummary) error {
	if list == nil {
		list = []models.ChatSummary{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, ChatListKey(userID, gen), data, c.ttl).Err()
}

// Invalidate 推进各用户的代数。
func (c *ChatListCache) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, u := range userIDs {
		pipe.Incr(ctx, ChatListGenKey(u))
	}
	_, err := pipe.Exec(ctx)
	return err
}
