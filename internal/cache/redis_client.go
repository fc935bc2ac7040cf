package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 本包封装了 Redis 客户端与私信相关的键：
// - 在线集合：im:presence:online
// - 最近在线时间：im:presence:lastseen:<userId>
// - 会话列表代数：im:chatlist:gen:<userId>
// - 会话列表缓存：im:chatlist:<userId>:<gen>

func NewClient(addr, pass string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func OnlineUsersKey() string                 { return "im:presence:online" }
func LastSeenKey(userID string) string       { return fmt.Sprintf("im:presence:lastseen:%s", userID) }
func ChatListGenKey(userID string) string    { return fmt.Sprintf("im:chatlist:gen:%s", userID) }
func ChatListKey(userID string, gen int64) string {
	return fmt.Sprintf("im:chatlist:%s:%d", userID, gen)
}

// Presence 将路由器的上线/下线同步到 Redis，供其它服务查询。
type Presence struct {
	client *redis.Client
	now    func() time.Time
}

func NewPresence(c *redis.Client) *Presence {
	return &Presence{client: c, now: time.Now}
}

func (p *Presence) SetOnline(ctx context.Context, userID string) error {
	return p.client.SAdd(ctx, OnlineUsersKey(), userID).Err()
}

// SetOffline 从在线集合移除并记录最近在线时间（毫秒）。
func (p *Presence) SetOffline(ctx context.Context, userID string) error {
	pipe := p.client.TxPipeline()
	pipe.SRem(ctx, OnlineUsersKey(), userID)
	pipe.Set(ctx, LastSeenKey(userID), p.now().UnixMilli(), 0)
	_, err := pipe.Exec(ctx)
	return err
}

// Status 返回是否在线与最近在线时间（从未下线过时为零值）。
func (p *Presence) Status(ctx context.Context, userID string) (bool, time.Time, error) {
	pipe := p.client.Pipeline()
	online := pipe.SIsMember(ctx, OnlineUsersKey(), userID)
	last := pipe.Get(ctx, LastSeenKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, time.Time{}, err
	}
	var seen time.Time
	if v, err := last.Result(); err == nil {
		if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			seen = time.UnixMilli(ms)
		}
	}
	return online.Val(), seen, nil
}
