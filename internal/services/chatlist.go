package services

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go-dm/internal/cache"
	"go-dm/internal/logger"
	"go-dm/internal/metrics"
	"go-dm/internal/models"
	"go-dm/internal/store"

	"golang.org/x/sync/singleflight"
)

// ChatListAggregator 由 LatestPerPartner 推导会话列表：
// - 每个对端一项，预览取 viewer 可见的最新一条
// - 按 previewAt 降序，同时刻按 partner 升序
// - 可选 Redis 缓存（按用户代数），同一 viewer+代数 的并发未命中合并为一次查询
type ChatListAggregator struct {
	Store     store.MessageStoreInterface
	Cache     *cache.ChatListCache // 可选
	Directory store.UserDirectory  // 可选，补充对端昵称/头像

	sf singleflight.Group

	// 代数推进失败的用户在 bypassTTL 内绕过缓存，避免读到旧列表
	mu        sync.Mutex
	bypass    map[string]time.Time
	bypassTTL time.Duration
}

func NewChatListAggregator(st store.MessageStoreInterface, c *cache.ChatListCache, dir store.UserDirectory) *ChatListAggregator {
	return &ChatListAggregator{
		Store:     st,
		Cache:     c,
		Directory: dir,
		bypass:    make(map[string]time.Time),
		bypassTTL: 10 * time.Minute,
	}
}

// Summarize 返回 viewer 的会话列表。
func (a *ChatListAggregator) Summarize(ctx context.Context, viewer string) ([]models.ChatSummary, error) {
	if a.Cache == nil || a.bypassed(viewer) {
		return a.compute(ctx, viewer)
	}

	gen, err := a.Cache.Generation(ctx, viewer)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldUserID, viewer).Msg("chat list generation unavailable")
		metrics.ChatListCacheTotal.WithLabelValues("error").Inc()
		return a.compute(ctx, viewer)
	}
	if list, err := a.Cache.Get(ctx, viewer, gen); err == nil {
		metrics.ChatListCacheTotal.WithLabelValues("hit").Inc()
		return list, nil
	}
	metrics.ChatListCacheTotal.WithLabelValues("miss").Inc()

	v, err, _ := a.sf.Do(viewer+":"+strconv.FormatInt(gen, 10), func() (any, error) {
		// 结果由所有合并的调用方共享，不随首个调用方取消
		fctx := context.WithoutCancel(ctx)
		list, err := a.compute(fctx, viewer)
		if err != nil {
			return nil, err
		}
		if err := a.Cache.Set(fctx, viewer, gen, list); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldUserID, viewer).Msg("chat list cache set failed")
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]models.ChatSummary)
	return append([]models.ChatSummary(nil), shared...), nil
}

// Invalidate 在写操作提交之后调用。
func (a *ChatListAggregator) Invalidate(ctx context.Context, users ...string) {
	if a.Cache == nil || len(users) == 0 {
		return
	}
	if err := a.Cache.Invalidate(ctx, users...); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Strs("users", users).Msg("chat list invalidate failed, bypassing cache")
		until := time.Now().Add(a.bypassTTL)
		a.mu.Lock()
		for _, u := range users {
			a.bypass[u] = until
		}
		a.mu.Unlock()
	}
}

func (a *ChatListAggregator) bypassed(viewer string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	until, ok := a.bypass[viewer]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(a.bypass, viewer)
		return false
	}
	return true
}

func (a *ChatListAggregator) compute(ctx context.Context, viewer string) ([]models.ChatSummary, error) {
	latest, err := a.Store.LatestPerPartner(ctx, viewer)
	if err != nil {
		return nil, err
	}
	list := BuildSummaries(viewer, latest)
	a.enrich(ctx, list)
	return list, nil
}

func (a *ChatListAggregator) enrich(ctx context.Context, list []models.ChatSummary) {
	if a.Directory == nil || len(list) == 0 {
		return
	}
	ids := make([]string, len(list))
	for i := range list {
		ids[i] = list[i].Partner
	}
	profiles, err := a.Directory.Profiles(ctx, ids)
	if err != nil {
		// 资料补充失败不影响列表本身
		logger.Ctx(ctx).Warn().Err(err).Msg("partner profile lookup failed")
		return
	}
	for i := range list {
		if p, ok := profiles[list[i].Partner]; ok {
			list[i].PartnerName = p.Nickname
			list[i].PartnerAvatar = p.AvatarURL
		}
	}
}

// BuildSummaries 把每个对端最新可见消息转换为有序的会话列表。
// 不可见消息与非参与者消息被忽略；同一对端出现多条时取最新。
func BuildSummaries(viewer string, latest []*models.Message) []models.ChatSummary {
	best := make(map[string]*models.Message, len(latest))
	for _, m := range latest {
		if m == nil || !m.VisibleTo(viewer) {
			continue
		}
		peer := m.Peer(viewer)
		if cur, ok := best[peer]; !ok || cur.Less(m) {
			best[peer] = m
		}
	}

	out := make([]models.ChatSummary, 0, len(best))
	for peer, m := range best {
		out = append(out, models.ChatSummary{
			Partner:       peer,
			Preview:       m.Content.Preview(),
			PreviewKind:   m.Kind(),
			PreviewAt:     m.CreatedAt,
			LastMessageID: m.ID,
			FromMe:        m.Sender == viewer,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PreviewAt.Equal(out[j].PreviewAt) {
			return out[i].PreviewAt.After(out[j].PreviewAt)
		}
		return out[i].Partner < out[j].Partner
	})
	return out
}
