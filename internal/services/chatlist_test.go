package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-dm/internal/cache"
	"go-dm/internal/idgen"
	"go-dm/internal/models"
	"go-dm/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textMsg(id, from, to string, at time.Time, deletedFor ...string) *models.Message {
	c, _ := models.TextContent("msg " + id)
	return &models.Message{ID: id, Sender: from, Recipient: to, Content: c, CreatedAt: at, DeletedFor: deletedFor}
}

func TestBuildSummariesOrdering(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)
	list := BuildSummaries("me", []*models.Message{
		textMsg("1", "me", "zed", t0),
		textMsg("2", "amy", "me", t0),
		textMsg("3", "me", "bob", t0.Add(time.Second)),
		textMsg("4", "me", "bob", t0.Add(-time.Second)),
		textMsg("5", "cat", "me", t0.Add(time.Hour), "me"),
		textMsg("6", "x", "y", t0.Add(time.Hour)),
	})

	partners := make([]string, len(list))
	for i, s := range list {
		partners[i] = s.Partner
	}
	assert.Equal(t, []string{"bob", "amy", "zed"}, partners)
	assert.Equal(t, "3", list[0].LastMessageID)
	assert.True(t, list[0].FromMe)
	assert.False(t, list[1].FromMe)
	assert.Equal(t, "msg 2", list[1].Preview)
}

func TestSummarizeEnrichesAndHidesClearedPartners(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.Chats.Directory = store.NewStaticDirectory(models.Profile{ID: "bob", Nickname: "Bob", AvatarURL: "http://a/bob.png"})

	_, err := f.svc.SendText(ctx, "alice", "bob", "hi bob", "")
	require.NoError(t, err)
	_, err = f.svc.SendText(ctx, "carol", "alice", "hi alice", "")
	require.NoError(t, err)

	list, err := f.svc.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "carol", list[0].Partner)
	assert.Equal(t, "Bob", list[1].PartnerName)
	assert.Equal(t, "http://a/bob.png", list[1].PartnerAvatar)

	_, err = f.svc.ClearConversation(ctx, "alice", "carol")
	require.NoError(t, err)
	list, err = f.svc.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].Partner)

	carols, err := f.svc.ListChats(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, carols, 1)
	assert.Equal(t, "alice", carols[0].Partner)
}

type countingStore struct {
	store.MessageStoreInterface
	calls int
	err   error
}

func (s *countingStore) LatestPerPartner(ctx context.Context, viewer string) ([]*models.Message, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.MessageStoreInterface.LatestPerPartner(ctx, viewer)
}

func TestSummarizeCacheHitAndInvalidate(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := cache.NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rdb.Close() })

	mem := store.NewMemoryMessageStore(idgen.New())
	cs := &countingStore{MessageStoreInterface: mem}
	agg := NewChatListAggregator(cs, cache.NewChatListCache(rdb, time.Minute), nil)

	c, _ := models.TextContent("hi")
	_, _, err := mem.Append(ctx, &models.Draft{Sender: "alice", Recipient: "bob", Content: c})
	require.NoError(t, err)

	first, err := agg.Summarize(ctx, "bob")
	require.NoError(t, err)
	second, err := agg.Summarize(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cs.calls)

	_, _, err = mem.Append(ctx, &models.Draft{Sender: "carol", Recipient: "bob", Content: c})
	require.NoError(t, err)
	agg.Invalidate(ctx, "bob", "carol")

	third, err := agg.Summarize(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, third, 2)
	assert.Equal(t, 2, cs.calls)
}

func TestSummarizeBypassesCacheWhenInvalidateFails(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := cache.NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rdb.Close() })

	mem := store.NewMemoryMessageStore(idgen.New())
	cs := &countingStore{MessageStoreInterface: mem}
	agg := NewChatListAggregator(cs, cache.NewChatListCache(rdb, time.Minute), nil)

	_, err := agg.Summarize(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, cs.calls)

	mr.SetError("down")
	agg.Invalidate(ctx, "bob")
	mr.SetError("")

	_, err = agg.Summarize(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, cs.calls, "cached list must not be served after a failed invalidation")
}

func TestSummarizeStoreErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	agg := NewChatListAggregator(&countingStore{err: boom}, nil, nil)
	_, err := agg.Summarize(context.Background(), "bob")
	assert.ErrorIs(t, err, boom)
}

type blockingStore struct {
	store.MessageStoreInterface
	started chan struct{}
	release chan struct{}
}

func (s *blockingStore) LatestPerPartner(ctx context.Context, viewer string) ([]*models.Message, error) {
	s.started <- struct{}{}
	<-s.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MessageStoreInterface.LatestPerPartner(ctx, viewer)
}

func TestSummarizeSharedLookupSurvivesCallerCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := cache.NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rdb.Close() })

	mem := store.NewMemoryMessageStore(idgen.New())
	c, _ := models.TextContent("hi")
	_, _, err := mem.Append(context.Background(), &models.Draft{Sender: "alice", Recipient: "bob", Content: c})
	require.NoError(t, err)

	bs := &blockingStore{MessageStoreInterface: mem, started: make(chan struct{}), release: make(chan struct{})}
	agg := NewChatListAggregator(bs, cache.NewChatListCache(rdb, time.Minute), nil)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		list []models.ChatSummary
		err  error
	}
	done := make(chan result, 1)
	go func() {
		list, err := agg.Summarize(ctx, "bob")
		done <- result{list, err}
	}()

	<-bs.started
	cancel()
	close(bs.release)

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.list, 1)
	assert.Equal(t, "alice", res.list[0].Partner)
}
