// Package storetest 是 MessageStoreInterface 的一致性测试集，内存/MySQL/MongoDB 实现共用。
package storetest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/models"
	"go-dm/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory 返回一个可用的存储实例；各用例使用随机用户 ID 隔离数据，可复用同一实例。
type Factory func(t *testing.T) store.MessageStoreInterface

func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(*testing.T, store.MessageStoreInterface)
	}{
		{"AppendRejectsInconsistentDraft", testAppendValidation},
		{"AppendRejectsOversizedFields", testAppendOversized},
		{"AppendAssignsIDAndTime", testAppendAssigns},
		{"AppendIdempotentOnClientMsgID", testAppendIdempotent},
		{"HistoryOrderedAndSymmetric", testHistoryOrder},
		{"HistoryEmptyForOutsider", testHistoryOutsider},
		{"RecipientDeleteHidesOnlyForRecipient", testRecipientDelete},
		{"SenderDeleteRemovesForBoth", testSenderDelete},
		{"BothSidesDeletedCollapsesToHard", testBothDeleted},
		{"SoftDeleteNotFound", testSoftDeleteNotFound},
		{"HardDeleteIdempotent", testHardDeleteIdempotent},
		{"ClearThenAppend", testClearThenAppend},
		{"ClearKeepsPeerHistory", testClearKeepsPeer},
		{"ClearByBothPurges", testClearByBoth},
		{"LatestPerPartner", testLatestPerPartner},
		{"ConcurrentDeletesSerialize", testConcurrentDeletes},
		{"ClearConcurrentWithAppend", testClearConcurrentAppend},
		{"PairsWithSeparatorInIDsStayApart", testSeparatorInIDs},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, newStore(t))
		})
	}
}

func users(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "u-" + uuid.NewString()[:8]
	}
	return out
}

func text(t *testing.T, from, to, body string) *models.Draft {
	c, err := models.TextContent(body)
	require.NoError(t, err)
	return &models.Draft{Sender: from, Recipient: to, Content: c}
}

func mustAppend(t *testing.T, s store.MessageStoreInterface, d *models.Draft) *models.Message {
	m, created, err := s.Append(context.Background(), d)
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func ids(ms []*models.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func history(t *testing.T, s store.MessageStoreInterface, a, b, viewer string) []*models.Message {
	ms, err := s.VisibleBetween(context.Background(), a, b, viewer)
	require.NoError(t, err)
	return ms
}

func testAppendValidation(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	ctx := context.Background()
	txt, _ := models.TextContent("hi")

	_, _, err := s.Append(ctx, &models.Draft{Sender: u[0], Recipient: u[0], Content: txt})
	assert.True(t, apperr.IsValidation(err))

	_, _, err = s.Append(ctx, &models.Draft{Sender: "", Recipient: u[1], Content: txt})
	assert.True(t, apperr.IsValidation(err))

	_, _, err = s.Append(ctx, &models.Draft{Sender: u[0], Recipient: u[1]})
	assert.True(t, apperr.IsValidation(err))

	assert.Empty(t, history(t, s, u[0], u[1], u[0]))
}

func testAppendOversized(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	ctx := context.Background()

	longSender := u[0] + strings.Repeat("x", models.MaxUserIDLen)
	_, _, err := s.Append(ctx, text(t, longSender, u[1], "hi"))
	assert.True(t, apperr.IsValidation(err))

	_, _, err = s.Append(ctx, text(t, u[0], u[1], strings.Repeat("b", models.MaxTextBytes+1)))
	assert.True(t, apperr.IsValidation(err))

	assert.Empty(t, history(t, s, u[0], u[1], u[1]))
}

func testAppendAssigns(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	before := time.Now().Add(-time.Second)
	att, err := models.AttachmentContent(models.KindImage, models.Attachment{URL: "http://cdn/x.png", OriginalName: "x.png"})
	require.NoError(t, err)

	m := mustAppend(t, s, &models.Draft{Sender: u[0], Recipient: u[1], Content: att})
	assert.NotEmpty(t, m.ID)
	assert.True(t, m.CreatedAt.After(before))
	assert.Empty(t, m.DeletedFor)

	got, err := s.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, models.KindImage, got.Kind())
	assert.Equal(t, "x.png", got.Content.Attachment().OriginalName)
	assert.Equal(t, m.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

	_, err = s.Get(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.True(t, apperr.IsNotFound(err))
}

func testAppendIdempotent(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	d := text(t, u[0], u[1], "once")
	d.ClientMsgID = "c-1"

	first := mustAppend(t, s, d)
	again, created, err := s.Append(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, history(t, s, u[0], u[1], u[1]), 1)

	// 同一幂等键，不同发送方互不影响
	other := text(t, u[1], u[0], "reply")
	other.ClientMsgID = "c-1"
	mustAppend(t, s, other)
	assert.Len(t, history(t, s, u[0], u[1], u[0]), 2)
}

func testHistoryOrder(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, mustAppend(t, s, text(t, u[0], u[1], "m")).ID)
		want = append(want, mustAppend(t, s, text(t, u[1], u[0], "r")).ID)
	}
	assert.Equal(t, want, ids(history(t, s, u[0], u[1], u[0])))
	assert.Equal(t, want, ids(history(t, s, u[1], u[0], u[1])))
}

func testHistoryOutsider(t *testing.T, s store.MessageStoreInterface) {
	u := users(3)
	mustAppend(t, s, text(t, u[0], u[1], "secret"))
	assert.Empty(t, history(t, s, u[0], u[1], u[2]))
}

func testRecipientDelete(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	a, b := u[0], u[1]
	m := mustAppend(t, s, text(t, a, b, "hi"))

	res, err := s.SoftDelete(context.Background(), m.ID, b)
	require.NoError(t, err)
	assert.False(t, res.Hard)

	assert.Equal(t, []string{m.ID}, ids(history(t, s, a, b, a)))
	assert.Empty(t, history(t, s, a, b, b))

	got, err := s.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, got.DeletedFor)
}

func testSenderDelete(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	a, b := u[0], u[1]
	m := mustAppend(t, s, text(t, a, b, "oops"))

	res, err := s.SoftDelete(context.Background(), m.ID, a)
	require.NoError(t, err)
	assert.True(t, res.Hard)
	require.NotNil(t, res.Message)
	assert.Equal(t, m.ID, res.Message.ID)

	assert.Empty(t, history(t, s, a, b, a))
	assert.Empty(t, history(t, s, a, b, b))
	_, err = s.Get(context.Background(), m.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func testBothDeleted(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	a, b := u[0], u[1]
	m := mustAppend(t, s, text(t, a, b, "x"))

	_, err := s.SoftDelete(context.Background(), m.ID, b)
	require.NoError(t, err)
	res, err := s.SoftDelete(context.Background(), m.ID, a)
	require.NoError(t, err)
	assert.True(t, res.Hard)

	_, err = s.Get(context.Background(), m.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func testSoftDeleteNotFound(t *testing.T, s store.MessageStoreInterface) {
	u := users(3)
	a, b, c := u[0], u[1], u[2]
	m := mustAppend(t, s, text(t, a, b, "x"))
	ctx := context.Background()

	_, err := s.SoftDelete(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV", a)
	assert.True(t, apperr.IsNotFound(err))

	_, err = s.SoftDelete(ctx, m.ID, c)
	assert.True(t, apperr.IsNotFound(err))

	_, err = s.SoftDelete(ctx, m.ID, b)
	require.NoError(t, err)
	_, err = s.SoftDelete(ctx, m.ID, b)
	assert.True(t, apperr.IsNotFound(err))

	// 接收方的删除不影响发送方
	assert.Len(t, history(t, s, a, b, a), 1)
}

func testHardDeleteIdempotent(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	m := mustAppend(t, s, text(t, u[0], u[1], "x"))
	ctx := context.Background()

	require.NoError(t, s.HardDelete(ctx, m.ID))
	require.NoError(t, s.HardDelete(ctx, m.ID))
	require.NoError(t, s.HardDelete(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV"))

	_, err := s.Get(ctx, m.ID)
	assert.True(t, apperr.IsNotFound(err))
	assert.Empty(t, history(t, s, u[0], u[1], u[1]))
}

func testClearThenAppend(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	a, b := u[0], u[1]
	mustAppend(t, s, text(t, a, b, "1"))
	mustAppend(t, s, text(t, b, a, "2"))

	res, err := s.BulkSoftDelete(context.Background(), a, b, a)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Hidden)
	assert.Empty(t, res.Purged)
	assert.Empty(t, history(t, s, a, b, a))

	m := mustAppend(t, s, text(t, b, a, "3"))
	assert.Equal(t, []string{m.ID}, ids(history(t, s, a, b, a)))
}

func testClearKeepsPeer(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	a, b := u[0], u[1]
	var all []string
	all = append(all, mustAppend(t, s, text(t, a, b, "1")).ID)
	all = append(all, mustAppend(t, s, text(t, b, a, "2")).ID)
	all = append(all, mustAppend(t, s, text(t, a, b, "3")).ID)

	_, err := s.BulkSoftDelete(context.Background(), a, b, a)
	require.NoError(t, err)

	assert.Equal(t, all, ids(history(t, s, a, b, b)))
}

func testClearByBoth(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	a, b := u[0], u[1]
	m1 := mustAppend(t, s, text(t, a, b, "1"))
	m2 := mustAppend(t, s, text(t, b, a, "2"))
	ctx := context.Background()

	_, err := s.BulkSoftDelete(ctx, a, b, a)
	require.NoError(t, err)
	res, err := s.BulkSoftDelete(ctx, b, a, b)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Hidden)
	assert.ElementsMatch(t, []string{m1.ID, m2.ID}, ids(res.Purged))

	for _, id := range []string{m1.ID, m2.ID} {
		_, err := s.Get(ctx, id)
		assert.True(t, apperr.IsNotFound(err))
	}
}

func testLatestPerPartner(t *testing.T, s store.MessageStoreInterface) {
	u := users(4)
	me, p1, p2, p3 := u[0], u[1], u[2], u[3]
	ctx := context.Background()

	mustAppend(t, s, text(t, me, p1, "old"))
	latest1 := mustAppend(t, s, text(t, p1, me, "new"))
	latest2 := mustAppend(t, s, text(t, me, p2, "hey"))
	only3 := mustAppend(t, s, text(t, p3, me, "hidden soon"))

	_, err := s.SoftDelete(ctx, only3.ID, me)
	require.NoError(t, err)

	got, err := s.LatestPerPartner(ctx, me)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{latest1.ID, latest2.ID}, ids(got))

	// p3 仍能看到自己发出的消息
	got, err = s.LatestPerPartner(ctx, p3)
	require.NoError(t, err)
	assert.Equal(t, []string{only3.ID}, ids(got))
}

func testConcurrentDeletes(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	a, b := u[0], u[1]
	m := mustAppend(t, s, text(t, a, b, "race"))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, viewer := range []string{a, b} {
		wg.Add(1)
		go func(i int, viewer string) {
			defer wg.Done()
			_, errs[i] = s.SoftDelete(ctx, m.ID, viewer)
		}(i, viewer)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.True(t, apperr.IsNotFound(err) || apperr.IsConflict(err), "unexpected error: %v", err)
		}
	}
	// 发送方的删除总是物理删除
	_, err := s.Get(ctx, m.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func testClearConcurrentAppend(t *testing.T, s store.MessageStoreInterface) {
	u := users(2)
	a, b := u[0], u[1]
	ctx := context.Background()
	const n = 5

	before := make(map[string]bool)
	for i := 0; i < n; i++ {
		before[mustAppend(t, s, text(t, a, b, "old")).ID] = true
	}

	var (
		wg       sync.WaitGroup
		cleared  store.BulkDeleteResult
		clearErr error
		during   = make([]string, n)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		cleared, clearErr = s.BulkSoftDelete(ctx, a, b, a)
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			m, _, err := s.Append(ctx, text(t, b, a, "new"))
			if !assert.NoError(t, err) {
				return
			}
			during[i] = m.ID
		}
	}()
	wg.Wait()
	require.NoError(t, clearErr)

	visible := ids(history(t, s, a, b, a))
	for _, id := range visible {
		assert.False(t, before[id], "message %s from before the clear is still visible", id)
		assert.Contains(t, during, id)
	}
	// 快照内的消息全部被隐藏，快照后的消息全部可见
	assert.Equal(t, 2*n, cleared.Hidden+len(visible))
	assert.Empty(t, cleared.Purged)

	peer := ids(history(t, s, a, b, b))
	assert.Len(t, peer, 2*n)
	for id := range before {
		assert.Contains(t, peer, id)
	}
	for _, id := range during {
		assert.Contains(t, peer, id)
	}
}

func testSeparatorInIDs(t *testing.T, s store.MessageStoreInterface) {
	id := uuid.NewString()[:8]
	p, q, r := "a"+id, "b"+id, "c"+id
	// (p:q, r) 与 (p, q:r) 是两组不同的会话
	left := mustAppend(t, s, text(t, p+":"+q, r, "left"))
	right := mustAppend(t, s, text(t, p, q+":"+r, "right"))

	assert.Equal(t, []string{left.ID}, ids(history(t, s, p+":"+q, r, r)))
	assert.Equal(t, []string{right.ID}, ids(history(t, s, p, q+":"+r, p)))

	res, err := s.BulkSoftDelete(context.Background(), p, q+":"+r, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Hidden)

	assert.Equal(t, []string{left.ID}, ids(history(t, s, p+":"+q, r, r)))
	assert.Equal(t, []string{left.ID}, ids(history(t, s, r, p+":"+q, p+":"+q)))
	assert.Equal(t, []string{right.ID}, ids(history(t, s, p, q+":"+r, q+":"+r)))
}
