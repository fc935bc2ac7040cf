package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/cache"
	"go-dm/internal/delivery"
	"go-dm/internal/idgen"
	"go-dm/internal/ratelimit"
	"go-dm/internal/services"
	"go-dm/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func next(t *testing.T, o *Outbox) frame {
	t.Helper()
	select {
	case b := <-o.Queue():
		var f frame
		require.NoError(t, json.Unmarshal(b, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("no event queued")
		return frame{}
	}
}

func newDispatcher(t *testing.T) (*Dispatcher, *delivery.Router) {
	t.Helper()
	st := store.NewMemoryMessageStore(idgen.New())
	router := delivery.NewRouter()
	t.Cleanup(router.Close)
	chat := services.NewChatService(st, router, services.NewChatListAggregator(st, nil, nil))
	return &Dispatcher{Chat: chat}, router
}

func TestOutboxQueueFullAndClosed(t *testing.T) {
	o := NewOutbox(1)
	require.NoError(t, o.Push(delivery.Event{Action: "a"}))
	assert.ErrorIs(t, o.Push(delivery.Event{Action: "b"}), delivery.ErrQueueFull)
	o.Close()
	o.Close()
	assert.ErrorIs(t, o.Push(delivery.Event{Action: "c"}), delivery.ErrConnClosed)
}

func TestDispatchSendAckAndDelivery(t *testing.T) {
	ctx := context.Background()
	d, router := newDispatcher(t)
	alice, bob := NewOutbox(8), NewOutbox(8)
	router.Join("bob", bob)

	d.Handle(ctx, "alice", "ws", alice, []byte(`{"action":"send","data":{"to":"bob","text":"hello","clientMsgId":"c1"}}`))

	ack := next(t, alice)
	require.Equal(t, delivery.ActionAck, ack.Action)
	var a AckData
	require.NoError(t, json.Unmarshal(ack.Data, &a))
	assert.Equal(t, ActionSend, a.Action)
	assert.Equal(t, "c1", a.ClientMsgID)
	assert.Equal(t, delivery.StatusDelivered, a.Status)

	msg := next(t, bob)
	assert.Equal(t, delivery.ActionMessage, msg.Action)
	var view struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &view))
	assert.Equal(t, a.ID, view.ID)
	assert.Equal(t, "hello", view.Text)

	d.Handle(ctx, "alice", "ws", alice, []byte(`{"action":"delete","data":{"id":"`+a.ID+`"}}`))
	del := next(t, alice)
	require.NoError(t, json.Unmarshal(del.Data, &a))
	assert.True(t, a.Hard)
	assert.Equal(t, delivery.ActionMessageDeleted, next(t, bob).Action)
}

func TestDispatchErrors(t *testing.T) {
	ctx := context.Background()
	d, _ := newDispatcher(t)
	conn := NewOutbox(8)

	cases := map[string]apperr.Code{
		`not json`: apperr.CodeValidation,
		`{"action":"send","data":{"to":"bob","text":""}}`:             apperr.CodeValidation,
		`{"action":"send","data":{"to":"bob","type":"image"}}`:        apperr.CodeValidation,
		`{"action":"delete","data":{"id":"01J00000000000000000000000"}}`: apperr.CodeNotFound,
		`{"action":"dance"}`: apperr.CodeValidation,
	}
	for raw, code := range cases {
		d.Handle(ctx, "alice", "ws", conn, []byte(raw))
		f := next(t, conn)
		require.Equal(t, delivery.ActionError, f.Action, raw)
		var e ErrorData
		require.NoError(t, json.Unmarshal(f.Data, &e))
		assert.Equal(t, code, e.Code, raw)
	}
}

func TestDispatchJoinTakesOverRouting(t *testing.T) {
	d, router := newDispatcher(t)
	first, second := NewOutbox(8), NewOutbox(8)
	router.Join("bob", first)
	router.Join("bob", second)

	d.Handle(context.Background(), "bob", "ws", first, []byte(`{"action":"join"}`))
	assert.Equal(t, delivery.ActionAck, next(t, first).Action)

	assert.True(t, router.Notify("bob", delivery.Event{Action: delivery.ActionTyping}))
	assert.Equal(t, delivery.ActionTyping, next(t, first).Action)
	assert.Empty(t, second.Queue())
}

func TestDispatchRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := cache.NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rdb.Close() })

	d, _ := newDispatcher(t)
	d.Limiter = ratelimit.NewTokenBucketLimiter(rdb, 1, 1)
	conn := NewOutbox(8)
	send := []byte(`{"action":"send","data":{"to":"bob","text":"hi"}}`)

	d.Handle(context.Background(), "alice", "ws", conn, send)
	assert.Equal(t, delivery.ActionAck, next(t, conn).Action)

	d.Handle(context.Background(), "alice", "ws", conn, send)
	f := next(t, conn)
	require.Equal(t, delivery.ActionError, f.Action)
	var e ErrorData
	require.NoError(t, json.Unmarshal(f.Data, &e))
	assert.Equal(t, apperr.CodeRateLimited, e.Code)
}
