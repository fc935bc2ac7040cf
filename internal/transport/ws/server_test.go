package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go-dm/internal/auth"
	"go-dm/internal/delivery"
	"go-dm/internal/idgen"
	"go-dm/internal/services"
	"go-dm/internal/store"
	"go-dm/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type frame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*httptest.Server, *services.ChatService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryMessageStore(idgen.New())
	router := delivery.NewRouter()
	chat := services.NewChatService(st, router, services.NewChatListAggregator(st, nil, nil))
	srv := &Server{JWTSecret: secret, Router: router, Dispatcher: &transport.Dispatcher{Chat: chat}}

	r := gin.New()
	r.GET("/ws", srv.Handle)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		router.Close()
		ts.Close()
	})
	return ts, chat
}

func dial(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	tok, err := auth.SignJWT(secret, user, time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + tok
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func read(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func TestWSSendAndReceive(t *testing.T) {
	ts, chat := newTestServer(t)
	bob := dial(t, ts, "bob")
	require.NoError(t, bob.WriteJSON(map[string]any{"action": "join"}))
	require.Equal(t, delivery.ActionAck, read(t, bob).Action)

	alice := dial(t, ts, "alice")
	require.NoError(t, alice.WriteJSON(map[string]any{
		"action": "send",
		"data":   map[string]any{"to": "bob", "text": "hello"},
	}))
	ack := read(t, alice)
	require.Equal(t, delivery.ActionAck, ack.Action)
	var a transport.AckData
	require.NoError(t, json.Unmarshal(ack.Data, &a))

	got := read(t, bob)
	require.Equal(t, delivery.ActionMessage, got.Action)
	var view struct {
		ID   string `json:"id"`
		From string `json:"from"`
	}
	require.NoError(t, json.Unmarshal(got.Data, &view))
	assert.Equal(t, a.ID, view.ID)
	assert.Equal(t, "alice", view.From)

	assert.True(t, chat.Router.IsOnline("alice"))
}

func TestWSRejectsBadToken(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSDisconnectLeavesRouter(t *testing.T) {
	ts, chat := newTestServer(t)
	bob := dial(t, ts, "bob")
	require.NoError(t, bob.WriteJSON(map[string]any{"action": "join"}))
	read(t, bob)
	require.True(t, chat.Router.IsOnline("bob"))

	bob.Close()
	assert.Eventually(t, func() bool { return !chat.Router.IsOnline("bob") }, 2*time.Second, 10*time.Millisecond)
}
