package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go-dm/internal/auth"
	"go-dm/internal/delivery"
	"go-dm/internal/idgen"
	"go-dm/internal/services"
	"go-dm/internal/store"
	"go-dm/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type frame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type lineConn struct {
	net.Conn
	r *bufio.Reader
}

func startServer(t *testing.T) string {
	t.Helper()
	st := store.NewMemoryMessageStore(idgen.New())
	router := delivery.NewRouter()
	chat := services.NewChatService(st, router, services.NewChatListAggregator(st, nil, nil))
	srv := &Server{JWTSecret: secret, Router: router, Dispatcher: &transport.Dispatcher{Chat: chat}}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		router.Close()
		<-done
	})
	return ln.Addr().String()
}

func connect(t *testing.T, addr, token string) *lineConn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_, err = c.Write([]byte(token + "\n"))
	require.NoError(t, err)
	return &lineConn{Conn: c, r: bufio.NewReader(c)}
}

func (c *lineConn) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *lineConn) read(t *testing.T) frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(line, &f))
	return f
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := auth.SignJWT(secret, user, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestTCPLineProtocol(t *testing.T) {
	addr := startServer(t)
	bob := connect(t, addr, token(t, "bob"))
	bob.send(t, `{"action":"join"}`)
	require.Equal(t, delivery.ActionAck, bob.read(t).Action)

	alice := connect(t, addr, token(t, "alice"))
	alice.send(t, `{"action":"send","data":{"to":"bob","text":"over tcp"}}`)
	require.Equal(t, delivery.ActionAck, alice.read(t).Action)

	got := bob.read(t)
	require.Equal(t, delivery.ActionMessage, got.Action)
	var view struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(got.Data, &view))
	assert.Equal(t, "over tcp", view.Text)
}

func TestTCPRejectsBadToken(t *testing.T) {
	addr := startServer(t)
	c := connect(t, addr, "garbage")
	f := c.read(t)
	assert.Equal(t, delivery.ActionError, f.Action)
	assert.JSONEq(t, `{"code":"UNAUTHENTICATED"}`, string(f.Data))
}
