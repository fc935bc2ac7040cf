// Package ws 提供 WebSocket 接入：认证、连接注册到 delivery.Router、读写循环与上行动作分发。
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go-dm/internal/auth"
	"go-dm/internal/delivery"
	"go-dm/internal/logger"
	"go-dm/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const channelName = "ws"

// Server 是 WebSocket 网关。
// - 每个连接一个读协程（上行分发）和一个写协程（发送队列 + ping）
// - 写操作只发生在写协程中，不需要额外的写锁
// - 断开只触发 Router.Leave，不影响正在进行的入库
type Server struct {
	JWTSecret  string
	Router     *delivery.Router
	Dispatcher *transport.Dispatcher

	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client 一个 WS 连接，实现 delivery.Conn。
type client struct {
	*transport.Outbox
	conn   *websocket.Conn
	userID string
}

func (s *Server) writeWait() time.Duration {
	if s.WriteWait > 0 {
		return s.WriteWait
	}
	return 10 * time.Second
}

func (s *Server) pongWait() time.Duration {
	if s.PongWait > 0 {
		return s.PongWait
	}
	return 60 * time.Second
}

// Handle 处理 HTTP 升级为 WebSocket。
// 认证：URL 查询参数 token 或 Authorization: Bearer。
func (s *Server) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	claims, err := auth.ParseJWT(s.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "UNAUTHENTICATED"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	userID := claims.UserID
	cl := &client{Outbox: transport.NewOutbox(s.SendBuffer), conn: conn, userID: userID}

	// 请求上下文在 Upgrade 之后不再可靠，使用独立的连接级上下文
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(),
		logger.L().With().Str(logger.FieldUserID, userID).Str("channel", channelName).Logger()))
	defer cancel()

	s.Router.Join(userID, cl)
	logger.Ctx(ctx).Info().Msg("ws connected")

	go s.writePump(cl)
	s.readPump(ctx, cl)

	s.Router.Leave(cl)
	cl.Close()
	logger.Ctx(ctx).Info().Msg("ws disconnected")
}

func (s *Server) readPump(ctx context.Context, cl *client) {
	if s.MaxMessageBytes > 0 {
		cl.conn.SetReadLimit(s.MaxMessageBytes)
	}
	pongWait := s.pongWait()
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		msgType, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Ctx(ctx).Warn().Err(err).Msg("ws read error")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.Dispatcher.Handle(ctx, cl.userID, channelName, cl, data)
	}
}

func (s *Server) writePump(cl *client) {
	writeWait := s.writeWait()
	ticker := time.NewTicker(s.pongWait() * 9 / 10)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case msg := <-cl.Queue():
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				cl.Close()
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.Close()
				return
			}
		case <-cl.Done():
			// 被 Router.Close 或读循环结束关闭
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
