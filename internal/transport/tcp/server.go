package tcp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go-dm/internal/auth"
	"go-dm/internal/delivery"
	"go-dm/internal/logger"
	"go-dm/internal/transport"
)

const (
	channelName  = "tcp"
	authTimeout  = 10 * time.Second
	maxLineBytes = 64 * 1024
)

// Server 行协议长连接：第一行是 JWT，之后每行一个 JSON 信封，下行同样每行一个事件。
type Server struct {
	Addr       string
	JWTSecret  string
	Router     *delivery.Router
	Dispatcher *transport.Dispatcher

	WriteWait  time.Duration
	SendBuffer int
}

type client struct {
	*transport.Outbox
	conn   net.Conn
	userID string
}

// Start 监听 Addr；Addr 为空时不启用。
func (s *Server) Start(ctx context.Context) error {
	if s.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ctx 结束时关闭监听并返回 nil。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() { <-ctx.Done(); ln.Close() }()
	logger.L().Info().Str("addr", ln.Addr().String()).Msg("tcp listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	c.SetReadDeadline(time.Now().Add(authTimeout))
	if !scanner.Scan() {
		return
	}
	claims, err := auth.ParseJWT(s.JWTSecret, strings.TrimSpace(scanner.Text()))
	if err != nil {
		c.SetWriteDeadline(time.Now().Add(s.writeWait()))
		c.Write([]byte(`{"action":"error","data":{"code":"UNAUTHENTICATED"}}` + "\n"))
		return
	}
	c.SetReadDeadline(time.Time{})

	cl := &client{Outbox: transport.NewOutbox(s.SendBuffer), conn: c, userID: claims.UserID}
	cctx := logger.WithLogger(ctx, logger.L().With().Str(logger.FieldUserID, cl.userID).Str("channel", channelName).Logger())
	s.Router.Join(cl.userID, cl)
	logger.Ctx(cctx).Info().Msg("tcp connected")

	go s.writeLoop(cl)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		s.Dispatcher.Handle(cctx, cl.userID, channelName, cl, line)
	}

	s.Router.Leave(cl)
	cl.Close()
	logger.Ctx(cctx).Info().Msg("tcp disconnected")
}

func (s *Server) writeWait() time.Duration {
	if s.WriteWait > 0 {
		return s.WriteWait
	}
	return 10 * time.Second
}

func (s *Server) writeLoop(cl *client) {
	w := bufio.NewWriter(cl.conn)
	for {
		select {
		case msg := <-cl.Queue():
			cl.conn.SetWriteDeadline(time.Now().Add(s.writeWait()))
			w.Write(msg)
			w.WriteByte('\n')
			// 合并已排队的事件一次 flush
			for n := len(cl.Queue()); n > 0; n-- {
				w.Write(<-cl.Queue())
				w.WriteByte('\n')
			}
			if err := w.Flush(); err != nil {
				cl.Close()
				cl.conn.Close()
				return
			}
		case <-cl.Done():
			cl.conn.Close()
			return
		}
	}
}
