// Package delivery 维护在线用户到推送连接的映射，并把已持久化的消息实时推给在线的接收方。
package delivery

import (
	"errors"
	"sync"

	"go-dm/internal/apperr"
	"go-dm/internal/metrics"
	"go-dm/internal/models"
)

var (
	// ErrConnClosed 连接已关闭，属于永久失败：丢弃消息并注销该连接。
	ErrConnClosed = errors.New("connection closed")
	// ErrQueueFull 发送队列已满，属于暂时失败：调用方可稍后重试。
	ErrQueueFull = errors.New("send queue full")
)

// Event 下行事件，与 WS 上行的 {action, data} 信封同构。
type Event struct {
	Action string `json:"action"`
	Data   any    `json:"data,omitempty"`
}

const (
	ActionMessage        = "message"
	ActionMessageDeleted = "message_deleted"
	ActionTyping         = "typing"
	ActionAck            = "ack"
	ActionError          = "error"
)

// Conn 一个活跃的推送通道（WS/TCP 连接）。Push 不得阻塞。
type Conn interface {
	Push(ev Event) error
	Close()
}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusOffline   Status = "offline"
	StatusDropped   Status = "dropped"
)

// Router 每个用户最多一个注册连接，后加入者覆盖先前的注册（被覆盖的连接不会被关闭）。
// 由进程启动时创建、关闭时 Close，不使用全局状态。
type Router struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	owners map[Conn]string
	closed bool

	// OnPresence 在用户上线/下线时回调（锁外调用），用于同步 Redis 在线状态。
	OnPresence func(userID string, online bool)
}

func NewRouter() *Router {
	return &Router{
		conns:  make(map[string]Conn),
		owners: make(map[Conn]string),
	}
}

// Join 注册 userID 的连接。Router 已关闭时直接关闭该连接。
func (r *Router) Join(userID string, c Conn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		c.Close()
		return
	}
	prev, had := r.conns[userID]
	if had {
		delete(r.owners, prev)
	}
	r.conns[userID] = c
	r.owners[c] = userID
	n := len(r.conns)
	r.mu.Unlock()

	metrics.LiveConnections.Set(float64(n))
	if !had {
		r.presence(userID, true)
	}
}

// Leave 仅当 c 仍是其用户的当前注册时才注销；过期连接的 Leave 为空操作。
func (r *Router) Leave(c Conn) bool {
	r.mu.Lock()
	userID, ok := r.owners[c]
	if ok {
		delete(r.owners, c)
		if r.conns[userID] == c {
			delete(r.conns, userID)
		} else {
			ok = false
		}
	}
	n := len(r.conns)
	r.mu.Unlock()

	if ok {
		metrics.LiveConnections.Set(float64(n))
		r.presence(userID, false)
	}
	return ok
}

func (r *Router) presence(userID string, online bool) {
	if r.OnPresence != nil {
		r.OnPresence(userID, online)
	}
}

func (r *Router) lookup(userID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID]
}

func (r *Router) IsOnline(userID string) bool { return r.lookup(userID) != nil }

// Deliver 推送消息给接收方：
// - 未注册：StatusOffline，消息留待下次拉取
// - 队列满：StatusDropped + TRANSIENT 错误，调用方可重试
// - 连接已失效：静默丢弃并注销该连接
// - 其他推送错误：StatusDropped + INTERNAL 错误，连接保留
func (r *Router) Deliver(m *models.Message) (Status, error) {
	st, err := r.push(m.Recipient, Event{Action: ActionMessage, Data: m.View()})
	metrics.DeliveriesTotal.WithLabelValues(string(st)).Inc()
	return st, err
}

// Notify 尽力推送非消息事件（输入状态、删除通知等），返回是否送达。
func (r *Router) Notify(userID string, ev Event) bool {
	st, _ := r.push(userID, ev)
	return st == StatusDelivered
}

func (r *Router) push(userID string, ev Event) (Status, error) {
	c := r.lookup(userID)
	if c == nil {
		return StatusOffline, nil
	}
	err := c.Push(ev)
	switch {
	case err == nil:
		return StatusDelivered, nil
	case errors.Is(err, ErrQueueFull):
		return StatusDropped, apperr.Transient("deliver to "+userID, err)
	case errors.Is(err, ErrConnClosed):
		r.Leave(c)
		return StatusDropped, nil
	default:
		// 编码失败等与连接无关的错误，连接保持注册
		return StatusDropped, apperr.Wrap(apperr.CodeInternal, "deliver to "+userID, err)
	}
}

// Online 当前在线连接数。
func (r *Router) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close 关闭所有连接；之后的 Join 会直接关闭传入的连接。
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]Conn, 0, len(r.owners))
	for c := range r.owners {
		conns = append(conns, c)
	}
	users := make([]string, 0, len(r.conns))
	for u := range r.conns {
		users = append(users, u)
	}
	r.conns = make(map[string]Conn)
	r.owners = make(map[Conn]string)
	r.mu.Unlock()

	metrics.LiveConnections.Set(0)
	for _, c := range conns {
		c.Close()
	}
	for _, u := range users {
		r.presence(u, false)
	}
}
