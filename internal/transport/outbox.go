// Package transport 是 WS/TCP 长连接共用的部分：有界发送队列与上行动作分发。
package transport

import (
	"encoding/json"
	"sync"

	"go-dm/internal/delivery"
)

// Outbox 每个连接一个有界发送队列，Push 从不阻塞：
// 队列满返回 delivery.ErrQueueFull，连接关闭后返回 delivery.ErrConnClosed。
// 写协程从 Queue 取数据，Done 关闭后退出。
type Outbox struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 256
	}
	return &Outbox{send: make(chan []byte, size), done: make(chan struct{})}
}

func (o *Outbox) Push(ev delivery.Event) error {
	select {
	case <-o.done:
		return delivery.ErrConnClosed
	default:
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case o.send <- b:
		return nil
	case <-o.done:
		return delivery.ErrConnClosed
	default:
		return delivery.ErrQueueFull
	}
}

// Close 幂等。发送队列不关闭，避免与 Push 竞争。
func (o *Outbox) Close() { o.once.Do(func() { close(o.done) }) }

func (o *Outbox) Queue() <-chan []byte  { return o.send }
func (o *Outbox) Done() <-chan struct{} { return o.done }
