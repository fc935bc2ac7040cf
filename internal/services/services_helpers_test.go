package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"go-dm/internal/delivery"
	"go-dm/internal/idgen"
	"go-dm/internal/mq"
	"go-dm/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	events []delivery.Event
	errs   []error // 依次返回，用完后成功
}

func (c *fakeConn) Push(ev delivery.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return err
		}
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) received(action string) []delivery.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []delivery.Event
	for _, ev := range c.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []mq.MessageEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev mq.MessageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	st     *store.MemoryMessageStore
	router *delivery.Router
	svc    *ChatService
	sleeps []time.Duration
}

// steppingClock 每次调用前进 1ms，使先后发送的消息时间戳严格递增。
func steppingClock() func() time.Time {
	t := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:     store.NewMemoryMessageStore(idgen.NewWithClock(steppingClock())),
		router: delivery.NewRouter(),
	}
	t.Cleanup(f.router.Close)
	f.svc = NewChatService(f.st, f.router, NewChatListAggregator(f.st, nil, nil))
	f.svc.sleep = func(d time.Duration) { f.sleeps = append(f.sleeps, d) }
	return f
}
