// Package idgen 生成消息 ID 与会话对键。
package idgen

import (
	"crypto/rand"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator 生成单调递增的 ULID，并返回与 ID 时间戳一致的服务端接收时间（毫秒精度）。
// 同一进程内后生成的 ID 总是字典序更大、时间戳不早于前一个，
// 因此同一连接上按序发送的消息在 (createdAt, id) 上严格有序。
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
	lastMS  uint64
}

func New() *Generator { return NewWithClock(time.Now) }

func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now, entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next 返回新的消息 ID 与其创建时间。
func (g *Generator) Next() (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(g.now())
	if ms < g.lastMS {
		// 时钟回拨：沿用上一毫秒，由单调熵保证递增
		ms = g.lastMS
	}
	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		// 同一毫秒内熵溢出，推进到下一毫秒
		ms++
		id = ulid.MustNew(ms, g.entropy)
	}
	g.lastMS = ms
	return id.String(), ulid.Time(ms).UTC()
}

// PairKey 返回两个参与者的无序对键，双方视角一致。
// 用户 ID 是不透明字符串，可能含分隔符，因此以较小一方的长度作前缀保证不同的对不会得到同一个键。
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// Valid 判断字符串是否为合法 ULID。
func Valid(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}
