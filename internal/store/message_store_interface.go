package store

import (
	"context"

	"go-dm/internal/models"
)

// MessageStoreInterface 抽象私信存储，便于切换内存/MySQL(TiDB)/MongoDB：
// - Append：写入消息；ClientMsgID 非空时按 (sender, client_msg_id) 幂等
// - VisibleBetween：拉取 viewer 视角下与对端的完整历史
// - SoftDelete/BulkSoftDelete：按用户的非对称删除（必要时坍缩为物理删除）
// - LatestPerPartner：每个对端最新一条可见消息（会话列表数据源）
//
// 错误约定：参数不一致返回 VALIDATION，目标不存在/不可见返回 NOT_FOUND，
// 驱动/网络错误包装为 TRANSIENT。
type MessageStoreInterface interface {
	// Append 分配 ID 与服务端时间戳后写入；created=false 表示命中幂等键，返回已有消息。
	Append(ctx context.Context, d *models.Draft) (m *models.Message, created bool, err error)
	// Get 按 ID 查询（不做可见性过滤）。
	Get(ctx context.Context, id string) (*models.Message, error)
	// VisibleBetween 返回 a、b 之间对 viewer 可见的消息，按 (createdAt, id) 升序。
	// viewer 不是 a/b 之一时返回空列表。
	VisibleBetween(ctx context.Context, a, b, viewer string) ([]*models.Message, error)
	// SoftDelete viewer 为发送方时物理删除；为接收方时加入 deletedFor，覆盖双方后物理删除。
	SoftDelete(ctx context.Context, id, viewer string) (DeleteResult, error)
	// HardDelete 无条件物理删除，幂等。
	HardDelete(ctx context.Context, id string) error
	// BulkSoftDelete 对快照时刻 viewer 可见的 a、b 之间的消息逐条加入 deletedFor。
	// 之后追加的消息不受影响；只有双方都删除的消息才会被物理删除。
	BulkSoftDelete(ctx context.Context, a, b, viewer string) (BulkDeleteResult, error)
	// LatestPerPartner 返回 viewer 每个对端最新一条可见消息（无序）。
	LatestPerPartner(ctx context.Context, viewer string) ([]*models.Message, error)
}

// DeleteResult 单条删除的结果。
type DeleteResult struct {
	// Hard 为 true 表示记录已被物理删除（对双方都不可见）
	Hard    bool
	Message *models.Message // 删除前的快照
}

// BulkDeleteResult 清空会话的结果。
type BulkDeleteResult struct {
	Hidden int               // 仅对 viewer 隐藏的条数
	Purged []*models.Message // 被物理删除的消息快照
}
