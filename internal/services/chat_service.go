// Package services 实现私信业务：发送与实时投递、历史拉取、非对称删除、会话列表与附件。
package services

import (
	"context"
	"mime/multipart"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/delivery"
	"go-dm/internal/idgen"
	"go-dm/internal/logger"
	"go-dm/internal/metrics"
	"go-dm/internal/models"
	"go-dm/internal/mq"
	"go-dm/internal/store"
)

// ChatService 是 HTTP/WS/TCP 层调用的门面，固定顺序：入库 → 失效会话列表 → 投递。
// - 入库失败的消息绝不投递；Append 不重试（幂等需由 clientMsgId 保证）
// - 投递只对 TRANSIENT 重试，有限次数、线性退避，之后丢弃（消息仍可拉取）
// - 删除遇到 CONFLICT（并发物理删除）按成功处理
type ChatService struct {
	Store  store.MessageStoreInterface
	Router *delivery.Router
	Chats  *ChatListAggregator

	Files   *FileService       // 可选
	Events  mq.Publisher       // 可选（Kafka）
	Janitor *AttachmentJanitor // 未配置 Events 时在进程内回收 blob

	DeliverRetries int
	DeliverBackoff time.Duration

	sleep func(time.Duration)
}

func NewChatService(st store.MessageStoreInterface, router *delivery.Router, chats *ChatListAggregator) *ChatService {
	return &ChatService{
		Store:          st,
		Router:         router,
		Chats:          chats,
		DeliverRetries: 3,
		DeliverBackoff: 50 * time.Millisecond,
		sleep:          time.Sleep,
	}
}

// SendResult 发送结果。Created=false 表示 clientMsgId 命中，返回的是已有消息且不会再次投递。
type SendResult struct {
	Message *models.Message
	Created bool
	Status  delivery.Status
}

// DeleteOutcome 单条删除结果；Hard 表示消息已对双方消失。
type DeleteOutcome struct {
	ID   string `json:"id"`
	Hard bool   `json:"hard"`
}

// ClearOutcome 清空会话结果。
type ClearOutcome struct {
	Hidden int `json:"hidden"`
	Purged int `json:"purged"`
}

// DeletedNotice message_deleted 事件载荷。
type DeletedNotice struct {
	ID   string `json:"id"`
	Hard bool   `json:"hard"`
	By   string `json:"by"`
}

// TypingNotice typing 事件载荷。
type TypingNotice struct {
	From string `json:"from"`
}

func (s *ChatService) SendText(ctx context.Context, sender, recipient, body, clientMsgID string) (*SendResult, error) {
	content, err := models.TextContent(body)
	if err != nil {
		return nil, err
	}
	return s.send(ctx, &models.Draft{Sender: sender, Recipient: recipient, Content: content, ClientMsgID: clientMsgID})
}

func (s *ChatService) SendAttachment(ctx context.Context, sender, recipient string, ref AttachmentRef, clientMsgID string) (*SendResult, error) {
	content, err := models.AttachmentContent(ref.Kind, ref.Attachment())
	if err != nil {
		return nil, err
	}
	return s.send(ctx, &models.Draft{Sender: sender, Recipient: recipient, Content: content, ClientMsgID: clientMsgID})
}

// SendFile 上传 multipart 文件后发送附件消息；发送失败或幂等命中时回收刚上传的 blob。
func (s *ChatService) SendFile(ctx context.Context, sender, recipient string, kind models.Kind, header *multipart.FileHeader, clientMsgID string) (*SendResult, error) {
	if s.Files == nil {
		return nil, apperr.New(apperr.CodeInternal, "attachments are not configured")
	}
	if err := requireUsers(sender, recipient); err != nil {
		return nil, err
	}
	if sender == recipient {
		return nil, apperr.Validation("sender and recipient must differ")
	}
	ref, err := s.Files.UploadMultipart(ctx, kind, header)
	if err != nil {
		return nil, err
	}
	res, err := s.SendAttachment(ctx, sender, recipient, *ref, clientMsgID)
	if err != nil || !res.Created {
		s.Files.Remove(ctx, ref.StorageKey)
	}
	return res, err
}

func (s *ChatService) send(ctx context.Context, d *models.Draft) (*SendResult, error) {
	start := time.Now()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	m, created, err := s.Store.Append(ctx, d)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldUserID, d.Sender).Str(logger.FieldPeerID, d.Recipient).Msg("dm append failed")
		return nil, err
	}
	res := &SendResult{Message: m, Created: created}
	if !created {
		return res, nil
	}

	s.invalidate(ctx, m.Sender, m.Recipient)
	s.publish(ctx, mq.SentEvent(m, idgen.PairKey(m.Sender, m.Recipient)))

	err = retryTransient(ctx, s.DeliverRetries, s.DeliverBackoff, s.sleeper(), func() error {
		st, err := s.Router.Deliver(m)
		res.Status = st
		return err
	})
	if err != nil {
		// 已入库即视为发送成功，接收方下次拉取历史即可看到
		logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldMessageID, m.ID).Str(logger.FieldPeerID, m.Recipient).Msg("live delivery dropped")
		res.Status = delivery.StatusDropped
	}
	metrics.MessageSendLatency.Observe(float64(time.Since(start).Milliseconds()))
	return res, nil
}

// FetchHistory 返回 userA、userB 之间对 viewer 可见的消息（升序）。
func (s *ChatService) FetchHistory(ctx context.Context, userA, userB, viewer string) ([]*models.Message, error) {
	if err := requireUsers(userA, userB, viewer); err != nil {
		return nil, err
	}
	return s.Store.VisibleBetween(ctx, userA, userB, viewer)
}

// DeleteMessage 发送方删除为物理删除并通知对端；接收方删除只对自己隐藏。
func (s *ChatService) DeleteMessage(ctx context.Context, id, viewer string) (*DeleteOutcome, error) {
	if err := requireUsers(viewer); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, apperr.Validation("message id is required")
	}
	res, err := s.Store.SoftDelete(ctx, id, viewer)
	if apperr.IsConflict(err) {
		metrics.DeletesTotal.WithLabelValues("hard").Inc()
		return &DeleteOutcome{ID: id, Hard: true}, nil
	}
	if err != nil {
		return nil, err
	}

	m := res.Message
	if m == nil {
		m = &models.Message{ID: id}
	}
	if !res.Hard {
		metrics.DeletesTotal.WithLabelValues("hide").Inc()
		s.invalidate(ctx, viewer)
		s.publish(ctx, mq.DeletedEvent(m, idgen.PairKey(m.Sender, m.Recipient), false, viewer))
		return &DeleteOutcome{ID: id}, nil
	}

	metrics.DeletesTotal.WithLabelValues("hard").Inc()
	s.invalidate(ctx, m.Sender, m.Recipient)
	if peer := m.Peer(viewer); peer != "" {
		s.Router.Notify(peer, delivery.Event{Action: delivery.ActionMessageDeleted, Data: DeletedNotice{ID: id, Hard: true, By: viewer}})
	}
	s.afterHardDelete(ctx, m, viewer)
	return &DeleteOutcome{ID: id, Hard: true}, nil
}

// ClearConversation 对 viewer 隐藏与 peer 的全部可见消息（快照语义），对端历史不受影响。
func (s *ChatService) ClearConversation(ctx context.Context, viewer, peer string) (*ClearOutcome, error) {
	if err := requireUsers(viewer, peer); err != nil {
		return nil, err
	}
	if viewer == peer {
		return nil, apperr.Validation("cannot clear a conversation with yourself")
	}
	res, err := s.Store.BulkSoftDelete(ctx, viewer, peer, viewer)
	if err != nil {
		return nil, err
	}
	metrics.DeletesTotal.WithLabelValues("clear").Inc()
	s.invalidate(ctx, viewer)
	for _, m := range res.Purged {
		s.afterHardDelete(ctx, m, viewer)
	}
	logger.Ctx(ctx).Info().Str(logger.FieldUserID, viewer).Str(logger.FieldPeerID, peer).
		Int("hidden", res.Hidden).Int("purged", len(res.Purged)).Msg("conversation cleared")
	return &ClearOutcome{Hidden: res.Hidden, Purged: len(res.Purged)}, nil
}

func (s *ChatService) ListChats(ctx context.Context, viewer string) ([]models.ChatSummary, error) {
	if err := requireUsers(viewer); err != nil {
		return nil, err
	}
	return s.Chats.Summarize(ctx, viewer)
}

// Typing 转发输入状态给对端，不持久化；返回是否送达。
func (s *ChatService) Typing(ctx context.Context, from, to string) bool {
	if from == "" || to == "" || from == to {
		return false
	}
	return s.Router.Notify(to, delivery.Event{Action: delivery.ActionTyping, Data: TypingNotice{From: from}})
}

func (s *ChatService) afterHardDelete(ctx context.Context, m *models.Message, by string) {
	ev := mq.DeletedEvent(m, idgen.PairKey(m.Sender, m.Recipient), true, by)
	if s.Events != nil {
		s.publish(ctx, ev)
		return
	}
	if s.Janitor != nil {
		if err := s.Janitor.Handle(ctx, ev); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldMessageID, m.ID).Msg("attachment cleanup failed")
		}
	}
}

func (s *ChatService) publish(ctx context.Context, ev mq.MessageEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("type", ev.Type).Str(logger.FieldMessageID, ev.MessageID).Msg("event publish failed")
	}
}

func (s *ChatService) invalidate(ctx context.Context, users ...string) {
	if s.Chats != nil {
		s.Chats.Invalidate(ctx, users...)
	}
}

func (s *ChatService) sleeper() func(time.Duration) {
	if s.sleep != nil {
		return s.sleep
	}
	return time.Sleep
}
