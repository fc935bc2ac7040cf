package models

import (
	"strings"
	"time"

	"go-dm/internal/apperr"
)

// Message/ChatSummary/Draft 为私信子系统的核心模型。
// 消息内容为带标签的变体：文本只有 Body，附件只有 Attachment，构造时即保证二者互斥。

type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindText, KindImage, KindVideo, KindDocument:
		return k, nil
	default:
		return "", apperr.Validation("unknown message kind %q", s)
	}
}

func (k Kind) IsAttachment() bool {
	return k == KindImage || k == KindVideo || k == KindDocument
}

type Attachment struct {
	URL          string `json:"url" bson:"url"`
	OriginalName string `json:"originalName" bson:"original_name"`
	// StorageKey 仅服务端可见，删除消息时用于回收对象存储
	StorageKey string `json:"-" bson:"storage_key,omitempty"`
}

// Content 消息载荷。零值非法，只能通过 TextContent / AttachmentContent 构造。
type Content struct {
	kind       Kind
	body       string
	attachment *Attachment
}

func TextContent(body string) (Content, error) {
	if strings.TrimSpace(body) == "" {
		return Content{}, apperr.Validation("text message requires a non-empty body")
	}
	return Content{kind: KindText, body: body}, nil
}

func AttachmentContent(kind Kind, att Attachment) (Content, error) {
	if !kind.IsAttachment() {
		return Content{}, apperr.Validation("kind %q cannot carry an attachment", kind)
	}
	if strings.TrimSpace(att.URL) == "" {
		return Content{}, apperr.Validation("%s message requires an attachment url", kind)
	}
	a := att
	return Content{kind: kind, attachment: &a}, nil
}

// RestoreContent 由存储层按持久化字段重建载荷。
func RestoreContent(kind Kind, body string, att *Attachment) (Content, error) {
	if kind == KindText {
		return TextContent(body)
	}
	if att == nil {
		return Content{}, apperr.Validation("%s message without attachment", kind)
	}
	return AttachmentContent(kind, *att)
}

func (c Content) Kind() Kind  { return c.kind }
func (c Content) Body() string { return c.body }

// Attachment 返回附件副本；文本消息返回 nil。
func (c Content) Attachment() *Attachment {
	if c.attachment == nil {
		return nil
	}
	a := *c.attachment
	return &a
}

func (c Content) Valid() bool {
	switch {
	case c.kind == KindText:
		return c.body != "" && c.attachment == nil
	case c.kind.IsAttachment():
		return c.body == "" && c.attachment != nil && c.attachment.URL != ""
	default:
		return false
	}
}

// Preview 会话列表预览文本：正文，其次附件原始文件名，最后退化为类型名。
func (c Content) Preview() string {
	if c.body != "" {
		return c.body
	}
	if c.attachment != nil && c.attachment.OriginalName != "" {
		return c.attachment.OriginalName
	}
	return string(c.kind)
}

// 持久化字段上限，与 SQL 列宽一致；超限在写入前拒绝，避免被截断。
const (
	MaxUserIDLen      = 64
	MaxClientMsgIDLen = 64
	MaxTextBytes      = 32 << 10
	MaxURLLen         = 1024
	MaxNameLen        = 255
	MaxStorageKeyLen  = 512
)

// Draft 是待写入的消息，由发送方构造，ID 与时间戳由存储层分配。
type Draft struct {
	Sender      string
	Recipient   string
	Content     Content
	ClientMsgID string // 可选幂等键（按发送方唯一）
}

func (d *Draft) Validate() error {
	if d == nil {
		return apperr.Validation("empty draft")
	}
	if strings.TrimSpace(d.Sender) == "" || strings.TrimSpace(d.Recipient) == "" {
		return apperr.Validation("sender and recipient are required")
	}
	if d.Sender == d.Recipient {
		return apperr.Validation("sender and recipient must differ")
	}
	if len(d.Sender) > MaxUserIDLen || len(d.Recipient) > MaxUserIDLen {
		return apperr.Validation("user id exceeds %d bytes", MaxUserIDLen)
	}
	if len(d.ClientMsgID) > MaxClientMsgIDLen {
		return apperr.Validation("clientMsgId exceeds %d bytes", MaxClientMsgIDLen)
	}
	if !d.Content.Valid() {
		return apperr.Validation("message content does not match its kind")
	}
	return d.Content.checkLimits()
}

func (c Content) checkLimits() error {
	if len(c.body) > MaxTextBytes {
		return apperr.Validation("text body exceeds %d bytes", MaxTextBytes)
	}
	if a := c.attachment; a != nil {
		switch {
		case len(a.URL) > MaxURLLen:
			return apperr.Validation("attachment url exceeds %d bytes", MaxURLLen)
		case len(a.OriginalName) > MaxNameLen:
			return apperr.Validation("attachment name exceeds %d bytes", MaxNameLen)
		case len(a.StorageKey) > MaxStorageKeyLen:
			return apperr.Validation("attachment key exceeds %d bytes", MaxStorageKeyLen)
		}
	}
	return nil
}

// Message 表示一条已持久化的私信。
// - ID 为单调 ULID，CreatedAt 为服务端接收时间（毫秒）
// - DeletedFor 记录已对其隐藏该消息的参与者；覆盖双方时消息被物理删除
type Message struct {
	ID          string
	Sender      string
	Recipient   string
	Content     Content
	CreatedAt   time.Time
	DeletedFor  []string
	ClientMsgID string
}

func (m *Message) Kind() Kind { return m.Content.Kind() }

func (m *Message) IsParticipant(user string) bool {
	return user != "" && (m.Sender == user || m.Recipient == user)
}

// Peer 返回 user 视角下的对端；user 非参与者时返回空串。
func (m *Message) Peer(user string) string {
	switch user {
	case m.Sender:
		return m.Recipient
	case m.Recipient:
		return m.Sender
	default:
		return ""
	}
}

func (m *Message) HiddenFor(user string) bool {
	for _, u := range m.DeletedFor {
		if u == user {
			return true
		}
	}
	return false
}

func (m *Message) VisibleTo(user string) bool {
	return m.IsParticipant(user) && !m.HiddenFor(user)
}

// Less 历史排序：时间戳升序，同时刻按 ID。
func (m *Message) Less(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

func (m *Message) Clone() *Message {
	c := *m
	c.DeletedFor = append([]string(nil), m.DeletedFor...)
	if m.Content.attachment != nil {
		a := *m.Content.attachment
		c.Content.attachment = &a
	}
	return &c
}

// MessageView 对外（HTTP/WS/MQ）的消息表示。
type MessageView struct {
	ID          string      `json:"id"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Type        Kind        `json:"type"`
	Text        string      `json:"text,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	ClientMsgID string      `json:"clientMsgId,omitempty"`
	CreatedAt   int64       `json:"createdAt"` // 毫秒
}

func (m *Message) View() MessageView {
	return MessageView{
		ID:          m.ID,
		From:        m.Sender,
		To:          m.Recipient,
		Type:        m.Kind(),
		Text:        m.Content.Body(),
		Attachment:  m.Content.Attachment(),
		ClientMsgID: m.ClientMsgID,
		CreatedAt:   m.CreatedAt.UnixMilli(),
	}
}

// ChatSummary 会话列表中的一项，由可见消息实时推导，从不持久化。
type ChatSummary struct {
	Partner       string    `json:"partner"`
	Preview       string    `json:"preview"`
	PreviewKind   Kind      `json:"previewKind"`
	PreviewAt     time.Time `json:"previewAt"`
	LastMessageID string    `json:"lastMessageId"`
	FromMe        bool      `json:"fromMe"`
	// 对端资料（由用户目录补充，可为空）
	PartnerName   string `json:"partnerName,omitempty"`
	PartnerAvatar string `json:"partnerAvatar,omitempty"`
}

// Profile 用户目录返回的展示资料。
type Profile struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatarUrl"`
}
