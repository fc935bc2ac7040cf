package mq

import (
	"context"
	"encoding/json"
	"time"

	"go-dm/internal/models"
)

const (
	EventMessageSent    = "message.sent"
	EventMessageDeleted = "message.deleted"
)

// MessageEvent 私信生命周期事件，按会话对（pair key）分区，保证同一会话内有序。
type MessageEvent struct {
	Type       string      `json:"type"`
	MessageID  string      `json:"messageId"`
	Pair       string      `json:"pair"`
	Sender     string      `json:"sender"`
	Recipient  string      `json:"recipient"`
	Kind       models.Kind `json:"kind"`
	StorageKey string      `json:"storageKey,omitempty"`
	// 删除事件：Hard 表示消息已从存储中移除；By 为发起删除的用户
	Hard bool   `json:"hard,omitempty"`
	By   string `json:"by,omitempty"`
	TS   int64  `json:"ts"`
}

// Publisher 事件发布；实现必须不阻塞调用方太久。
type Publisher interface {
	Publish(ctx context.Context, ev MessageEvent) error
}

func SentEvent(m *models.Message, pair string) MessageEvent {
	return newEvent(EventMessageSent, m, pair, false, m.Sender)
}

func DeletedEvent(m *models.Message, pair string, hard bool, by string) MessageEvent {
	return newEvent(EventMessageDeleted, m, pair, hard, by)
}

func newEvent(typ string, m *models.Message, pair string, hard bool, by string) MessageEvent {
	ev := MessageEvent{
		Type:      typ,
		MessageID: m.ID,
		Pair:      pair,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Kind:      m.Kind(),
		Hard:      hard,
		By:        by,
		TS:        time.Now().UnixMilli(),
	}
	if att := m.Content.Attachment(); att != nil {
		ev.StorageKey = att.StorageKey
	}
	return ev
}

func DecodeEvent(b []byte) (MessageEvent, error) {
	var ev MessageEvent
	err := json.Unmarshal(b, &ev)
	return ev, err
}
