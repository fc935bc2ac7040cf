package transport

import (
	"context"
	"encoding/json"
	"errors"

	"go-dm/internal/apperr"
	"go-dm/internal/delivery"
	"go-dm/internal/logger"
	"go-dm/internal/metrics"
	"go-dm/internal/models"
	"go-dm/internal/ratelimit"
	"go-dm/internal/services"
)

const (
	ActionJoin   = "join"
	ActionSend   = "send"
	ActionDelete = "delete"
	ActionTyping = "typing"
)

// Inbound 上行信封：{action, data}
type Inbound struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// SendPayload 长连接只发送文本；附件走 POST /api/dm/messages/file。
type SendPayload struct {
	To          string `json:"to"`
	Type        string `json:"type,omitempty"`
	Text        string `json:"text"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

type DeletePayload struct {
	ID string `json:"id"`
}

type TypingPayload struct {
	To string `json:"to"`
}

// AckData send/delete/join 的确认。
type AckData struct {
	Action      string          `json:"action"`
	ID          string          `json:"id,omitempty"`
	ClientMsgID string          `json:"clientMsgId,omitempty"`
	CreatedAt   int64           `json:"createdAt,omitempty"`
	Status      delivery.Status `json:"status,omitempty"`
	Duplicate   bool            `json:"duplicate,omitempty"`
	Hard        bool            `json:"hard,omitempty"`
}

type ErrorData struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message,omitempty"`
	Action  string      `json:"action,omitempty"`
}

// Dispatcher 把上行动作翻译成 ChatService 调用，结果通过连接自身的队列回写。
type Dispatcher struct {
	Chat    *services.ChatService
	Limiter *ratelimit.TokenBucketLimiter // 可选
}

// Handle 处理一帧上行数据。channel 为 ws/tcp，用于限流维度与日志。
func (d *Dispatcher) Handle(ctx context.Context, userID, channel string, conn delivery.Conn, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		reply(conn, errorEvent("", apperr.Validation("malformed frame")))
		return
	}
	metrics.WSMessagesTotal.WithLabelValues(in.Action).Inc()

	switch in.Action {
	case ActionJoin:
		d.Chat.Router.Join(userID, conn)
		reply(conn, delivery.Event{Action: delivery.ActionAck, Data: AckData{Action: ActionJoin}})

	case ActionSend:
		if !d.Limiter.Allow(ctx, ratelimit.SendKey(userID, channel)) {
			logger.Ctx(ctx).Warn().Str(logger.FieldUserID, userID).Str("channel", channel).Msg("send blocked by rate limit")
			reply(conn, errorEvent(in.Action, apperr.New(apperr.CodeRateLimited, "too many messages")))
			return
		}
		var p SendPayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			reply(conn, errorEvent(in.Action, apperr.Validation("malformed send payload")))
			return
		}
		if p.Type != "" && p.Type != string(models.KindText) {
			reply(conn, errorEvent(in.Action, apperr.Validation("attachments must be uploaded over HTTP")))
			return
		}
		res, err := d.Chat.SendText(ctx, userID, p.To, p.Text, p.ClientMsgID)
		if err != nil {
			reply(conn, errorEvent(in.Action, err))
			return
		}
		reply(conn, delivery.Event{Action: delivery.ActionAck, Data: AckData{
			Action:      ActionSend,
			ID:          res.Message.ID,
			ClientMsgID: p.ClientMsgID,
			CreatedAt:   res.Message.CreatedAt.UnixMilli(),
			Status:      res.Status,
			Duplicate:   !res.Created,
		}})

	case ActionDelete:
		var p DeletePayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			reply(conn, errorEvent(in.Action, apperr.Validation("malformed delete payload")))
			return
		}
		out, err := d.Chat.DeleteMessage(ctx, p.ID, userID)
		if err != nil {
			reply(conn, errorEvent(in.Action, err))
			return
		}
		reply(conn, delivery.Event{Action: delivery.ActionAck, Data: AckData{Action: ActionDelete, ID: out.ID, Hard: out.Hard}})

	case ActionTyping:
		var p TypingPayload
		if err := json.Unmarshal(in.Data, &p); err == nil {
			d.Chat.Typing(ctx, userID, p.To)
		}

	default:
		reply(conn, errorEvent(in.Action, apperr.Validation("unknown action %q", in.Action)))
	}
}

func errorEvent(action string, err error) delivery.Event {
	data := ErrorData{Code: apperr.CodeOf(err), Action: action}
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		data.Message = ae.Message
	}
	return delivery.Event{Action: delivery.ActionError, Data: data}
}

// reply 尽力回写；队列满时丢弃，客户端可按 clientMsgId 重试。
func reply(conn delivery.Conn, ev delivery.Event) {
	_ = conn.Push(ev)
}
