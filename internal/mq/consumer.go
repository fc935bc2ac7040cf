package mq

import (
	"context"
	"errors"
	"time"

	"go-dm/internal/logger"

	"github.com/IBM/sarama"
)

// EventHandler 处理单条事件；返回错误只记录，不阻塞位点提交。
type EventHandler func(ctx context.Context, ev MessageEvent) error

type groupHandler struct {
	ctx    context.Context
	handle EventHandler
}

func (h *groupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.dispatch(msg.Value)
		sess.MarkMessage(msg, "")
	}
	return nil
}

func (h *groupHandler) dispatch(value []byte) {
	ev, err := DecodeEvent(value)
	if err != nil {
		logger.L().Warn().Err(err).Msg("drop undecodable event")
		return
	}
	if err := h.handle(h.ctx, ev); err != nil {
		logger.L().Error().Err(err).Str("type", ev.Type).Str(logger.FieldMessageID, ev.MessageID).Msg("event handler failed")
	}
}

// Consume 以消费组方式订阅 topic，直到 ctx 结束。
func Consume(ctx context.Context, brokers []string, groupID, topic string, handle EventHandler) error {
	if len(brokers) == 0 {
		return errors.New("kafka brokers not configured")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	client, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	h := &groupHandler{ctx: ctx, handle: handle}
	for {
		if err := client.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.L().Warn().Err(err).Msg("consume error")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
