package mq

import (
	"context"
	"encoding/json"
	"errors"

	"go-dm/internal/logger"

	"github.com/IBM/sarama"
)

// KafkaProducer 简易封装：异步发送，失败只记录日志
type KafkaProducer struct {
	Async sarama.AsyncProducer
	Topic string
	done  chan struct{}
}

func NewKafkaProducer(brokers []string, topic string) (*KafkaProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaProducerFrom(p, topic), nil
}

// NewKafkaProducerFrom 包装已有的 AsyncProducer（测试中传入 mocks）。
func NewKafkaProducerFrom(p sarama.AsyncProducer, topic string) *KafkaProducer {
	kp := &KafkaProducer{Async: p, Topic: topic, done: make(chan struct{})}
	go kp.drainErrors()
	return kp
}

func (p *KafkaProducer) drainErrors() {
	defer close(p.done)
	for perr := range p.Async.Errors() {
		logger.L().Warn().Err(perr.Err).Str("topic", p.Topic).Msg("kafka publish failed")
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, ev MessageEvent) error {
	if p == nil || p.Async == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: p.Topic, Key: sarama.StringEncoder(ev.Pair), Value: sarama.ByteEncoder(b)}
	select {
	case p.Async.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.Async == nil {
		return nil
	}
	err := p.Async.Close()
	<-p.done
	return err
}
