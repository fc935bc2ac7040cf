// attachment_janitor 消费私信删除事件，回收已物理删除的附件消息对应的 blob。
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go-dm/internal/config"
	"go-dm/internal/logger"
	"go-dm/internal/mq"
	"go-dm/internal/services"
	"go-dm/internal/storage"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, ServiceName: "attachment_janitor"})
	log := logger.L()

	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		log.Fatal().Msg("IM_KAFKA_BROKERS 未配置")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := storage.Open(ctx, cfg.StorageDriver,
		storage.LocalConfig{BasePath: cfg.StorageLocalDir, PublicURL: cfg.StoragePublicURL},
		storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			PublicURL:       cfg.S3PublicURL,
		})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("attachment storage init failed")
	}
	janitor := &services.AttachmentJanitor{Storage: blobs}

	log.Info().Strs("brokers", brokers).Str("topic", cfg.KafkaMessageEventsTopic).Str("group", cfg.KafkaGroupID).Msg("janitor started")
	if err := mq.Consume(ctx, brokers, cfg.KafkaGroupID, cfg.KafkaMessageEventsTopic, janitor.Handle); err != nil {
		log.Fatal().Err(err).Msg("consume failed")
	}
	log.Info().Msg("janitor stopped")
}
