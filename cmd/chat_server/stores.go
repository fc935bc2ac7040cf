package main

import (
	"context"
	"fmt"
	"time"

	"go-dm/internal/config"
	"go-dm/internal/idgen"
	"go-dm/internal/logger"
	"go-dm/internal/storage"
	"go-dm/internal/store"
	"go-dm/internal/store/mongostore"
	"go-dm/internal/store/sqlstore"
)

// openMessageStore 根据配置选择消息存储：memory、mysql、tidb 或 mongodb。
func openMessageStore(ctx context.Context, cfg *config.Config) (store.MessageStoreInterface, func(), error) {
	gen := idgen.New()
	switch cfg.MessageDB {
	case "", "memory":
		logger.L().Warn().Msg("using in-memory message store, history is lost on restart")
		return store.NewMemoryMessageStore(gen), func() {}, nil
	case "mysql", "tidb":
		dsn := cfg.MySQLDSN
		if cfg.MessageDB == "tidb" {
			dsn = cfg.TiDBDSN
		}
		db, err := sqlstore.OpenAndPing(dsn, 3*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", cfg.MessageDB, err)
		}
		s := store.NewMessageStore(db, gen)
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		stores := &sqlstore.Stores{Message: db}
		return s, stores.Close, nil
	case "mongodb":
		client, db, err := mongostore.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongodb: %w", err)
		}
		s := store.NewMongoMessageStore(db, gen)
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return s, func() { _ = client.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown messageDB %q", cfg.MessageDB)
	}
}

// openUserDirectory 用户目录只用于补充会话列表资料，未配置时返回 nil。
func openUserDirectory(cfg *config.Config) (store.UserDirectory, func(), error) {
	switch cfg.UserDirectory {
	case "", "none":
		return nil, func() {}, nil
	case "mysql":
		db, err := sqlstore.OpenAndPing(cfg.MySQLDSN, 3*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("open user directory: %w", err)
		}
		stores := &sqlstore.Stores{Primary: db}
		return store.NewUserStore(db), stores.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown userDirectory %q", cfg.UserDirectory)
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	return storage.Open(ctx, cfg.StorageDriver,
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
}
