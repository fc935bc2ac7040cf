// Package storage 是附件的 blob 存储，提供本地磁盘与 S3 兼容两种实现。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotFound   = errors.New("storage: object not found")
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Storage 附件 blob 存储。key 使用 "/" 分隔，如 uploads/2026/10/19/<uuid>.png。
type Storage interface {
	// Write 写入对象；size 为 -1 表示未知。
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Read 调用方负责 Close。
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete 对不存在的对象返回 nil。
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// URL 返回客户端可直接访问的地址。
	URL(ctx context.Context, key string) (string, error)
}

// Open 按驱动名创建存储：local（默认）或 s3。
func Open(ctx context.Context, driver string, local LocalConfig, s3cfg S3Config) (Storage, error) {
	switch driver {
	case "s3":
		return NewS3Storage(ctx, s3cfg)
	case "", "local":
		return NewLocalStorage(local)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
