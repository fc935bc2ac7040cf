package services

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path"
	"strings"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/logger"
	"go-dm/internal/models"
	"go-dm/internal/mq"
	"go-dm/internal/storage"

	"github.com/google/uuid"
)

// AttachmentRef 上传后的附件引用，直接挂到附件消息上。
type AttachmentRef struct {
	URL         string      `json:"url"`
	Kind        models.Kind `json:"kind"`
	DisplayName string      `json:"displayName"`
	StorageKey  string      `json:"-"`
}

func (r AttachmentRef) Attachment() models.Attachment {
	return models.Attachment{URL: r.URL, OriginalName: r.DisplayName, StorageKey: r.StorageKey}
}

// FileService 把上传的文件写入 blob 存储并解析为 AttachmentRef。
type FileService struct {
	Storage storage.Storage
	Prefix  string // 目录前缀，如 uploads/
	MaxSize int64  // 最大文件大小（字节），<=0 不限制

	now func() time.Time
}

func NewFileService(st storage.Storage, prefix string, maxSize int64) *FileService {
	return &FileService{Storage: st, Prefix: prefix, MaxSize: maxSize, now: time.Now}
}

// Upload 写入 blob 并返回引用。kind 为空时按 contentType 推断。
func (s *FileService) Upload(ctx context.Context, kind models.Kind, name, contentType string, size int64, r io.Reader) (*AttachmentRef, error) {
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(name))); byExt != "" {
			contentType = byExt
		}
	}
	if kind == "" {
		kind = InferKind(contentType)
	}
	if !kind.IsAttachment() {
		return nil, apperr.Validation("kind %q cannot carry a file", kind)
	}
	if size == 0 {
		return nil, apperr.Validation("empty file")
	}
	if s.MaxSize > 0 && size > s.MaxSize {
		return nil, apperr.Validation("file size exceeds limit: %d bytes", s.MaxSize)
	}

	display := displayName(name)
	key := s.objectKey(display)
	if s.MaxSize > 0 && size < 0 {
		// 大小未知时截断到上限
		r = io.LimitReader(r, s.MaxSize)
	}
	if err := s.Storage.Write(ctx, key, r, size, contentType); err != nil {
		return nil, apperr.Transient("store attachment", err)
	}
	url, err := s.Storage.URL(ctx, key)
	if err != nil {
		s.Remove(ctx, key)
		return nil, apperr.Transient("resolve attachment url", err)
	}
	return &AttachmentRef{URL: url, Kind: kind, DisplayName: display, StorageKey: key}, nil
}

// UploadMultipart 处理 multipart 表单中的文件。
func (s *FileService) UploadMultipart(ctx context.Context, kind models.Kind, header *multipart.FileHeader) (*AttachmentRef, error) {
	if header == nil {
		return nil, apperr.Validation("file is required")
	}
	f, err := header.Open()
	if err != nil {
		return nil, apperr.Validation("cannot read uploaded file")
	}
	defer f.Close()
	return s.Upload(ctx, kind, header.Filename, header.Header.Get("Content-Type"), header.Size, f)
}

// Remove 尽力删除 blob，失败只记录。
func (s *FileService) Remove(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.Storage.Delete(ctx, key); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("attachment blob delete failed")
	}
}

// objectKey 生成存储路径：uploads/2026/10/19/<uuid>.ext
func (s *FileService) objectKey(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" || len(ext) > 16 {
		ext = ".bin"
	}
	prefix := s.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	t := now().UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s%s", prefix, t.Year(), t.Month(), t.Day(), uuid.NewString(), ext)
}

// InferKind 按 MIME 类型推断附件类型。
func InferKind(contentType string) models.Kind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return models.KindImage
	case strings.HasPrefix(ct, "video/"):
		return models.KindVideo
	default:
		return models.KindDocument
	}
}

// displayName 去掉客户端路径，只保留文件名。
func displayName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(path.Base(name))
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}

// AttachmentJanitor 回收已物理删除的附件消息对应的 blob。
// 配置 Kafka 时由 cmd/attachment_janitor 消费删除事件调用，否则在服务进程内调用。
type AttachmentJanitor struct {
	Storage storage.Storage
}

func (j *AttachmentJanitor) Handle(ctx context.Context, ev mq.MessageEvent) error {
	if ev.Type != mq.EventMessageDeleted || !ev.Hard || ev.StorageKey == "" {
		return nil
	}
	if err := j.Storage.Delete(ctx, ev.StorageKey); err != nil {
		return fmt.Errorf("delete blob %s: %w", ev.StorageKey, err)
	}
	logger.Ctx(ctx).Info().Str(logger.FieldMessageID, ev.MessageID).Str("key", ev.StorageKey).Msg("attachment blob reclaimed")
	return nil
}
