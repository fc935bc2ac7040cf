package services

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/models"
	"go-dm/internal/mq"
	"go-dm/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filesUnder(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func newFileService(t *testing.T, max int64) (*FileService, *storage.LocalStorage) {
	t.Helper()
	local, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir(), PublicURL: "http://h/files"})
	require.NoError(t, err)
	fsvc := NewFileService(local, "uploads", max)
	fsvc.now = func() time.Time { return time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC) }
	return fsvc, local
}

func TestUploadResolvesRef(t *testing.T) {
	fsvc, local := newFileService(t, 1024)
	ref, err := fsvc.Upload(context.Background(), "", `C:\Users\me\photo.JPG`, "", 3, strings.NewReader("jpg"))
	require.NoError(t, err)

	assert.Equal(t, models.KindImage, ref.Kind)
	assert.Equal(t, "photo.JPG", ref.DisplayName)
	assert.True(t, strings.HasPrefix(ref.StorageKey, "uploads/2026/10/19/"), ref.StorageKey)
	assert.True(t, strings.HasSuffix(ref.StorageKey, ".jpg"), ref.StorageKey)
	assert.Equal(t, "http://h/files/"+ref.StorageKey, ref.URL)

	ok, err := local.Exists(context.Background(), ref.StorageKey)
	require.NoError(t, err)
	assert.True(t, ok)

	att := ref.Attachment()
	assert.Equal(t, ref.URL, att.URL)
	assert.Equal(t, "photo.JPG", att.OriginalName)
}

func TestUploadValidation(t *testing.T) {
	fsvc, local := newFileService(t, 4)
	ctx := context.Background()

	_, err := fsvc.Upload(ctx, models.KindText, "a.txt", "text/plain", 1, strings.NewReader("a"))
	assert.True(t, apperr.IsValidation(err))
	_, err = fsvc.Upload(ctx, models.KindDocument, "a.txt", "text/plain", 0, strings.NewReader(""))
	assert.True(t, apperr.IsValidation(err))
	_, err = fsvc.Upload(ctx, models.KindDocument, "a.txt", "text/plain", 5, strings.NewReader("12345"))
	assert.True(t, apperr.IsValidation(err))

	files, err := filesUnder(local.BasePath())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestInferKind(t *testing.T) {
	assert.Equal(t, models.KindImage, InferKind("image/png"))
	assert.Equal(t, models.KindVideo, InferKind("VIDEO/mp4"))
	assert.Equal(t, models.KindDocument, InferKind("application/pdf"))
	assert.Equal(t, models.KindDocument, InferKind(""))
}

func TestJanitorOnlyReclaimsHardDeletes(t *testing.T) {
	fsvc, local := newFileService(t, 1024)
	ctx := context.Background()
	ref, err := fsvc.Upload(ctx, models.KindDocument, "a.pdf", "", 3, strings.NewReader("pdf"))
	require.NoError(t, err)

	j := &AttachmentJanitor{Storage: local}
	require.NoError(t, j.Handle(ctx, mq.MessageEvent{Type: mq.EventMessageDeleted, StorageKey: ref.StorageKey}))
	ok, _ := local.Exists(ctx, ref.StorageKey)
	assert.True(t, ok)

	require.NoError(t, j.Handle(ctx, mq.MessageEvent{Type: mq.EventMessageDeleted, Hard: true, StorageKey: ref.StorageKey}))
	ok, _ = local.Exists(ctx, ref.StorageKey)
	assert.False(t, ok)
}
