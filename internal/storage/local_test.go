package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir(), PublicURL: "http://localhost:8080/files/"})
	require.NoError(t, err)
	return s
}

func TestLocalWriteReadDelete(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	key := "uploads/2026/10/19/a.txt"

	require.NoError(t, s.Write(ctx, key, strings.NewReader("hello"), 5, "text/plain"))
	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Read(ctx, key)
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(b))

	u, err := s.URL(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/files/"+key, u)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Read(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	for _, key := range []string{"", "../etc/passwd", "a/../../b", ".."} {
		err := s.Write(ctx, key, strings.NewReader("x"), 1, "")
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}
