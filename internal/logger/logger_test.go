package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "warn", ServiceName: "dm"}, &buf)

	l.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	l.Warn().Msg("shown")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dm", line[FieldService])
	assert.Equal(t, "shown", line["message"])
}

func TestGlobalLoggerChainsDirectly(t *testing.T) {
	saved := global
	t.Cleanup(func() { global = saved })

	var buf bytes.Buffer
	global = NewWithWriter(Config{ServiceName: "dm"}, &buf)

	L().Warn().Str(FieldUserID, "u1").Msg("degraded")
	assert.Same(t, L(), L())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "u1", line[FieldUserID])
}

func TestCtxFallsBackToGlobal(t *testing.T) {
	assert.NotNil(t, Ctx(context.Background()))

	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(Config{}, &buf))
	Ctx(ctx).Info().Msg("scoped")
	assert.Contains(t, buf.String(), "scoped")
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(GinMiddleware(NewWithWriter(Config{}, &buf)))
	r.GET("/ping", func(c *gin.Context) {
		c.Set(FieldUserID, "u1")
		c.String(http.StatusOK, "pong")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	r.ServeHTTP(w, req)

	assert.Equal(t, "rid-1", w.Header().Get("X-Request-ID"))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "rid-1", line[FieldRequestID])
	assert.Equal(t, "u1", line[FieldUserID])
	assert.EqualValues(t, 200, line[FieldStatus])
}
