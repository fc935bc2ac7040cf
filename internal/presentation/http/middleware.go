package http

import (
	"errors"
	"net/http"
	"strings"

	"go-dm/internal/apperr"
	"go-dm/internal/auth"
	"go-dm/internal/logger"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 校验 Bearer JWT（或 token 查询参数），把用户写入上下文。
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := c.GetHeader("Authorization")
		if tok == "" {
			tok = c.Query("token")
		}
		cl, err := auth.ParseJWT(secret, tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": apperr.CodeUnauthenticated})
			return
		}
		c.Set(logger.FieldUserID, cl.UserID)
		c.Next()
	}
}

// UserID 取出 AuthMiddleware 写入的用户。
func UserID(c *gin.Context) string {
	return c.GetString(logger.FieldUserID)
}

func statusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeTransient:
		return http.StatusServiceUnavailable
	case apperr.CodeConflict:
		return http.StatusOK
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError 按错误分类输出 {error, code}；内部错误不回显细节。
func writeError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := statusOf(code)
	msg := err.Error()
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Ctx(c.Request.Context()).Error().Err(err).Msg("request failed")
		if code == apperr.CodeInternal {
			msg = "internal error"
		}
	}
	if code == apperr.CodeTransient {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}

func badRequest(c *gin.Context, format string, args ...any) {
	writeError(c, apperr.Validation(format, args...))
}

// trimKey 去掉 gin 通配参数的前导斜杠。
func trimKey(k string) string { return strings.TrimLeft(k, "/") }
