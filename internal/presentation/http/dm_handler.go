package http

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"go-dm/internal/apperr"
	"go-dm/internal/cache"
	"go-dm/internal/delivery"
	"go-dm/internal/idgen"
	"go-dm/internal/logger"
	"go-dm/internal/models"
	"go-dm/internal/ratelimit"
	"go-dm/internal/services"
	"go-dm/internal/storage"

	"github.com/gin-gonic/gin"
)

const channelName = "http"

// 文本消息请求体上限，为 JSON 转义留出余量
const maxTextRequestBytes = 4*models.MaxTextBytes + 4<<10

// DMHandler 私信 REST 接口，身份取自 AuthMiddleware。
type DMHandler struct {
	chat     *services.ChatService
	presence *cache.Presence              // 可选
	limiter  *ratelimit.TokenBucketLimiter // 可选
	maxBody  int64
}

func NewDMHandler(chat *services.ChatService, presence *cache.Presence, limiter *ratelimit.TokenBucketLimiter, maxUploadBytes int64) *DMHandler {
	return &DMHandler{chat: chat, presence: presence, limiter: limiter, maxBody: maxUploadBytes}
}

// Register 挂载 /api/dm 路由。
func (h *DMHandler) Register(r gin.IRouter, jwtSecret string) {
	g := r.Group("/api/dm", AuthMiddleware(jwtSecret))
	g.POST("/messages", h.SendText)
	g.POST("/messages/file", h.SendFile)
	g.GET("/history", h.History)
	g.GET("/chats", h.Chats)
	g.DELETE("/messages/:id", h.DeleteMessage)
	g.DELETE("/conversations/:peer", h.ClearConversation)
	g.GET("/presence/:userId", h.Presence)
}

type sendTextRequest struct {
	Recipient   string `json:"recipient"`
	Kind        string `json:"kind"`
	Body        string `json:"body"`
	ClientMsgID string `json:"clientMsgId"`
}

type sendResponse struct {
	ID          string             `json:"id"`
	CreatedAt   int64              `json:"createdAt"`
	Status      delivery.Status    `json:"status,omitempty"`
	Duplicate   bool               `json:"duplicate,omitempty"`
	Attachment  *models.Attachment `json:"attachment,omitempty"`
	ClientMsgID string             `json:"clientMsgId,omitempty"`
}

func toSendResponse(res *services.SendResult) sendResponse {
	return sendResponse{
		ID:          res.Message.ID,
		CreatedAt:   res.Message.CreatedAt.UnixMilli(),
		Status:      res.Status,
		Duplicate:   !res.Created,
		Attachment:  res.Message.Content.Attachment(),
		ClientMsgID: res.Message.ClientMsgID,
	}
}

func (h *DMHandler) allowSend(c *gin.Context) bool {
	uid := UserID(c)
	if h.limiter.Allow(c.Request.Context(), ratelimit.SendKey(uid, channelName)) {
		return true
	}
	logger.Ctx(c.Request.Context()).Warn().Str(logger.FieldUserID, uid).Msg("send blocked by rate limit")
	writeError(c, apperr.New(apperr.CodeRateLimited, "too many messages"))
	return false
}

func sendStatus(res *services.SendResult) int {
	if res.Created {
		return http.StatusCreated
	}
	return http.StatusOK
}

// SendText POST /api/dm/messages
func (h *DMHandler) SendText(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxTextRequestBytes)
	var req sendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body: %v", err)
		return
	}
	if req.Kind != "" {
		kind, err := models.ParseKind(req.Kind)
		if err != nil {
			writeError(c, err)
			return
		}
		if kind != models.KindText {
			badRequest(c, "%s messages are sent via /api/dm/messages/file", kind)
			return
		}
	}
	if !h.allowSend(c) {
		return
	}
	res, err := h.chat.SendText(c.Request.Context(), UserID(c), req.Recipient, req.Body, req.ClientMsgID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(sendStatus(res), toSendResponse(res))
}

// SendFile POST /api/dm/messages/file（multipart：recipient, kind, file, clientMsgId）
func (h *DMHandler) SendFile(c *gin.Context) {
	if h.maxBody > 0 {
		// 预留 1MB 给其余表单字段
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody+1<<20)
	}
	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	var kind models.Kind
	if k := c.PostForm("kind"); k != "" {
		if kind, err = models.ParseKind(k); err != nil {
			writeError(c, err)
			return
		}
	}
	if !h.allowSend(c) {
		return
	}
	res, err := h.chat.SendFile(c.Request.Context(), UserID(c), c.PostForm("recipient"), kind, header, c.PostForm("clientMsgId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(sendStatus(res), toSendResponse(res))
}

// History GET /api/dm/history?userA=&userB=（with 为 userB 的别名；userA 默认为当前用户）
func (h *DMHandler) History(c *gin.Context) {
	viewer := UserID(c)
	userA := c.DefaultQuery("userA", viewer)
	userB := c.Query("userB")
	if userB == "" {
		userB = c.Query("with")
	}
	msgs, err := h.chat.FetchHistory(c.Request.Context(), userA, userB, viewer)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]models.MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = m.View()
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

// Chats GET /api/dm/chats
func (h *DMHandler) Chats(c *gin.Context) {
	list, err := h.chat.ListChats(c.Request.Context(), UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []models.ChatSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": list})
}

// DeleteMessage DELETE /api/dm/messages/:id
func (h *DMHandler) DeleteMessage(c *gin.Context) {
	id := c.Param("id")
	if !idgen.Valid(id) {
		badRequest(c, "malformed message id %q", id)
		return
	}
	out, err := h.chat.DeleteMessage(c.Request.Context(), id, UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ClearConversation DELETE /api/dm/conversations/:peer
func (h *DMHandler) ClearConversation(c *gin.Context) {
	out, err := h.chat.ClearConversation(c.Request.Context(), UserID(c), c.Param("peer"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Presence GET /api/dm/presence/:userId
func (h *DMHandler) Presence(c *gin.Context) {
	uid := c.Param("userId")
	online := h.chat.Router.IsOnline(uid)
	var lastSeen int64
	if h.presence != nil {
		on, seen, err := h.presence.Status(c.Request.Context(), uid)
		if err != nil {
			logger.Ctx(c.Request.Context()).Warn().Err(err).Str(logger.FieldPeerID, uid).Msg("presence lookup failed")
		} else {
			online = online || on
			if !seen.IsZero() {
				lastSeen = seen.UnixMilli()
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"userId": uid, "online": online, "lastSeen": lastSeen})
}

// ServeBlob GET /files/*key，仅本地存储时挂载。
func ServeBlob(st storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := trimKey(c.Param("key"))
		rc, err := st.Read(c.Request.Context(), key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found", "code": apperr.CodeNotFound})
			return
		case errors.Is(err, storage.ErrInvalidKey):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key", "code": apperr.CodeValidation})
			return
		case err != nil:
			writeError(c, apperr.Transient("read blob", err))
			return
		}
		defer rc.Close()

		ct := mime.TypeByExtension(strings.ToLower(path.Ext(key)))
		if ct == "" {
			ct = "application/octet-stream"
		}
		c.Header("Content-Type", ct)
		c.Header("Cache-Control", "private, max-age=86400")
		c.Status(http.StatusOK)
		if _, err := io.Copy(c.Writer, rc); err != nil {
			logger.Ctx(c.Request.Context()).Warn().Err(err).Str("key", key).Msg("blob write interrupted")
		}
	}
}
