package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pollchat/internal/access"
	"pollchat/internal/auth"
	"pollchat/internal/logger"
	"pollchat/internal/metrics"
	"pollchat/internal/service/account"
	"pollchat/internal/service/chat"
)

// TimestampLayout is the wire format of message timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	msgInvalidSession = "Invalid session ID."
	msgEmptyBody      = "Message cannot be empty."
	msgForbidden      = "You do not have permission to access this chat session."
	msgSendFailed     = "Failed to send message."
	msgStorageFailure = "Storage failure."
	msgInvalidBody    = "Invalid request body."
)

// HealthCheck is probed by /healthz.
type HealthCheck func(ctx context.Context) error

// Deps wires the Handler. Limiter, Metrics, Health and Logger are optional.
type Deps struct {
	Chat     *chat.Service
	Accounts *account.Service
	Auth     *auth.Service
	Nonces   *auth.Nonces
	Limiter  *auth.RateLimiter
	Metrics  *metrics.Metrics
	Health   map[string]HealthCheck
	Logger   *zap.Logger
}

// Handler wires HTTP routes to the chat and account services.
type Handler struct {
	chat     *chat.Service
	accounts *account.Service
	auth     *auth.Service
	nonces   *auth.Nonces
	limiter  *auth.RateLimiter
	metrics  *metrics.Metrics
	health   map[string]HealthCheck
	log      *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	return &Handler{
		chat:     d.Chat,
		accounts: d.Accounts,
		auth:     d.Auth,
		nonces:   d.Nonces,
		limiter:  d.Limiter,
		metrics:  d.Metrics,
		health:   d.Health,
		log:      logger.OrNop(d.Logger),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(logger.RequestID(), logger.AccessLog(h.log), h.metrics.Middleware())
	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	api := router.Group("/api")
	api.POST("/users/register", h.writeLimit(), h.registerUser)
	api.POST("/users/login", h.writeLimit(), h.loginUser)
	api.GET("/session/:session_id/product", h.getSessionProduct)

	optional := api.Group("")
	optional.Use(h.auth.OptionalMiddleware(h.accounts))
	optional.POST("/sessions/embed", h.writeLimit(), h.embedSession)

	chatRoutes := optional.Group("")
	chatRoutes.Use(h.nonces.Middleware())
	chatRoutes.GET("/messages/:session_id", h.getMessages)
	chatRoutes.POST("/messages/:session_id", h.writeLimit(), h.postMessage)
	chatRoutes.GET("/typing/:session_id", h.getTyping)
	chatRoutes.POST("/typing/:session_id", h.writeLimit(), h.postTyping)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(h.accounts), h.nonces.Middleware())
	authed.PUT("/sessions/:session_id/roles", h.putSessionRoles)
	authed.PUT("/sessions/:session_id/product", h.putSessionProduct)
	authed.POST("/users/logout", h.logoutUser)
}

func (h *Handler) writeLimit() gin.HandlerFunc {
	if h.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return h.limiter.Middleware()
}

func (h *Handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := gin.H{}
	healthy := true
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			healthy = false
			status[name] = err.Error()
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "checks": status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "checks": status})
}

func actor(c *gin.Context) access.Actor {
	a, _ := auth.ActorFromContext(c)
	return a
}

// sessionParam rejects ids that are not positive integers.
func sessionParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, msgInvalidSession)
		return 0, false
	}
	return id, true
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}

// chatError maps the chat error taxonomy to a status and message.
func (h *Handler) chatError(c *gin.Context, err error, storageMsg string) {
	switch {
	case errors.Is(err, chat.ErrForbidden):
		fail(c, http.StatusForbidden, msgForbidden)
	case errors.Is(err, chat.ErrInvalidSession):
		fail(c, http.StatusBadRequest, msgInvalidSession)
	case errors.Is(err, chat.ErrEmptyBody):
		fail(c, http.StatusBadRequest, msgEmptyBody)
	case errors.Is(err, chat.ErrUnknownProduct):
		fail(c, http.StatusBadRequest, "Unknown product.")
	default:
		_ = c.Error(err)
		h.log.Error("chat request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", logger.RequestIDFromContext(c)),
			zap.Error(err),
		)
		fail(c, http.StatusInternalServerError, storageMsg)
	}
}

type messageView struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
	AvatarURL string `json:"avatar_url"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (h *Handler) getMessages(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	views, err := h.chat.FetchMessages(c.Request.Context(), actor(c), sessionID)
	if err != nil {
		h.chatError(c, err, msgStorageFailure)
		return
	}
	out := make([]messageView, 0, len(views))
	for _, v := range views {
		out = append(out, messageView{
			ID:        v.ID,
			UserID:    v.UserID,
			UserName:  v.UserName,
			AvatarURL: v.AvatarURL,
			Message:   v.Body,
			Timestamp: v.CreatedAt.UTC().Format(TimestampLayout),
		})
	}
	c.JSON(http.StatusOK, out)
}

type sendMessageRequest struct {
	Message string `json:"message" form:"message"`
}

func (h *Handler) postMessage(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if _, err := h.chat.SendMessage(c.Request.Context(), actor(c), sessionID, req.Message); err != nil {
		h.chatError(c, err, msgSendFailed)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "Message sent."})
}

func (h *Handler) getTyping(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	names, err := h.chat.FetchTyping(c.Request.Context(), actor(c), sessionID)
	if err != nil {
		h.chatError(c, err, msgStorageFailure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"typing_users": names})
}

func (h *Handler) postTyping(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	isTyping, err := bindTypingFlag(c)
	if err != nil {
		fail(c, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if err := h.chat.SetTyping(c.Request.Context(), actor(c), sessionID, isTyping); err != nil {
		h.chatError(c, err, msgStorageFailure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// bindTypingFlag accepts is_typing as a JSON bool, 0/1, or the string form of
// either, from a JSON body or form/query values. A missing flag means false.
func bindTypingFlag(c *gin.Context) (bool, error) {
	if c.ContentType() == gin.MIMEJSON {
		var req struct {
			IsTyping json.RawMessage `json:"is_typing"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			return false, err
		}
		raw := strings.Trim(strings.TrimSpace(string(req.IsTyping)), `"`)
		if raw == "null" {
			raw = ""
		}
		return parseFlag(raw)
	}
	raw, ok := c.GetPostForm("is_typing")
	if !ok {
		raw = c.Query("is_typing")
	}
	return parseFlag(raw)
}

func parseFlag(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

type productView struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
	Image string `json:"image"`
	URL   string `json:"url"`
}

// getSessionProduct is public; sessions without a resolvable product answer 404 {}.
func (h *Handler) getSessionProduct(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	product, found, err := h.chat.FetchLinkedProduct(c.Request.Context(), sessionID)
	if err != nil {
		h.chatError(c, err, msgStorageFailure)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{})
		return
	}
	c.JSON(http.StatusOK, productView{
		ID:    product.ID,
		Name:  product.Name,
		Price: product.Price,
		Image: product.ImageURL,
		URL:   product.Permalink,
	})
}

type embedRequest struct {
	SessionID int64 `json:"session_id" form:"session_id"`
	ProductID int64 `json:"product_id" form:"product_id"`
}

func (h *Handler) embedSession(c *gin.Context) {
	var req embedRequest
	if err := c.ShouldBind(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, msgInvalidBody)
		return
	}
	a := actor(c)
	session, err := h.chat.ResolveSession(c.Request.Context(), a, chat.EmbedRequest{
		SessionID: req.SessionID,
		ProductID: req.ProductID,
	})
	if err != nil {
		h.chatError(c, err, msgStorageFailure)
		return
	}
	nonce, err := h.nonces.Issue(a.ID)
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, "Issue nonce failed.")
		return
	}
	resp := gin.H{
		"session_id": session.ID,
		"user_id":    a.ID,
		"user_name":  a.Name,
		"nonce":      nonce,
	}
	if session.ProductID > 0 {
		resp["product_id"] = session.ProductID
	}
	c.JSON(http.StatusOK, resp)
}

type rolesRequest struct {
	Roles []string `json:"roles"`
}

func (h *Handler) putSessionRoles(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var req rolesRequest
	if c.ContentType() == gin.MIMEJSON {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, msgInvalidBody)
			return
		}
	} else {
		req.Roles = chat.TrimRoles(c.PostForm("roles"))
	}
	session, err := h.chat.SetAllowedRoles(c.Request.Context(), actor(c), sessionID, req.Roles)
	if err != nil {
		h.chatError(c, err, msgStorageFailure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": session})
}

type linkProductRequest struct {
	ProductID int64 `json:"product_id" form:"product_id"`
}

func (h *Handler) putSessionProduct(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var req linkProductRequest
	if err := c.ShouldBind(&req); err != nil || req.ProductID < 0 {
		fail(c, http.StatusBadRequest, msgInvalidBody)
		return
	}
	session, err := h.chat.LinkProduct(c.Request.Context(), actor(c), sessionID, req.ProductID)
	if err != nil {
		h.chatError(c, err, msgStorageFailure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": session})
}
