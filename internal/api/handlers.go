package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"localchat/internal/auth"
	"localchat/internal/events"
	"localchat/internal/llm"
	"localchat/internal/models"
	"localchat/internal/service/chat"
	"localchat/internal/service/llmconf"
)

// Handler wires the HTTP surface to the chat and configuration services.
type Handler struct {
	chat    *chat.Service
	configs *llmconf.Service
	auth    *auth.Service
	log     events.Logger
}

func NewHandler(chatSvc *chat.Service, configs *llmconf.Service, authSvc *auth.Service, log events.Logger) *Handler {
	return &Handler{chat: chatSvc, configs: configs, auth: authSvc, log: log}
}

// RegisterRoutes attaches all routes to the router. Everything except
// register and login sits behind bearer/cookie auth plus CSRF checks.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/register", h.register)
	r.POST("/api/login", h.login)

	authed := r.Group("/api")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	{
		authed.POST("/logout", h.logout)

		authed.POST("/chat", h.postChat)
		authed.GET("/conversations", h.listConversations)
		authed.GET("/conversations/:id/messages", h.conversationMessages)
		authed.POST("/conversations/:id/clear", h.clearConversation)
		authed.DELETE("/conversations/:id", h.deleteConversation)

		authed.GET("/configs", h.listConfigs)
		authed.POST("/configs", h.createConfig)
		authed.PUT("/configs/:id", h.updateConfig)
		authed.DELETE("/configs/:id", h.deleteConfig)
		authed.POST("/configs/:id/test", h.testConfig)
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chat.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chat.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	h.setAuthCookies(c, token, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"csrf_token": csrfToken,
		"user":       gin.H{"id": user.ID, "username": user.Username},
	})
}

func (h *Handler) logout(c *gin.Context) {
	if token, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), token)
	}
	h.clearAuthCookies(c)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

type chatRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
}

func (h *Handler) postChat(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result, err := h.chat.Chat(c.Request.Context(), userID, req.ConversationID, req.Message)
	if err != nil {
		h.renderChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	conversations, err := h.chat.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.renderChatError(c, err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) conversationMessages(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	conversationID, ok := pathID(c)
	if !ok {
		return
	}
	messages, err := h.chat.Messages(c.Request.Context(), userID, conversationID)
	if err != nil {
		h.renderChatError(c, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) clearConversation(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	conversationID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.chat.ClearConversation(c.Request.Context(), userID, conversationID); err != nil {
		h.renderChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation cleared"})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	conversationID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.chat.DeleteConversation(c.Request.Context(), userID, conversationID); err != nil {
		h.renderChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation deleted"})
}

// configRequest is the inbound shape for create/update. Temperature is a
// pointer so an omitted field falls back to the default instead of 0.
type configRequest struct {
	Name               string   `json:"name"`
	Sequence           int      `json:"sequence"`
	Active             *bool    `json:"active"`
	Endpoint           string   `json:"endpoint"`
	Token              string   `json:"token"`
	ModelName          string   `json:"model_name"`
	Temperature        *float64 `json:"temperature"`
	MaxTokens          int      `json:"max_tokens"`
	SystemPrompt       string   `json:"system_prompt"`
	MaxHistoryMessages int      `json:"max_history_messages"`
	RequestTimeoutMS   int      `json:"request_timeout_ms"`
	IsDefault          bool     `json:"is_default"`
}

func (r *configRequest) toModel(userID int64) *models.LLMConfig {
	cfg := &models.LLMConfig{
		Name:               r.Name,
		Sequence:           r.Sequence,
		Active:             true,
		Endpoint:           r.Endpoint,
		Token:              r.Token,
		ModelName:          r.ModelName,
		Temperature:        models.DefaultTemperature,
		MaxTokens:          r.MaxTokens,
		SystemPrompt:       r.SystemPrompt,
		MaxHistoryMessages: r.MaxHistoryMessages,
		RequestTimeoutMS:   r.RequestTimeoutMS,
		IsDefault:          r.IsDefault,
		UserID:             &userID,
	}
	if r.Active != nil {
		cfg.Active = *r.Active
	}
	if r.Temperature != nil {
		cfg.Temperature = *r.Temperature
	}
	return cfg
}

func (h *Handler) listConfigs(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	configs, err := h.configs.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list configurations"})
		return
	}
	if configs == nil {
		configs = []models.LLMConfig{}
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

func (h *Handler) createConfig(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	cfg, err := h.configs.Create(c.Request.Context(), req.toModel(userID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (h *Handler) updateConfig(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	configID, ok := pathID(c)
	if !ok {
		return
	}
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	cfg := req.toModel(userID)
	cfg.ID = configID
	cfg.UserID = nil
	updated, err := h.configs.Update(c.Request.Context(), userID, cfg)
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "configuration not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) deleteConfig(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	configID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.configs.Delete(c.Request.Context(), userID, configID); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "configuration not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete configuration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "configuration deleted"})
}

// testConfig probes the configured endpoint. The outcome is reported in the
// body rather than the status code so clients can show the result inline.
func (h *Handler) testConfig(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	configID, ok := pathID(c)
	if !ok {
		return
	}
	err := h.configs.TestConnection(c.Request.Context(), userID, configID)
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "configuration not found"})
			return
		}
		var uerr *llm.Error
		if errors.As(err, &uerr) {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": uerr.UserMessage()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connection test failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Connection successful"})
}

// renderChatError maps the chat error taxonomy onto HTTP statuses. Only the
// safe message ever reaches the response body.
func (h *Handler) renderChatError(c *gin.Context, err error) {
	var cerr *chat.Error
	if !errors.As(err, &cerr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An unexpected error occurred. Please try again later"})
		return
	}
	status := http.StatusInternalServerError
	switch cerr.Kind {
	case chat.KindInvalidInput:
		status = http.StatusBadRequest
	case chat.KindRateLimited:
		status = http.StatusTooManyRequests
	case chat.KindNotFound:
		status = http.StatusNotFound
	case chat.KindUnauthorized:
		status = http.StatusForbidden
	case chat.KindNotConfigured:
		status = http.StatusPreconditionFailed
	case chat.KindUpstreamTimeout:
		status = http.StatusGatewayTimeout
	case chat.KindUpstreamConnection, chat.KindUpstreamStatus,
		chat.KindUpstreamProtocol, chat.KindUpstreamRequest:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": cerr.Message})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	maxAge := int(h.auth.TokenTTL().Seconds())
	c.SetCookie(h.auth.AuthCookieName(), authToken, maxAge, "/", "", false, true)
	// The CSRF cookie must be readable by scripts for the double-submit
	// header.
	c.SetCookie(h.auth.CSRFCookieName(), csrfToken, maxAge, "/", "", false, false)
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	c.SetCookie(h.auth.AuthCookieName(), "", -1, "/", "", false, true)
	c.SetCookie(h.auth.CSRFCookieName(), "", -1, "/", "", false, false)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
