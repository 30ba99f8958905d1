package chat

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veritaslegal/chatstream/internal/httperr"
	"github.com/veritaslegal/chatstream/internal/logger"
	"github.com/veritaslegal/chatstream/internal/sse"
)

// Handler exposes the chat service over HTTP.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler builds the HTTP handler for the chat routes.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithComponent("chat_handler"),
	}
}

// RegisterRoutes mounts the chat endpoints on rg.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/chat/sessions", h.CreateSession)
	rg.GET("/chat/sessions", h.ListSessions)
	rg.GET("/chat/sessions/:id", h.GetSession)
	rg.DELETE("/chat/sessions/:id", h.DeleteSession)
	rg.POST("/chat/sessions/:id/messages", h.SendMessage)
}

type createSessionRequest struct {
	Title string `json:"title"`
	Mode  Mode   `json:"mode"`
}

// CreateSession handles POST /chat/sessions. An empty body creates a
// default regular-mode session.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		httperr.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}
	if req.Mode != "" && !ValidMode(req.Mode) {
		httperr.AbortWithBadRequest(c, "unknown chat mode", map[string]interface{}{
			"mode": string(req.Mode),
		})
		return
	}

	session, err := h.service.CreateSession(c.Request.Context(), req.Title, req.Mode)
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "failed to create session")
		httperr.AbortWithInternal(c, "failed to create session", nil)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// ListSessions handles GET /chat/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.service.ListSessions(c.Request.Context())
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "failed to list sessions")
		httperr.AbortWithInternal(c, "failed to list sessions", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession handles GET /chat/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			httperr.AbortWithNotFound(c, "session not found", nil)
			return
		}
		h.logger.LogError(c.Request.Context(), err, "failed to load session")
		httperr.AbortWithInternal(c, "failed to load session", nil)
		return
	}
	c.JSON(http.StatusOK, session)
}

// DeleteSession handles DELETE /chat/sessions/:id.
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.service.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			httperr.AbortWithNotFound(c, "session not found", nil)
			return
		}
		h.logger.LogError(c.Request.Context(), err, "failed to delete session")
		httperr.AbortWithInternal(c, "failed to delete session", nil)
		return
	}
	c.Status(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content  string `json:"content" binding:"required"`
	Batching bool   `json:"batching"`
}

// SendMessage handles POST /chat/sessions/:id/messages. It appends the user
// message and answers with the SSE stream of the assistant reply.
func (h *Handler) SendMessage(c *gin.Context) {
	sessionID := c.Param("id")

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.AbortWithBadRequest(c, "content is required", nil)
		return
	}

	events, err := h.service.StreamReply(c.Request.Context(), sessionID, req.Content, req.Batching)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			httperr.AbortWithNotFound(c, "session not found", nil)
			return
		}
		h.logger.LogError(c.Request.Context(), err, "failed to start reply stream")
		httperr.AbortWithInternal(c, "failed to start reply stream", nil)
		return
	}

	for key, value := range sse.ConnectionHeaders() {
		c.Header(key, value)
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.logger.Error("response writer does not support flushing")
		httperr.AbortWithInternal(c, "streaming not supported", nil)
		return
	}

	log := h.logger.WithFields(map[string]interface{}{"session_id": sessionID})
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if _, err := c.Writer.WriteString(event); err != nil {
				log.Debug("client write failed", slog.String("error", err.Error()))
				return
			}
			// SSE requires each event to reach the client immediately.
			flusher.Flush()
		case <-c.Request.Context().Done():
			log.Debug("client disconnected mid-stream")
			return
		}
	}
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Health(c.Request.Context()))
}
