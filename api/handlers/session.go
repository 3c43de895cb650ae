// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/multisession-gateway/backend/internal/qr"
	"github.com/multisession-gateway/backend/internal/session"
)

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	registry *session.Registry
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(registry *session.Registry) *SessionHandler {
	return &SessionHandler{
		registry: registry,
	}
}

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	ID string `json:"id" binding:"required"`
}

// SendRequest represents the request body for sending a message.
type SendRequest struct {
	To   string `json:"to" binding:"required"`
	Body string `json:"body" binding:"required"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	ContactID string `json:"contactId,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

// QRResponse is returned by the QR endpoint when JSON is requested.
type QRResponse struct {
	Token   string `json:"token"`
	DataURL string `json:"dataUrl"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.SessionInfo to SessionResponse.
func toSessionResponse(info model.SessionInfo) *SessionResponse {
	return &SessionResponse{
		ID:        info.ID,
		State:     string(info.State),
		ContactID: info.ContactID,
		UpdatedAt: info.UpdatedAt.Format(time.RFC3339),
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendDomainError maps a registry error to its HTTP status and code.
func sendDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+c.Param("id")+" not found")
	case errors.Is(err, model.ErrAlreadyExists):
		sendError(c, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case errors.Is(err, model.ErrInvalidSessionID):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Session ID must be 1-64 letters, digits, '-' or '_'")
	case errors.Is(err, model.ErrConcurrencyLimit):
		sendError(c, http.StatusTooManyRequests, "LIMIT_EXCEEDED", err.Error())
	case errors.Is(err, model.ErrNotReady):
		sendError(c, http.StatusConflict, "NOT_READY", err.Error())
	case errors.Is(err, model.ErrInvalidRecipient):
		sendError(c, http.StatusBadRequest, "INVALID_RECIPIENT", err.Error())
	case errors.Is(err, model.ErrNoQRCode):
		sendError(c, http.StatusNotFound, "QR_NOT_FOUND", "No QR code pending for session "+c.Param("id"))
	case errors.Is(err, model.ErrTransport):
		sendError(c, http.StatusBadGateway, "TRANSPORT_ERROR", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// Create handles POST /api/sessions - creates a new session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	info, err := h.registry.Create(c.Request.Context(), req.ID)
	if err != nil {
		sendDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(info))
}

// List handles GET /api/sessions - lists all sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.registry.List()

	response := make([]*SessionResponse, len(sessions))
	for i, info := range sessions {
		response[i] = toSessionResponse(info)
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	info, err := h.registry.Info(c.Param("id"))
	if err != nil {
		sendDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(info))
}

// Delete handles DELETE /api/sessions/:id - stops and removes a session.
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.registry.Remove(c.Request.Context(), c.Param("id")); err != nil {
		sendDomainError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Start handles POST /api/sessions/:id/start - connects a session.
func (h *SessionHandler) Start(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.registry.Start(c.Request.Context(), sessionID); err != nil {
		sendDomainError(c, err)
		return
	}

	h.respondWithSession(c, sessionID)
}

// Stop handles POST /api/sessions/:id/stop - disconnects a session.
func (h *SessionHandler) Stop(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.registry.Stop(c.Request.Context(), sessionID); err != nil {
		sendDomainError(c, err)
		return
	}

	h.respondWithSession(c, sessionID)
}

func (h *SessionHandler) respondWithSession(c *gin.Context, sessionID string) {
	info, err := h.registry.Info(sessionID)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(info))
}

// Send handles POST /api/sessions/:id/send - sends a text message.
func (h *SessionHandler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if err := h.registry.Send(c.Request.Context(), c.Param("id"), req.To, req.Body); err != nil {
		sendDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// MessagesResponse is the body of the chat history endpoint.
type MessagesResponse struct {
	Messages []model.ChatMessage `json:"messages"`
	Count    int                 `json:"count"`
}

// Messages handles GET /api/sessions/:id/messages?chatId=&limit= - returns
// the latest messages of one chat. The session must be ready.
func (h *SessionHandler) Messages(c *gin.Context) {
	chatID := c.Query("chatId")
	if chatID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "chatId is required")
		return
	}

	limit := session.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}

	messages, err := h.registry.History(c.Request.Context(), c.Param("id"), chatID, limit)
	if err != nil {
		sendDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, MessagesResponse{Messages: messages, Count: len(messages)})
}

// QR handles GET /api/sessions/:id/qr - renders the pending scan token.
// The image is PNG unless format=json is requested.
func (h *SessionHandler) QR(c *gin.Context) {
	token, err := h.registry.QRCode(c.Param("id"))
	if err != nil {
		sendDomainError(c, err)
		return
	}

	if c.Query("format") == "json" {
		url, err := qr.DataURL(token, 0)
		if err != nil {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		c.JSON(http.StatusOK, QRResponse{Token: token, DataURL: url})
		return
	}

	png, err := qr.PNG(token, 0)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.POST("/:id/start", h.Start)
		sessions.POST("/:id/stop", h.Stop)
		sessions.POST("/:id/send", h.Send)
		sessions.GET("/:id/qr", h.QR)
		sessions.GET("/:id/messages", h.Messages)
	}
}
