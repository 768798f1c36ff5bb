package chat

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/internal/service/chat"
	"rentalconnect-realtime/pkg/pagination"
	"rentalconnect-realtime/pkg/response"
)

// Service is the chat service as seen by the HTTP layer
type Service interface {
	OpenChat(ctx context.Context, userID uuid.UUID, accommodationID string, counterpartID uuid.UUID) (*domain.ChatView, error)
	ListChats(ctx context.Context, userID uuid.UUID) ([]domain.ChatView, error)
	GetMessages(ctx context.Context, userID, chatID uuid.UUID, limit int, pageToken string) (*chat.MessagesPage, error)
	SendMessage(ctx context.Context, userID, chatID uuid.UUID, text string) (*domain.ConversationMessage, error)
}

// Handler handles chat HTTP requests
type Handler struct {
	chatService Service
}

// NewHandler creates a new chat handler
func NewHandler(chatService Service) *Handler {
	return &Handler{chatService: chatService}
}

// RegisterRoutes mounts the chat routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/chats", h.OpenChat)
	rg.GET("/chats", h.ListChats)
	rg.GET("/chats/:id/messages", h.GetMessages)
	rg.POST("/chats/:id/messages", h.SendMessage)
}

// OpenChatRequest represents an open chat request
type OpenChatRequest struct {
	AccommodationID string `json:"accommodation_id" binding:"required"`
	CounterpartID   string `json:"counterpart_id" binding:"required,uuid"`
}

// SendMessageRequest represents send message request
type SendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// OpenChat gets or creates a thread
// POST /v1/chats
func (h *Handler) OpenChat(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req OpenChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	counterpartID, err := uuid.Parse(req.CounterpartID)
	if err != nil {
		response.ValidationError(c, "Invalid counterpart ID")
		return
	}

	view, err := h.chatService.OpenChat(c.Request.Context(), userID, req.AccommodationID, counterpartID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// ListChats lists the caller's threads
// GET /v1/chats
func (h *Handler) ListChats(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	chats, err := h.chatService.ListChats(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"chats": chats})
}

// GetMessages retrieves one page of a thread
// GET /v1/chats/:id/messages?limit=20&page_state=token
func (h *Handler) GetMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid chat ID")
		return
	}
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	page, err := h.chatService.GetMessages(c.Request.Context(), userID, chatID, limit, c.Query("page_state"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, page)
}

// SendMessage handles sending a new message
// POST /v1/chats/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid chat ID")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	msg, err := h.chatService.SendMessage(c.Request.Context(), userID, chatID, req.Text)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, msg)
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
