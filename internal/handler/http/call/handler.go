package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/pkg/pagination"
	"rentalconnect-realtime/pkg/response"
)

// HistoryService lists call log records
type HistoryService interface {
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Call, error)
}

// Handler serves the call history endpoint
type Handler struct {
	calls HistoryService
}

// NewHandler creates a new call handler
func NewHandler(calls HistoryService) *Handler {
	return &Handler{calls: calls}
}

// RegisterRoutes mounts the call routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/calls/history", h.History)
}

// History returns the caller's recent calls
// GET /v1/calls/history?limit=20
func (h *Handler) History(c *gin.Context) {
	val, _ := c.Get("user_id")
	userID, ok := val.(uuid.UUID)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.calls.History(c.Request.Context(), userID, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}
