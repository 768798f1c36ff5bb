package call

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rentalconnect-realtime/internal/domain"
)

type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func TestHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := new(MockHistory)
	user := uuid.New()
	call := &domain.Call{CallID: uuid.New(), CallerID: user, Status: domain.CallRecordEnded, EndReason: "hangup"}
	svc.On("History", mock.Anything, user, 5).Return([]*domain.Call{call}, nil)

	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) { c.Set("user_id", user) })
	NewHandler(svc).RegisterRoutes(v1)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/calls/history?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Calls []domain.Call `json:"calls"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data.Calls, 1)
	assert.Equal(t, call.CallID, body.Data.Calls[0].CallID)
}

func TestHistory_Unauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(new(MockHistory)).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/calls/history", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHistory_BadLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) { c.Set("user_id", uuid.New()) })
	NewHandler(new(MockHistory)).RegisterRoutes(v1)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/calls/history?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
