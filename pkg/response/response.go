package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "rentalconnect-realtime/pkg/errors"
)

// Envelope wraps every REST reply of the chat and call-log APIs
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

// ErrorBody carries an apperrors code and a message safe to show to users
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Envelope{Success: true, Data: data, Meta: meta(c)})
}

func Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, Envelope{
		Error: &ErrorBody{Code: code, Message: message},
		Meta:  meta(c),
	})
}

// ValidationError replies 400
func ValidationError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, string(apperrors.ErrCodeValidation), message)
}

// Unauthorized replies 401. Used by the auth middleware before any user
// is known, so it has no apperrors counterpart.
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, string(apperrors.ErrCodeInternal), message)
}

// FromError replies with err's code and status. Errors that are not
// AppErrors become an opaque 500 so storage details never leak.
func FromError(c *gin.Context, err error) {
	if !apperrors.IsAppError(err) {
		InternalError(c, "Internal server error")
		return
	}
	appErr := apperrors.GetAppError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	Error(c, status, string(appErr.Code), appErr.Message)
}

func meta(c *gin.Context) Meta {
	m := Meta{Timestamp: time.Now().UTC()}
	if id, ok := c.Get("request_id"); ok {
		m.RequestID, _ = id.(string)
	}
	return m
}
