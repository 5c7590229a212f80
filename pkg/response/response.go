package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/nextrade-api/internal/apperr"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response. Details carries the structured
// explanation of classified errors.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeUnavailable       = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeApprovalRejected  = "APPROVAL_REJECTED"
	ErrCodeLoopDetected      = "LOOP_DETECTED"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message, nil)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message, nil)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message, nil)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, ErrCodeForbidden, message, nil)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message, nil)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeDuplicateResource, message, nil)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message, nil)
}

func fail(c *gin.Context, status int, code, message string, details map[string]any) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// handleError maps classified errors to status codes. Unclassified errors
// never leak their text.
func handleError(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		InternalError(c, "An unexpected error occurred")
		return
	}

	exp := e.Explanation()
	details, _ := exp["details"].(map[string]any)
	message, _ := exp["message"].(string)

	switch e.Kind {
	case apperr.KindValidation:
		fail(c, http.StatusBadRequest, ErrCodeValidationFailed, message, details)
	case apperr.KindNotFound:
		fail(c, http.StatusNotFound, ErrCodeNotFound, message, details)
	case apperr.KindApprovalRejected:
		// modelled outcomes, reported with 200 and the explanation
		fail(c, http.StatusOK, ErrCodeApprovalRejected, message, details)
	case apperr.KindLoopDetected:
		fail(c, http.StatusOK, ErrCodeLoopDetected, message, details)
	case apperr.KindWorkflowInterrupted:
		fail(c, http.StatusRequestTimeout, ErrCodeTimeout, message, details)
	case apperr.KindMaxRetries, apperr.KindCircuitOpen:
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, message, details)
	case apperr.KindDatabase:
		fail(c, http.StatusInternalServerError, ErrCodeInternalError, e.Message, details)
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternalError, message, details)
	}
}
