package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-gate/internal/ledger"
	"github.com/ksred/klear-gate/internal/types"
	"github.com/ksred/klear-gate/internal/venue"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeVenueUnavailable  = "VENUE_UNAVAILABLE"
	ErrCodeOutcomeUnknown    = "OUTCOME_UNKNOWN"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, types.ErrValidation):
		ValidationFailed(c, err.Error())
	case errors.Is(err, types.ErrOrderNotFound), errors.Is(err, venue.ErrNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, ledger.ErrDuplicate):
		Conflict(c, "Order already exists")
	case errors.Is(err, types.ErrSubmissionUnknown):
		// the caller must retry with the same request to learn the outcome
		write(c, http.StatusGatewayTimeout, ErrCodeOutcomeUnknown, err.Error())
	case errors.Is(err, venue.ErrConnection):
		write(c, http.StatusServiceUnavailable, ErrCodeVenueUnavailable, err.Error())
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

func write(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	write(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	write(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// ValidationFailed sends a 400 response for a request that failed order validation
func ValidationFailed(c *gin.Context, message string) {
	write(c, http.StatusBadRequest, ErrCodeValidationFailed, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	write(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	write(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	write(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	write(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

func handleError(c *gin.Context, err error) {
	log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	InternalError(c, "An unexpected error occurred")
}
