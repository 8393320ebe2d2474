package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Error    *Error      `json:"error,omitempty"`
	Failures interface{} `json:"failures,omitempty"`
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
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeAlreadyFinalized  = "ALREADY_FINALIZED"
	ErrCodeAlreadyExecuted   = "ALREADY_EXECUTED"
	ErrCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrCodeAccountBlocked    = "ACCOUNT_BLOCKED"
	ErrCodePartialFailure    = "PARTIAL_FAILURE"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var partial *ledger.PartialFanOutError
	switch {
	case errors.As(err, &partial):
		PartialSuccess(c, data, partial)
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		write(c, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, ledger.ErrInvalidInput):
		write(c, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, ledger.ErrAlreadyFinalized):
		write(c, http.StatusConflict, ErrCodeAlreadyFinalized, err.Error())
	case errors.Is(err, ledger.ErrAlreadyExecuted):
		write(c, http.StatusConflict, ErrCodeAlreadyExecuted, err.Error())
	case errors.Is(err, ledger.ErrDuplicate), errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		write(c, http.StatusUnprocessableEntity, ErrCodeInsufficientFunds, err.Error())
	case errors.Is(err, ledger.ErrAccountBlocked):
		write(c, http.StatusForbidden, ErrCodeAccountBlocked, err.Error())
	case errors.Is(err, ledger.ErrForbidden):
		Forbidden(c, err.Error())
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// PartialSuccess sends a 207 carrying both the result and the per-item
// failures.
func PartialSuccess(c *gin.Context, data interface{}, err *ledger.PartialFanOutError) {
	c.JSON(http.StatusMultiStatus, Response{
		Success: false,
		Data:    data,
		Error: &Error{
			Code:    ErrCodePartialFailure,
			Message: err.Error(),
		},
		Failures: err.Failures,
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

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	write(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	write(c, http.StatusForbidden, ErrCodeForbidden, message)
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

func write(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// handleError logs unexpected errors and hides their detail from the caller
func handleError(c *gin.Context, err error) {
	log.Error().
		Err(err).
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Msg("Unhandled request error")

	InternalError(c, "An unexpected error occurred")
}
