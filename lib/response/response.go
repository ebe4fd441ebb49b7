package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/outcome"
)

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	// Authentication & Authorization errors
	ErrorCodeUnauthorized ErrorCode = "unauthorized"
	ErrorCodeForbidden    ErrorCode = "forbidden"
	ErrorCodeInvalidToken ErrorCode = "invalid_token"

	// Input validation errors
	ErrorCodeInvalidInput          ErrorCode = "invalid_input"
	ErrorCodeInvalidConversationID ErrorCode = "invalid_conversation_id"
	ErrorCodeMissingRequired       ErrorCode = "missing_required"

	// Resource errors
	ErrorCodeNotFound             ErrorCode = "not_found"
	ErrorCodeConversationNotFound ErrorCode = "conversation_not_found"
	ErrorCodeMessageNotFound      ErrorCode = "message_not_found"
	ErrorCodeIntegrationNotFound  ErrorCode = "integration_not_found"

	// Inbox domain errors
	ErrorCodeConflict       ErrorCode = "conflict"
	ErrorCodeAgentBusy      ErrorCode = "agent_busy"
	ErrorCodeNotAssignee    ErrorCode = "not_assignee"
	ErrorCodeSendFailed     ErrorCode = "send_failed"
	ErrorCodeNotConnected   ErrorCode = "not_connected"
	ErrorCodeInvalidState   ErrorCode = "invalid_state"
	ErrorCodeTooManyRequest ErrorCode = "too_many_requests"

	// Permission errors
	ErrorCodeAccessDenied ErrorCode = "access_denied"

	// Internal errors
	ErrorCodeInternalError   ErrorCode = "internal_error"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode `json:"error"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    string    `json:"details,omitempty"`
}

// Error implements the error interface
func (e AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Payload is the JSON body rendered for the error
func (e AppError) Payload() map[string]interface{} {
	payload := map[string]interface{}{
		"success": false,
		"error":   string(e.Code),
		"message": e.Message,
	}
	if e.Details != "" {
		payload["details"] = e.Details
	}
	return payload
}

// Response returns an outcome.Response for the error
func (e AppError) Response() outcome.Response {
	body, _ := json.Marshal(e.Payload())
	return outcome.Response{
		ContentType: "application/json",
		StatusCode:  e.StatusCode,
		Data:        body,
	}
}

// NewError creates a new AppError
func NewError(code ErrorCode, message string, statusCode int) AppError {
	return AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewErrorWithDetails creates a new AppError with additional details
func NewErrorWithDetails(code ErrorCode, message string, statusCode int, details string) AppError {
	return AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Details:    details,
	}
}

// Predefined common errors
var (
	ErrUnauthorized = AppError{
		Code:       ErrorCodeUnauthorized,
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = AppError{
		Code:       ErrorCodeForbidden,
		Message:    "Only agents and administrators can access this endpoint",
		StatusCode: http.StatusForbidden,
	}

	ErrInvalidToken = AppError{
		Code:       ErrorCodeInvalidToken,
		Message:    "Invalid or expired token",
		StatusCode: http.StatusUnauthorized,
	}

	ErrInvalidInput = AppError{
		Code:       ErrorCodeInvalidInput,
		Message:    "Invalid request data",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidConversationID = AppError{
		Code:       ErrorCodeInvalidConversationID,
		Message:    "Invalid conversation ID",
		StatusCode: http.StatusBadRequest,
	}

	ErrMissingRequired = AppError{
		Code:       ErrorCodeMissingRequired,
		Message:    "Missing required fields",
		StatusCode: http.StatusBadRequest,
	}

	ErrConversationNotFound = AppError{
		Code:       ErrorCodeConversationNotFound,
		Message:    "Conversation not found or access denied",
		StatusCode: http.StatusNotFound,
	}

	ErrMessageNotFound = AppError{
		Code:       ErrorCodeMessageNotFound,
		Message:    "Message not found or access denied",
		StatusCode: http.StatusNotFound,
	}

	ErrIntegrationNotFound = AppError{
		Code:       ErrorCodeIntegrationNotFound,
		Message:    "Integration not found",
		StatusCode: http.StatusNotFound,
	}

	ErrNotFound = AppError{
		Code:       ErrorCodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrAccessDenied = AppError{
		Code:       ErrorCodeAccessDenied,
		Message:    "Access denied to this resource",
		StatusCode: http.StatusForbidden,
	}

	ErrInternalError = AppError{
		Code:       ErrorCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrDatabaseError = AppError{
		Code:       ErrorCodeDatabaseError,
		Message:    "Database operation failed",
		StatusCode: http.StatusInternalServerError,
	}
)

// Error creates an outcome.Response from AppError
func Error(err AppError) outcome.Response {
	return err.Response()
}

// FromError renders any error returned by a service. AppErrors keep their
// code and status; everything else is logged and reported as a generic
// internal error so internals never reach the caller.
func FromError(err error, context string) outcome.Response {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.Response()
	}
	log.Error("%s: %v", context, err)
	return ErrInternalError.Response()
}

// =====================================================
// STANDARDIZED SUCCESS RESPONSE SYSTEM
// =====================================================

// APIResponse represents a standardized API response structure
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
	Message string      `json:"message,omitempty"`
}

func (r APIResponse) ToJSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// Meta contains metadata for API responses
type Meta struct {
	// Pagination
	Page       int   `json:"page,omitempty"`
	Limit      int   `json:"limit,omitempty"`
	Total      int64 `json:"total,omitempty"`
	TotalPages int   `json:"total_pages,omitempty"`

	Count int `json:"count,omitempty"`

	Extra map[string]interface{} `json:"extra,omitempty"`
}

// OK creates a standardized success response
func OK(data interface{}) outcome.Response {
	return outcome.Response{
		ContentType: "application/json",
		StatusCode:  http.StatusOK,
		Data: APIResponse{
			Success: true,
			Data:    data,
		}.ToJSON(),
	}
}

// OKWithMessage creates a success response with a message
func OKWithMessage(data interface{}, message string) outcome.Response {
	return outcome.Response{
		ContentType: "application/json",
		StatusCode:  http.StatusOK,
		Data: APIResponse{
			Success: true,
			Data:    data,
			Message: message,
		}.ToJSON(),
	}
}

// OKWithMeta creates a success response with metadata
func OKWithMeta(data interface{}, meta *Meta) outcome.Response {
	return outcome.Response{
		ContentType: "application/json",
		StatusCode:  http.StatusOK,
		Data: APIResponse{
			Success: true,
			Data:    data,
			Meta:    meta,
		}.ToJSON(),
	}
}

// Created creates a 201 Created response
func Created(data interface{}) outcome.Response {
	return outcome.Response{
		ContentType: "application/json",
		StatusCode:  http.StatusCreated,
		Data: APIResponse{
			Success: true,
			Data:    data,
		}.ToJSON(),
	}
}

// Paginated creates a paginated response
func Paginated(data interface{}, page, limit int, total int64) outcome.Response {
	totalPages := 0
	if limit > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return OKWithMeta(data, &Meta{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
	})
}

// List creates a response for lists/collections with count
func List(data interface{}, count int) outcome.Response {
	return OKWithMeta(data, &Meta{Count: count})
}

// Message creates a response with only a success message
func Message(message string) outcome.Response {
	return outcome.Response{
		ContentType: "application/json",
		StatusCode:  http.StatusOK,
		Data: APIResponse{
			Success: true,
			Message: message,
		}.ToJSON(),
	}
}

// Forbidden creates a 403 Forbidden response
func Forbidden(message string) outcome.Response {
	return Error(NewError(ErrorCodeForbidden, message, http.StatusForbidden))
}

// BadRequest creates a 400 Bad Request response
func BadRequest(message string) outcome.Response {
	return Error(NewError(ErrorCodeInvalidInput, message, http.StatusBadRequest))
}
