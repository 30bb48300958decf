package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrValidation          ErrorType = "VALIDATION_ERROR"
	ErrPolicyViolation     ErrorType = "POLICY_VIOLATION"
	ErrInsufficientBalance ErrorType = "INSUFFICIENT_BALANCE"
	ErrAuthorization       ErrorType = "AUTHORIZATION_ERROR"
	ErrWalletState         ErrorType = "WALLET_STATE_ERROR"
	ErrInvalidThreshold    ErrorType = "INVALID_THRESHOLD"
	ErrInvalidState        ErrorType = "INVALID_STATE"
	ErrInsufficientSigners ErrorType = "INSUFFICIENT_ACTIVE_SIGNERS"
	ErrExecution           ErrorType = "EXECUTION_ERROR"
	ErrNotFound            ErrorType = "NOT_FOUND"
	ErrConflict            ErrorType = "CONFLICT"
	ErrAuthFailed          ErrorType = "AUTH_FAILED"
	ErrInternal            ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application.
// Reason is a fine-grained machine-readable code (e.g. "amount_exceeds_daily_limit").
type AppError struct {
	Type       ErrorType `json:"code"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

// WithReason returns a new AppError carrying a reason code.
func WithReason(errType ErrorType, reason, msg string) *AppError {
	e := New(errType, msg, nil)
	e.Reason = reason
	return e
}

// WithReasonCause is WithReason plus a wrapped cause.
func WithReasonCause(errType ErrorType, reason, msg string, cause error) *AppError {
	e := New(errType, msg, cause)
	e.Reason = reason
	return e
}

func Newf(errType ErrorType, format string, args ...any) *AppError {
	return New(errType, fmt.Sprintf(format, args...), nil)
}

func NewValidation(msg string) *AppError {
	return New(ErrValidation, msg, nil)
}

func NewNotFound(kind, id string) *AppError {
	e := New(ErrNotFound, fmt.Sprintf("%s %s not found", kind, id), nil)
	e.Reason = kind + "_not_found"
	return e
}

func NewPolicyViolation(reason, msg string) *AppError {
	return WithReason(ErrPolicyViolation, reason, msg)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// IsType reports whether err (or anything it wraps) is an AppError of type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// ReasonOf returns the reason code of err, or "" if err is not an AppError.
func ReasonOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ""
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrValidation, ErrInvalidThreshold:
		return http.StatusBadRequest
	case ErrPolicyViolation, ErrInsufficientBalance:
		return http.StatusUnprocessableEntity
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrAuthorization:
		return http.StatusForbidden
	case ErrWalletState, ErrInvalidState, ErrConflict:
		return http.StatusConflict
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInsufficientSigners, ErrExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrPolicyViolation:
		return "Check the wallet access policy limits and windows."
	case ErrInsufficientBalance:
		return "Reduce the amount or credit the wallet."
	case ErrAuthorization:
		return "The approver is not authorized for the current workflow step."
	case ErrWalletState:
		return "The wallet must be active."
	case ErrInsufficientSigners:
		return "Reactivate or onboard signers until the threshold is met."
	case ErrExecution:
		return "The request stays approved; retry execution."
	case ErrAuthFailed:
		return "Check API keys."
	default:
		return ""
	}
}

