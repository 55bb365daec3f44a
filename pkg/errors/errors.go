// Package errors defines the AppError carried from the ledger services to
// the HTTP layer. Kinds are matched with Is, reasons with Code.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/medflow/pharmacy-ledger/pkg/i18n"
)

var (
	ErrNotFound            = errors.New("resource not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrBadRequest          = errors.New("bad request")
	ErrConflict            = errors.New("resource conflict")
	ErrInternal            = errors.New("internal server error")
	ErrValidation          = errors.New("validation error")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenInvalid        = errors.New("invalid token")
	ErrComplianceViolation = errors.New("compliance violation")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrContention          = errors.New("contention")
	ErrUnavailable         = errors.New("unavailable")
)

// AppError is an error with a stable machine code, an HTTP status and an
// optional catalog key for localized rendering.
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	MessageKey string            `json:"-"`
	Params     map[string]string `json:"-"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *AppError) Unwrap() error { return e.Err }

// Localize renders the message in the locale carried by ctx.
func (e *AppError) Localize(ctx context.Context) string {
	if e.MessageKey == "" {
		return e.Message
	}
	return i18n.TFromContext(ctx, e.MessageKey, e.Params)
}

// New builds a kind-less AppError, used for transport-level failures such as
// rate limiting.
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: status}
}

// Newf builds an AppError whose message comes from the catalog entry
// messageKey. Params double as Details.
func Newf(kind error, code string, status int, messageKey string, params map[string]string) *AppError {
	return &AppError{
		Err:        kind,
		Code:       code,
		Message:    i18n.T(messageKey, params),
		MessageKey: messageKey,
		Params:     params,
		StatusCode: status,
		Details:    params,
	}
}

func kinded(kind error, code string, status int, key, message string) *AppError {
	return &AppError{Err: kind, Code: code, StatusCode: status, MessageKey: key, Message: message}
}

func NotFound(resource string) *AppError {
	e := kinded(ErrNotFound, "NOT_FOUND", http.StatusNotFound, "errors.not_found", resource+" not found")
	e.Params = map[string]string{"resource": resource}
	return e
}

func Unauthorized(message string) *AppError {
	return kinded(ErrUnauthorized, "UNAUTHORIZED", http.StatusUnauthorized, "errors.unauthorized", message)
}

func Forbidden(message string) *AppError {
	return kinded(ErrForbidden, "FORBIDDEN", http.StatusForbidden, "errors.forbidden", message)
}

func BadRequest(message string) *AppError {
	return kinded(ErrBadRequest, "BAD_REQUEST", http.StatusBadRequest, "", message)
}

func Conflict(message string) *AppError {
	return kinded(ErrConflict, "CONFLICT", http.StatusConflict, "", message)
}

func Internal(message string) *AppError {
	return kinded(ErrInternal, "INTERNAL_ERROR", http.StatusInternalServerError, "errors.internal", message)
}

// Validation reports field-level problems keyed by field name.
func Validation(details map[string]string) *AppError {
	e := kinded(ErrValidation, "VALIDATION_ERROR", http.StatusBadRequest, "errors.validation_failed", "validation failed")
	e.Details = details
	return e
}

// ComplianceViolation reports a dispensing the regulatory rules reject.
func ComplianceViolation(code, messageKey string, params map[string]string) *AppError {
	return Newf(ErrComplianceViolation, code, http.StatusUnprocessableEntity, messageKey, params)
}

func InsufficientStock(product string, requested, available int) *AppError {
	return Newf(ErrInsufficientStock, "INSUFFICIENT_STOCK", http.StatusConflict, "ledger.insufficient_stock", map[string]string{
		"product":   product,
		"requested": fmt.Sprint(requested),
		"available": fmt.Sprint(available),
		"shortfall": fmt.Sprint(requested - available),
	})
}

// Contention is returned once transaction retries are exhausted. The caller
// may resubmit.
func Contention(cause error) *AppError {
	return kinded(fmt.Errorf("%w: %v", ErrContention, cause), "CONTENTION", http.StatusServiceUnavailable,
		"errors.contention", "the ledger is busy, retry the movement")
}

func Unavailable(cause error) *AppError {
	return kinded(fmt.Errorf("%w: %v", ErrUnavailable, cause), "UNAVAILABLE", http.StatusServiceUnavailable,
		"errors.unavailable", "the ledger store is unavailable")
}

func TokenExpired() *AppError {
	return kinded(ErrTokenExpired, "TOKEN_EXPIRED", http.StatusUnauthorized, "errors.token_expired", "token has expired")
}

func TokenInvalid() *AppError {
	return kinded(ErrTokenInvalid, "TOKEN_INVALID", http.StatusUnauthorized, "errors.token_invalid", "invalid token")
}

// CodeOf returns the Code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
