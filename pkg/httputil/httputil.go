// Package httputil carries the ledger's HTTP plumbing: the JSON envelope,
// error rendering, request decoding and middleware.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/i18n"
)

// Response is the envelope every JSON endpoint answers with
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorBody is the error part of the envelope
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Meta carries paging information of list responses
type Meta struct {
	Limit  int   `json:"limit,omitempty"`
	Offset int   `json:"offset,omitempty"`
	Total  int64 `json:"total,omitempty"`
}

// contentionRetryAfter is the Retry-After hint, in seconds, sent with
// CONTENTION responses.
const contentionRetryAfter = 1

// JSON writes data in a success envelope
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	JSONWithMeta(w, statusCode, data, nil)
}

// JSONWithMeta writes data and paging metadata
func JSONWithMeta(w http.ResponseWriter, statusCode int, data interface{}, meta *Meta) {
	write(w, statusCode, Response{
		Success: statusCode >= 200 && statusCode < 300,
		Data:    data,
		Meta:    meta,
	})
}

// Created writes data with 201
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

// NoContent writes an empty 204
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error renders err in the request's locale. Errors that are not AppErrors
// are hidden behind INTERNAL_ERROR.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		write(w, http.StatusInternalServerError, Response{Error: &ErrorBody{
			Code:    "INTERNAL_ERROR",
			Message: i18n.LocalizerFromContext(r.Context()).T("errors.internal"),
		}})
		return
	}

	if errors.Is(err, errors.ErrContention) {
		w.Header().Set("Retry-After", strconv.Itoa(contentionRetryAfter))
	}
	write(w, appErr.StatusCode, Response{Error: &ErrorBody{
		Code:    appErr.Code,
		Message: appErr.Localize(r.Context()),
		Details: appErr.Details,
	}})
}

// DecodeJSON decodes the request body into v. Unknown fields are rejected.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.BadRequest(i18n.LocalizerFromContext(r.Context()).T("errors.invalid_json"))
	}
	return nil
}

func write(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
