// Package apperr defines the structured errors returned to API clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnknown            Code = "1000"
	CodeInvalidParam       Code = "1001"
	CodeUnauthorized       Code = "1002"
	CodeNotFound           Code = "1004"
	CodeMethodNotAllowed   Code = "1005"
	CodeTooManyRequests    Code = "1006"
	CodeInternal           Code = "1007"
	CodeServiceUnavailable Code = "1008"

	CodeRetrievalFailed Code = "4003"
	CodeLLMCallFailed   Code = "4005"
	CodeEmbeddingFailed Code = "4006"
	CodeInvalidConfig   Code = "4007"

	CodeDatabaseError Code = "5001"
	CodeCacheError    Code = "5002"
)

// AppError is the error shape written to clients. Err is kept for logging
// and never serialised.
type AppError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetail sets a client-visible detail string.
func (e *AppError) WithDetail(detail string) *AppError {
	e.Detail = detail
	return e
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: codeToHTTPStatus(code)}
}

func Wrap(err error, code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: codeToHTTPStatus(code), Err: err}
}

// As converts any error into an AppError, wrapping unknown errors as
// internal.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(err, CodeInternal, "internal error")
}

func codeToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidParam, CodeInvalidConfig:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeRetrievalFailed, CodeEmbeddingFailed, CodeLLMCallFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
