// Package api is §6.1's typed request/response surface: one handler per
// named operation, all returning the uniform Result[T] envelope, wired to
// an echo.Group by routes.go. Handlers are thin — they translate a decoded
// request into calls against the store, the search engine, the capture
// scheduler, and the activity stage, and translate the result (or error)
// back into an envelope. No business logic lives here that isn't already
// owned by one of those collaborators.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"screenloom/internal/apperr"
)

// Result is the uniform envelope every handler resolves to: either Ok with
// typed data, or Err with a stable code a UI can switch on.
type Result[T any] struct {
	Data  *T         `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the Err arm of Result[T].
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Ok wraps a successful payload.
func Ok[T any](data T) Result[T] {
	return Result[T]{Data: &data}
}

// Fail converts any error into the Err arm, unwrapping an *apperr.Error
// for its stable code, message and cause; unclassified errors fall back
// to a generic "internal" code.
func Fail[T any](err error) Result[T] {
	return Result[T]{Error: toErrorBody(err)}
}

func toErrorBody(err error) *ErrorBody {
	var perr *apperr.Error
	if errors.As(err, &perr) {
		return &ErrorBody{Code: perr.Code, Message: perr.Msg, Details: errDetails(perr.Cause)}
	}
	return &ErrorBody{Code: "internal", Message: err.Error()}
}

func errDetails(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// httpStatus maps an apperr.Class to the HTTP status the JSON envelope
// rides on; the envelope itself (not the status code) is what UI code
// branches on, so this only needs to be roughly RESTful.
func httpStatus(err error) int {
	var perr *apperr.Error
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError
	}
	switch perr.Class {
	case apperr.ClassValidation:
		return http.StatusBadRequest
	case apperr.ClassUnauthorized:
		return http.StatusUnauthorized
	case apperr.ClassBreakerOpen:
		return http.StatusServiceUnavailable
	case apperr.ClassResource:
		return http.StatusInsufficientStorage
	default:
		return http.StatusBadGateway
	}
}

// writeOk JSON-encodes a successful Result[T] with 200 OK.
func writeOk[T any](c echo.Context, data T) error {
	return c.JSON(http.StatusOK, Ok(data))
}

// writeErr JSON-encodes a failed Result[T] at the status its class maps to.
func writeErr[T any](c echo.Context, err error) error {
	var zero Result[T]
	zero = Fail[T](err)
	return c.JSON(httpStatus(err), zero)
}

// bindJSON decodes the request body into T, reporting a validation error
// through the envelope (rather than echo's default plain-text 400) on
// malformed input.
func bindJSON[T any](c echo.Context) (T, error) {
	var req T
	if err := c.Bind(&req); err != nil {
		return req, apperr.Validation("bad_request", "malformed request body", err)
	}
	return req, nil
}
