package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/beacon/internal/domain/errs"
)

// Response represents a standard API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents an error in the API response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPError interface allows application errors to define their HTTP representation.
// Errors implementing this interface will be automatically mapped to proper HTTP responses.
type HTTPError interface {
	error
	HTTPStatus() int
	HTTPCode() string
	HTTPMessage() string
}

// RespondJSON sends a successful JSON response.
func RespondJSON(c echo.Context, code int, data any) error {
	return c.JSON(code, Response{
		Success: true,
		Data:    data,
	})
}

// RespondOK sends a 200 OK response with data.
func RespondOK(c echo.Context, data any) error {
	return RespondJSON(c, http.StatusOK, data)
}

// RespondCreated sends a 201 Created response with data.
func RespondCreated(c echo.Context, data any) error {
	return RespondJSON(c, http.StatusCreated, data)
}

// RespondAccepted sends a 202 Accepted response with data.
func RespondAccepted(c echo.Context, data any) error {
	return RespondJSON(c, http.StatusAccepted, data)
}

// RespondNoContent sends a 204 No Content response.
func RespondNoContent(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// RespondError sends an error JSON response based on the error type.
func RespondError(c echo.Context, err error) error {
	statusCode, apiError := mapError(err)
	return c.JSON(statusCode, Response{
		Success: false,
		Error:   apiError,
	})
}

// RespondErrorWithCode sends an error JSON response with a specific HTTP status code.
func RespondErrorWithCode(c echo.Context, code int, errorCode, message string) error {
	return c.JSON(code, Response{
		Success: false,
		Error: &Error{
			Code:    errorCode,
			Message: message,
		},
	})
}

// errorMapping binds a domain sentinel error to its HTTP representation.
type errorMapping struct {
	sentinel error
	status   int
	code     string
	message  string
}

var errorMappings = []errorMapping{
	{errs.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "The requested resource was not found"},
	{errs.ErrInvalidExpression, http.StatusBadRequest, "INVALID_EXPRESSION", "Invalid cron expression"},
	{errs.ErrAlreadyRunning, http.StatusConflict, "ALREADY_RUNNING", "A check is already running for this schedule"},
	{errs.ErrRunCompleted, http.StatusConflict, "RUN_COMPLETED", "The operation has already finished"},
	{errs.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT", "Invalid input data"},
	{errs.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required"},
	{errs.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "Access denied"},
}

// mapError maps domain errors to HTTP status codes and API errors. Errors
// implementing HTTPError choose their own representation; unknown errors
// become an opaque 500 so internals never leak to clients.
func mapError(err error) (int, *Error) {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.HTTPStatus(), &Error{
			Code:    httpErr.HTTPCode(),
			Message: httpErr.HTTPMessage(),
		}
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			return m.status, &Error{Code: m.code, Message: m.message}
		}
	}

	return http.StatusInternalServerError, &Error{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
	}
}
