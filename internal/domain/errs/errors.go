// Package errs defines sentinel domain errors shared across the application.
package errs

import "errors"

var (
	// ErrNotFound is returned when a schedule, run, or resource is not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidExpression is returned when a cron expression fails to parse
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrAlreadyRunning is returned when a schedule already has an active run
	ErrAlreadyRunning = errors.New("schedule already has an active run")

	// ErrRunCompleted is returned when an event targets an operation that
	// already reached a terminal state
	ErrRunCompleted = errors.New("operation already completed")

	// ErrInvalidInput is returned when input data is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized is returned when access is not authorized
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when an action is forbidden
	ErrForbidden = errors.New("forbidden")
)
