package gis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Class buckets every user-visible failure into the response taxonomy.
type Class int

const (
	// ClassBadRequest covers malformed bodies, unknown or reserved
	// fields, type mismatches and bad parameter specs.
	ClassBadRequest Class = iota

	// ClassNotFound covers absent tables, folders, rows and aliases.
	ClassNotFound

	// ClassInvalidOperation marks a leaf-table method invoked on a folder.
	ClassInvalidOperation

	// ClassUnprocessable covers import rejections detected before any
	// persistence: mixed geometry, unreadable files or encodings.
	ClassUnprocessable

	// ClassConversionFailed marks a fatal import conversion stage.
	ClassConversionFailed

	// ClassPersistenceFailed marks a fatal import persistence stage.
	ClassPersistenceFailed

	// ClassStorageRejected wraps engine-level errors passed through from
	// the database (bad SRID, constraint violations, and the like).
	ClassStorageRejected
)

// Error is the package's taxonomy-aware error type. Message is safe to
// return to clients; Err keeps the technical cause for logging.
type Error struct {
	Class   Class
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NotFoundf builds a ClassNotFound error.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Class: ClassNotFound, Message: fmt.Sprintf(format, args...)}
}

// BadRequestf builds a ClassBadRequest error.
func BadRequestf(format string, args ...interface{}) *Error {
	return &Error{Class: ClassBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Unprocessablef builds a ClassUnprocessable error.
func Unprocessablef(format string, args ...interface{}) *Error {
	return &Error{Class: ClassUnprocessable, Message: fmt.Sprintf(format, args...)}
}

// ErrFolderOperation is returned by every Engine method invoked on a folder.
var ErrFolderOperation = &Error{
	Class:   ClassInvalidOperation,
	Message: "folder does not have this method",
}

// conversionFailed wraps a fatal conversion-stage failure.
func conversionFailed(msg string, err error) *Error {
	return &Error{Class: ClassConversionFailed, Message: msg, Err: err}
}

// persistenceFailed wraps a fatal persistence-stage failure.
func persistenceFailed(msg string, err error) *Error {
	return &Error{Class: ClassPersistenceFailed, Message: msg, Err: err}
}

// storageRejected degrades a database engine error to the pass-through
// class. Only the first line of the engine message is kept; the full
// error stays wrapped for server-side logging.
func storageRejected(err error) *Error {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return &Error{Class: ClassStorageRejected, Message: msg, Err: err}
}

// wrapStorage classifies an error coming back from a database call.
// Taxonomy errors pass through untouched; pgconn errors and context
// timeouts are degraded to their fatal classes rather than propagated raw.
func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return persistenceFailed("operation timed out", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return storageRejected(err)
	}
	return &Error{Class: ClassPersistenceFailed, Message: "storage operation failed", Err: err}
}

// HTTPStatus maps any error to its response status code.
func HTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Class {
	case ClassBadRequest, ClassUnprocessable:
		return http.StatusBadRequest
	case ClassNotFound:
		return http.StatusNotFound
	case ClassInvalidOperation:
		return http.StatusMethodNotAllowed
	case ClassStorageRejected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the client-safe message for an error. Unclassified
// errors are masked to avoid leaking engine internals.
func UserMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}
