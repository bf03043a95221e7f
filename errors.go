package handover

import (
	"database/sql"
	stderrors "errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	TextCodeValidation       = "VALIDATION_ERROR"
	TextCodeUnauthorized     = "UNAUTHORIZED"
	TextCodeForbidden        = "FORBIDDEN"
	TextCodeConflict         = "CONFLICT"
	TextCodeInvalidOrExpired = "INVALID_OR_EXPIRED"
	TextCodeNotFound         = "NOT_FOUND"
	TextCodeTransient        = "TRANSIENT"
	TextCodeInternal         = "INTERNAL"
)

// CodeServiceUnavailable is the HTTP status for Transient failures.
const CodeServiceUnavailable = http.StatusServiceUnavailable

// ErrValidation is returned for malformed input. Field level messages are
// carried in the "fields" metadata key.
var ErrValidation = goerrors.New("invalid request", goerrors.CategoryValidation).
	WithTextCode(TextCodeValidation).
	WithCode(goerrors.CodeBadRequest)

// ErrUnauthorized is the single error for unknown email, wrong password and
// bad or expired access tokens.
var ErrUnauthorized = goerrors.New("invalid credentials", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthorized).
	WithCode(goerrors.CodeUnauthorized)

// ErrForbidden is returned when the actor lacks the role or ownership required.
var ErrForbidden = goerrors.New("forbidden", goerrors.CategoryAuthz).
	WithTextCode(TextCodeForbidden).
	WithCode(goerrors.CodeForbidden)

// ErrConflict is returned on uniqueness violations and on handovers that
// already happened.
var ErrConflict = goerrors.New("conflict", goerrors.CategoryConflict).
	WithTextCode(TextCodeConflict).
	WithCode(goerrors.CodeConflict)

// ErrInvalidOrExpired covers unknown, expired, superseded and consumed tokens
// without telling them apart.
var ErrInvalidOrExpired = goerrors.New("invalid or expired token", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidOrExpired).
	WithCode(goerrors.CodeBadRequest)

// ErrNotFound is returned on lookup misses that callers are allowed to see.
var ErrNotFound = goerrors.New("not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrTransient is returned when storage or a collaborator is unavailable.
// Clients may retry.
var ErrTransient = goerrors.New("service temporarily unavailable", goerrors.CategoryOperation).
	WithTextCode(TextCodeTransient).
	WithCode(CodeServiceUnavailable)

// newError clones base, replacing the message when msg is set.
func newError(base *goerrors.Error, msg string, metadata ...map[string]any) *goerrors.Error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	if msg != "" {
		clone.Message = msg
	}
	for _, m := range metadata {
		if len(m) > 0 {
			clone.WithMetadata(m)
		}
	}
	return clone
}

// wrapError clones base and records err as its source.
func wrapError(base *goerrors.Error, err error, msg string, metadata ...map[string]any) *goerrors.Error {
	clone := newError(base, msg, metadata...)
	if err != nil {
		clone.Source = err
	}
	return clone
}

func validationError(msg string, fields map[string]string) *goerrors.Error {
	if len(fields) == 0 {
		return newError(ErrValidation, msg)
	}
	return newError(ErrValidation, msg, map[string]any{"fields": fields})
}

// AsRich extracts the rich error from err. Errors that did not originate in
// this package become Internal.
func AsRich(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		return richErr
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, "internal error").
		WithTextCode(TextCodeInternal).
		WithCode(goerrors.CodeInternal)
}

// Kind returns the stable machine readable kind of err.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	richErr := AsRich(err)
	if richErr.TextCode == "" {
		return TextCodeInternal
	}
	return richErr.TextCode
}

// IsKind reports whether err carries the given text code.
func IsKind(err error, textCode string) bool {
	return err != nil && Kind(err) == textCode
}

// IsInvalidOrExpired reports whether err is a token failure.
func IsInvalidOrExpired(err error) bool { return IsKind(err, TextCodeInvalidOrExpired) }

// IsConflict reports whether err is a uniqueness or state conflict.
func IsConflict(err error) bool { return IsKind(err, TextCodeConflict) }

// IsForbidden reports whether err is an authorization failure.
func IsForbidden(err error) bool { return IsKind(err, TextCodeForbidden) }

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool { return IsKind(err, TextCodeUnauthorized) }

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool { return IsKind(err, TextCodeNotFound) }

// IsValidation reports whether err is an input validation failure.
func IsValidation(err error) bool { return IsKind(err, TextCodeValidation) }

// IsTransient reports whether err is retryable by the client.
func IsTransient(err error) bool { return IsKind(err, TextCodeTransient) }

// storageError classifies an error coming from bun or the driver. Errors
// already classified pass through untouched.
func storageError(err error, msg string, metadata ...map[string]any) error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil && isOwnTextCode(richErr.TextCode) {
		return richErr
	}

	switch {
	case stderrors.Is(err, sql.ErrNoRows), repository.IsRecordNotFound(err):
		return wrapError(ErrNotFound, err, msg, metadata...)
	case isUniqueViolation(err):
		return wrapError(ErrConflict, err, msg, metadata...)
	default:
		return wrapError(ErrTransient, err, msg, metadata...)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// finalizeError re-extracts the rich error after a transaction wrapper.
func finalizeError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil && isOwnTextCode(richErr.TextCode) {
		return richErr
	}
	return storageError(err, msg)
}

func isOwnTextCode(code string) bool {
	switch code {
	case TextCodeValidation, TextCodeUnauthorized, TextCodeForbidden, TextCodeConflict,
		TextCodeInvalidOrExpired, TextCodeNotFound, TextCodeTransient:
		return true
	}
	return false
}
