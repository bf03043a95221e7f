package handover

import (
	"context"
	"log/slog"
	"time"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type defLogger struct{}

func (defLogger) Debug(msg string, args ...any) { slog.Default().Debug(msg, args...) }
func (defLogger) Info(msg string, args ...any)  { slog.Default().Info(msg, args...) }
func (defLogger) Warn(msg string, args ...any)  { slog.Default().Warn(msg, args...) }
func (defLogger) Error(msg string, args ...any) { slog.Default().Error(msg, args...) }

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}

// Clock returns the current time. Components default to time.Now.
type Clock func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}

// PasswordHasher turns a cleartext password into an opaque digest and
// verifies a cleartext password against a digest.
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// NotificationKind identifies the message sent to an account holder.
type NotificationKind string

const (
	NotificationPasswordReset    NotificationKind = "password_reset"
	NotificationClaimLink        NotificationKind = "graduation_claim_link"
	NotificationHandoverComplete NotificationKind = "graduation_handover_complete"
)

// Notification is a plain text message for a single recipient. Link and
// Code are only set for the kinds that carry them.
type Notification struct {
	Kind    NotificationKind
	To      string
	Subject string
	Body    string
	Link    string
	Code    string
}

// Notifier delivers notifications to account holders.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	if f == nil {
		return nil
	}
	return f(ctx, n)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) error { return nil }

func normalizeNotifier(n Notifier) Notifier {
	if n == nil {
		return noopNotifier{}
	}
	return n
}

// DefaultOperationTimeout bounds a single store operation when no timeout is configured.
const DefaultOperationTimeout = 10 * time.Second
