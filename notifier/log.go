// Package notifier delivers handover notifications.
package notifier

import (
	"context"

	"github.com/goliatone/go-handover"
)

// LogNotifier writes notifications to a logger. It prints links and codes
// and is meant for development only.
type LogNotifier struct {
	logger handover.Logger
}

var _ handover.Notifier = (*LogNotifier)(nil)

// NewLogNotifier returns a LogNotifier writing to logger.
func NewLogNotifier(logger handover.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements handover.Notifier.
func (n *LogNotifier) Notify(ctx context.Context, msg handover.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.Info("notification",
		"kind", string(msg.Kind),
		"to", msg.To,
		"subject", msg.Subject,
		"link", msg.Link,
		"code", msg.Code,
	)
	return nil
}
