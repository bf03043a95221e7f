package handover

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventSignup                 ActivityEventType = "account.signup"
	ActivityEventProfileUpdated         ActivityEventType = "account.profile.updated"
	ActivityEventAccountDeleted         ActivityEventType = "account.deleted"
	ActivityEventLoginSuccess           ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure           ActivityEventType = "auth.login.failure"
	ActivityEventPasswordResetRequested ActivityEventType = "auth.password.reset_requested"
	ActivityEventPasswordResetSuccess   ActivityEventType = "auth.password.reset"
	ActivityEventClaimLinkIssued        ActivityEventType = "handover.claim_link.issued"
	ActivityEventHandoverCompleted      ActivityEventType = "handover.completed"
	ActivityEventHandoverFailed         ActivityEventType = "handover.failed"
	ActivityEventNotificationFailed     ActivityEventType = "notification.failed"
)

const (
	ActorTypeAnonymous = "anonymous"
	ActorTypeSystem    = "system"
)

// ActorRef identifies who/what triggered an event.
type ActorRef struct {
	ID   string
	Type string
}

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	AccountID  string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// MultiActivitySink fans events out to every sink, returning the first error.
func MultiActivitySink(sinks ...ActivitySink) ActivitySink {
	filtered := make([]ActivitySink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return ActivitySinkFunc(func(ctx context.Context, event ActivityEvent) error {
		var first error
		for _, s := range filtered {
			if err := s.Record(ctx, event); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// LoggerActivitySink writes events to a Logger at info level.
func LoggerActivitySink(logger Logger) ActivitySink {
	logger = normalizeLogger(logger)
	return ActivitySinkFunc(func(_ context.Context, event ActivityEvent) error {
		logger.Info("activity",
			"event", string(event.EventType),
			"actor_id", event.Actor.ID,
			"actor_type", event.Actor.Type,
			"account_id", event.AccountID,
			"metadata", event.Metadata,
		)
		return nil
	})
}

// activityRecorder records events best-effort, logging sink failures.
type activityRecorder struct {
	sink   ActivitySink
	logger Logger
	now    Clock
}

func (r activityRecorder) record(ctx context.Context, event ActivityEvent) {
	if r.sink == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		now := r.now
		if now == nil {
			now = utcNow
		}
		event.OccurredAt = now()
	}
	if err := r.sink.Record(ctx, event); err != nil {
		normalizeLogger(r.logger).Warn("activity sink failed", "event", string(event.EventType), "error", err)
	}
}
