package handover

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// DefaultResetCodeTTL is the lifetime of a password reset code.
const DefaultResetCodeTTL = time.Hour

// GenericAckMessage is returned by every anti-enumeration endpoint.
const GenericAckMessage = "If an account exists for this email, a message has been sent."

type InitializePasswordResetMessage struct {
	Email      string `json:"email" example:"pepe.rone@example.com" doc:"Account email."`
	OnResponse func(resp *InitializePasswordResetResponse)
}

func (p InitializePasswordResetMessage) Type() string { return "account.password_reset.initialize" }

// InitializePasswordResetResponse is identical for known and unknown
// emails. Issued is for internal callers and is never serialized.
type InitializePasswordResetResponse struct {
	Message string `json:"message"`
	Issued  bool   `json:"-"`
}

type InitializePasswordResetHandler struct {
	repo          RepositoryManager
	registry      *TokenRegistry
	notifier      Notifier
	ttl           time.Duration
	timeout       time.Duration
	notifyTimeout time.Duration
	activity      activityRecorder
	logger        Logger
}

// NewInitializePasswordResetHandler creates a handler with sane defaults.
func NewInitializePasswordResetHandler(repo RepositoryManager, registry *TokenRegistry) *InitializePasswordResetHandler {
	return &InitializePasswordResetHandler{
		repo:          repo,
		registry:      registry,
		notifier:      noopNotifier{},
		ttl:           DefaultResetCodeTTL,
		timeout:       DefaultOperationTimeout,
		notifyTimeout: 5 * time.Second,
		activity:      activityRecorder{sink: noopActivitySink{}, logger: defLogger{}},
		logger:        defLogger{},
	}
}

// WithNotifier sets the notifier used to deliver the code.
func (h *InitializePasswordResetHandler) WithNotifier(n Notifier) *InitializePasswordResetHandler {
	h.notifier = normalizeNotifier(n)
	return h
}

// WithTTL overrides the code lifetime.
func (h *InitializePasswordResetHandler) WithTTL(ttl time.Duration) *InitializePasswordResetHandler {
	if ttl > 0 {
		h.ttl = ttl
	}
	return h
}

// WithTimeout bounds the store work of a reset request.
func (h *InitializePasswordResetHandler) WithTimeout(timeout time.Duration) *InitializePasswordResetHandler {
	if timeout > 0 {
		h.timeout = timeout
	}
	return h
}

// WithNotifyTimeout bounds the notifier call.
func (h *InitializePasswordResetHandler) WithNotifyTimeout(timeout time.Duration) *InitializePasswordResetHandler {
	if timeout > 0 {
		h.notifyTimeout = timeout
	}
	return h
}

// WithActivitySink sets the sink used to emit password reset events.
func (h *InitializePasswordResetHandler) WithActivitySink(sink ActivitySink) *InitializePasswordResetHandler {
	h.activity.sink = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *InitializePasswordResetHandler) WithLogger(logger Logger) *InitializePasswordResetHandler {
	h.logger = normalizeLogger(logger)
	h.activity.logger = h.logger
	return h
}

func (h *InitializePasswordResetHandler) Execute(ctx context.Context, event InitializePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset initialization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *InitializePasswordResetHandler) execute(ctx context.Context, event InitializePasswordResetMessage) error {
	email := NormalizeEmail(event.Email)
	if err := ValidateEmail(email); err != nil {
		return validationError("invalid email", map[string]string{"email": err.Error()})
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp := &InitializePasswordResetResponse{Message: GenericAckMessage}

	account, err := h.repo.Accounts().AccountByEmail(ctx, email)
	if err != nil && !IsNotFound(err) {
		return err
	}

	if account != nil {
		issued, err := h.registry.Issue(ctx, account, PurposePasswordReset, h.ttl, nil)
		if err != nil {
			return err
		}
		resp.Issued = true

		h.activity.record(ctx, ActivityEvent{
			EventType: ActivityEventPasswordResetRequested,
			Actor:     ActorFromAccount(account).Ref(),
			AccountID: account.ID.String(),
		})

		h.notify(ctx, account, issued)
	} else {
		h.logger.Debug("password reset requested for unknown email")
	}

	if event.OnResponse != nil {
		event.OnResponse(resp)
	}
	return nil
}

// notify never fails the request; the code stays valid and the user can ask again.
func (h *InitializePasswordResetHandler) notify(ctx context.Context, account *Account, issued *IssuedToken) {
	ctx, cancel := context.WithTimeout(ctx, h.notifyTimeout)
	defer cancel()

	err := h.notifier.Notify(ctx, Notification{
		Kind:    NotificationPasswordReset,
		To:      account.Email,
		Subject: "Your password reset code",
		Body: fmt.Sprintf(
			"Use the code %s to reset your password. It expires at %s.",
			issued.Value,
			issued.Token.ExpiresAt.Format(time.RFC1123),
		),
		Code: issued.Value,
	})
	if err != nil {
		h.logger.Warn("password reset notification failed", "account_id", account.ID.String(), "error", err)
		h.activity.record(ctx, ActivityEvent{
			EventType: ActivityEventNotificationFailed,
			Actor:     ActorRef{Type: ActorTypeSystem},
			AccountID: account.ID.String(),
			Metadata:  map[string]any{"kind": string(NotificationPasswordReset)},
		})
	}
}
