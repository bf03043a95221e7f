package handover

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

type FinalizePasswordResetMessage struct {
	Email    string `json:"email" example:"pepe.rone@example.com" doc:"Account email"`
	Code     string `json:"code" example:"04817263" doc:"Reset code sent by email"`
	Password string `json:"newPassword" example:"some_secret_word" doc:"New password"`
}

func (p FinalizePasswordResetMessage) Type() string { return "account.password_reset.finalize" }

type FinalizePasswordResetHandler struct {
	repo     RepositoryManager
	registry *TokenRegistry
	hasher   PasswordHasher
	timeout  time.Duration
	activity activityRecorder
	logger   Logger
}

// NewFinalizePasswordResetHandler creates a handler with sane defaults.
func NewFinalizePasswordResetHandler(repo RepositoryManager, registry *TokenRegistry, hasher PasswordHasher) *FinalizePasswordResetHandler {
	return &FinalizePasswordResetHandler{
		repo:     repo,
		registry: registry,
		hasher:   hasher,
		timeout:  DefaultOperationTimeout,
		activity: activityRecorder{sink: noopActivitySink{}, logger: defLogger{}},
		logger:   defLogger{},
	}
}

// WithTimeout bounds the reset transaction.
func (h *FinalizePasswordResetHandler) WithTimeout(timeout time.Duration) *FinalizePasswordResetHandler {
	if timeout > 0 {
		h.timeout = timeout
	}
	return h
}

// WithActivitySink sets the sink used to emit password reset events.
func (h *FinalizePasswordResetHandler) WithActivitySink(sink ActivitySink) *FinalizePasswordResetHandler {
	h.activity.sink = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *FinalizePasswordResetHandler) WithLogger(logger Logger) *FinalizePasswordResetHandler {
	h.logger = normalizeLogger(logger)
	h.activity.logger = h.logger
	return h
}

func (h *FinalizePasswordResetHandler) Execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset finalization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *FinalizePasswordResetHandler) execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	if err := ValidatePassword(event.Password); err != nil {
		return validationError("invalid new password", map[string]string{"newPassword": err.Error()})
	}

	digest, err := h.hasher.HashPassword(event.Password)
	if err != nil {
		return wrapError(ErrValidation, err, "invalid new password provided")
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	token, err := ConsumeAndApply(ctx, h.registry, event.Code, PurposePasswordReset,
		func(ctx context.Context, tx bun.Tx, token *ClaimToken) (*ClaimToken, error) {
			if err := h.repo.Accounts().ChangePasswordTx(ctx, tx, token.AccountID, digest); err != nil {
				if IsNotFound(err) {
					return nil, newError(ErrInvalidOrExpired, "")
				}
				return nil, err
			}
			return token, nil
		},
		ForSubject(event.Email),
	)
	if err != nil {
		return err
	}

	h.activity.record(ctx, ActivityEvent{
		EventType: ActivityEventPasswordResetSuccess,
		Actor:     ActorRef{ID: token.AccountID.String(), Type: "account"},
		AccountID: token.AccountID.String(),
	})
	h.logger.Info("password reset completed", "account_id", token.AccountID.String())

	return nil
}
