package handover

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RegisterAccountMessage creates a new account. Role is only honored for
// trusted callers (CLI); self registration leaves it empty and the role is
// derived from FormerStudent.
type RegisterAccountMessage struct {
	Email         string      `json:"email"`
	Password      string      `json:"password"`
	FormerStudent bool        `json:"formerStudent"`
	ClassYear     *int        `json:"classYear,omitempty"`
	UIN           string      `json:"uin,omitempty"`
	PersonalEmail string      `json:"personalEmail,omitempty"`
	Role          AccountRole `json:"-"`
	// PasswordDigest skips hashing, used by roster imports.
	PasswordDigest string                 `json:"-"`
	UseHashid      bool                   `json:"-"`
	OnResponse     func(account *Account) `json:"-"`
}

func (e RegisterAccountMessage) Type() string { return "account.register" }

// Validate checks the message fields.
func (e RegisterAccountMessage) Validate() error {
	errs := validation.Errors{
		"email":         validation.Validate(NormalizeEmail(e.Email), emailRules...),
		"classYear":     validation.Validate(e.ClassYear, classYearRule),
		"personalEmail": validation.Validate(NormalizeEmail(e.PersonalEmail), is.Email),
	}
	if e.PasswordDigest == "" {
		errs["password"] = validation.Validate(e.Password, passwordRules...)
	}
	if uin := NormalizeUIN(e.UIN); uin != "" {
		errs["uin"] = validation.Validate(uin, uinRules...)
	}
	if e.FormerStudent && e.ClassYear == nil {
		errs["classYear"] = errors.New("is required for former students")
	}
	if e.Role != "" && !e.Role.IsValid() {
		errs["role"] = errors.New("is not a known role")
	}
	return errs.Filter()
}

// RegisterAccountHandler creates accounts enforcing email and UIN uniqueness.
type RegisterAccountHandler struct {
	repo    RepositoryManager
	hasher  PasswordHasher
	timeout time.Duration
	logger  Logger
}

// NewRegisterAccountHandler returns a handler bound to repo.
func NewRegisterAccountHandler(repo RepositoryManager, hasher PasswordHasher) *RegisterAccountHandler {
	return &RegisterAccountHandler{
		repo:    repo,
		hasher:  hasher,
		timeout: DefaultOperationTimeout,
		logger:  defLogger{},
	}
}

// WithLogger sets the logger.
func (h *RegisterAccountHandler) WithLogger(logger Logger) *RegisterAccountHandler {
	h.logger = normalizeLogger(logger)
	return h
}

// WithTimeout bounds the registration transaction.
func (h *RegisterAccountHandler) WithTimeout(timeout time.Duration) *RegisterAccountHandler {
	if timeout > 0 {
		h.timeout = timeout
	}
	return h
}

func (h *RegisterAccountHandler) Execute(ctx context.Context, event RegisterAccountMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during account registration",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterAccountHandler) execute(ctx context.Context, event RegisterAccountMessage) error {
	if err := event.Validate(); err != nil {
		return toValidationError(err, "invalid registration")
	}

	digest := event.PasswordDigest
	if digest == "" {
		var err error
		if digest, err = h.hasher.HashPassword(event.Password); err != nil {
			return wrapError(ErrValidation, err, "invalid password provided")
		}
	}

	role := event.Role
	if role == "" {
		role = SignupRole(event.FormerStudent)
	}

	account := &Account{
		Email:          NormalizeEmail(event.Email),
		PasswordDigest: digest,
		Role:           role,
		ClassYear:      event.ClassYear,
		Status:         AccountStatusActive,
	}
	if uin := NormalizeUIN(event.UIN); uin != "" {
		account.UIN = &uin
	}
	if pe := NormalizeEmail(event.PersonalEmail); pe != "" {
		account.PersonalEmail = &pe
	}
	if event.UseHashid {
		if id, err := hashid.NewUUID(account.Email); err == nil {
			account.ID = id
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		taken, err := h.repo.Accounts().EmailTakenTx(ctx, tx, account.Email, uuid.Nil)
		if err != nil {
			return err
		}
		if taken {
			return newError(ErrConflict, "email already registered")
		}

		if account.UIN != nil {
			if _, err := h.repo.Accounts().AccountByUINTx(ctx, tx, *account.UIN); err == nil {
				return newError(ErrConflict, "uin already linked to an account")
			} else if !IsNotFound(err) {
				return err
			}
		}

		if account.PersonalEmail != nil {
			taken, err := h.repo.Accounts().EmailTakenTx(ctx, tx, *account.PersonalEmail, uuid.Nil)
			if err != nil {
				return err
			}
			if taken {
				return newError(ErrConflict, "personal email already registered")
			}
		}

		created, err := h.repo.Accounts().RegisterTx(ctx, tx, account)
		if err != nil {
			return err
		}
		account = created
		return nil
	})
	if err != nil {
		return finalizeError(err, "account registration transaction failed")
	}

	h.logger.Info("account registered", "account_id", account.ID.String(), "role", string(account.Role))
	if event.OnResponse != nil {
		event.OnResponse(account)
	}
	return nil
}
