package handover

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SignupRequest is the input of Authenticator.Signup.
type SignupRequest struct {
	Email         string
	Password      string
	FormerStudent bool
	ClassYear     *int
	UIN           string
}

// Session is an issued access token and the account it is bound to.
type Session struct {
	Account     *Account  `json:"account"`
	AccessToken string    `json:"accessToken" mask:"filled32"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Authenticator is the session issuer: signup, signin and token verification.
type Authenticator struct {
	repo     RepositoryManager
	tokens   TokenService
	hasher   PasswordHasher
	register *RegisterAccountHandler
	activity activityRecorder
	logger   Logger
	timeout  time.Duration

	dummyOnce   sync.Once
	dummyDigest string
}

// NewAuthenticator returns an Authenticator.
func NewAuthenticator(repo RepositoryManager, tokens TokenService, hasher PasswordHasher) *Authenticator {
	return &Authenticator{
		repo:     repo,
		tokens:   tokens,
		hasher:   hasher,
		register: NewRegisterAccountHandler(repo, hasher),
		activity: activityRecorder{sink: noopActivitySink{}, logger: defLogger{}},
		logger:   defLogger{},
		timeout:  DefaultOperationTimeout,
	}
}

// WithLogger sets the logger.
func (a *Authenticator) WithLogger(logger Logger) *Authenticator {
	a.logger = normalizeLogger(logger)
	a.activity.logger = a.logger
	a.register.WithLogger(a.logger)
	return a
}

// WithActivitySink sets the sink that receives auth events.
func (a *Authenticator) WithActivitySink(sink ActivitySink) *Authenticator {
	a.activity.sink = normalizeActivitySink(sink)
	return a
}

// WithTimeout bounds every store call made by the authenticator.
func (a *Authenticator) WithTimeout(timeout time.Duration) *Authenticator {
	if timeout > 0 {
		a.timeout = timeout
		a.register.WithTimeout(timeout)
	}
	return a
}

// Signup registers an account and signs it in.
func (a *Authenticator) Signup(ctx context.Context, req SignupRequest) (*Session, error) {
	var created *Account
	err := a.register.Execute(ctx, RegisterAccountMessage{
		Email:         req.Email,
		Password:      req.Password,
		FormerStudent: req.FormerStudent,
		ClassYear:     req.ClassYear,
		UIN:           req.UIN,
		OnResponse: func(account *Account) {
			created = account
		},
	})
	if err != nil {
		return nil, err
	}

	a.activity.record(ctx, ActivityEvent{
		EventType: ActivityEventSignup,
		Actor:     ActorFromAccount(created).Ref(),
		AccountID: created.ID.String(),
		Metadata: map[string]any{
			"role":           string(created.Role),
			"former_student": req.FormerStudent,
		},
	})

	return a.IssueSession(created)
}

// Signin checks the credentials. Unknown email and wrong password produce
// the same error and cost the same digest comparison.
func (a *Authenticator) Signin(ctx context.Context, email, password string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	email = NormalizeEmail(email)
	account, err := a.repo.Accounts().AccountByEmail(ctx, email)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}

	if account == nil {
		_ = a.hasher.ComparePasswordAndHash(password, a.fallbackDigest())
		a.activity.record(ctx, ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Actor:     ActorRef{Type: ActorTypeAnonymous},
			Metadata:  map[string]any{"reason": "unknown_account"},
		})
		return nil, newError(ErrUnauthorized, "")
	}

	if err := a.hasher.ComparePasswordAndHash(password, account.PasswordDigest); err != nil {
		a.activity.record(ctx, ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Actor:     ActorFromAccount(account).Ref(),
			AccountID: account.ID.String(),
			Metadata:  map[string]any{"reason": "password_mismatch"},
		})
		return nil, newError(ErrUnauthorized, "")
	}

	a.activity.record(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Actor:     ActorFromAccount(account).Ref(),
		AccountID: account.ID.String(),
	})

	return a.IssueSession(account)
}

// Verify resolves an access token to the current identity of its account.
func (a *Authenticator) Verify(ctx context.Context, accessToken string) (*Actor, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, newError(ErrUnauthorized, "missing access token")
	}

	claims, err := a.tokens.Validate(accessToken)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(claims.UserID())
	if err != nil {
		return nil, wrapError(ErrUnauthorized, err, "invalid access token")
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	account, err := a.repo.Accounts().AccountByID(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, newError(ErrUnauthorized, "invalid access token")
		}
		return nil, err
	}

	return ActorFromAccount(account), nil
}

// IssueSession mints an access token for account.
func (a *Authenticator) IssueSession(account *Account) (*Session, error) {
	token, expiresAt, err := a.tokens.Generate(account)
	if err != nil {
		return nil, err
	}
	return &Session{
		Account:     account,
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	}, nil
}

func (a *Authenticator) fallbackDigest() string {
	a.dummyOnce.Do(func() {
		digest, err := UnusablePasswordDigest(a.hasher)
		if err != nil {
			a.logger.Error("failed to prepare fallback digest", "error", err)
			return
		}
		a.dummyDigest = digest
	})
	return a.dummyDigest
}
