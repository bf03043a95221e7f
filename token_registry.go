package handover

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	// ClaimTokenBytes is the entropy of a graduation claim link.
	ClaimTokenBytes = 32
	// ResetCodeDigits is the length of a password reset code.
	ResetCodeDigits = 8

	maxIssueAttempts = 4
)

// IssuedToken is returned once at issuance. Value is the only copy of the
// raw token and is never persisted.
type IssuedToken struct {
	Value string
	Token *ClaimToken
}

type lookupOptions struct {
	subject string
}

// LookupOption customizes how a raw token value is resolved.
type LookupOption func(*lookupOptions)

// ForSubject binds the lookup to an account email. Reset codes are short and
// only resolve together with the email they were sent to.
func ForSubject(email string) LookupOption {
	return func(o *lookupOptions) {
		o.subject = NormalizeEmail(email)
	}
}

// TokenEffect is the state change authorized by a token. It runs inside the
// transaction that consumes the token; returning an error rolls both back.
type TokenEffect[R any] func(ctx context.Context, tx bun.Tx, token *ClaimToken) (R, error)

// TokenRegistry issues, inspects and consumes single use tokens.
type TokenRegistry struct {
	repo   RepositoryManager
	now    Clock
	random io.Reader
	logger Logger
}

// NewTokenRegistry returns a registry backed by repo.
func NewTokenRegistry(repo RepositoryManager) *TokenRegistry {
	return &TokenRegistry{
		repo:   repo,
		now:    utcNow,
		random: rand.Reader,
		logger: defLogger{},
	}
}

// WithClock injects the clock used for issuance and expiry checks.
func (r *TokenRegistry) WithClock(clock Clock) *TokenRegistry {
	if clock != nil {
		r.now = clock
	}
	return r
}

// WithRandom overrides the source of token entropy.
func (r *TokenRegistry) WithRandom(random io.Reader) *TokenRegistry {
	if random != nil {
		r.random = random
	}
	return r
}

// WithLogger sets the logger.
func (r *TokenRegistry) WithLogger(logger Logger) *TokenRegistry {
	r.logger = normalizeLogger(logger)
	return r
}

// Issue creates a token for the account in its own transaction.
func (r *TokenRegistry) Issue(ctx context.Context, account *Account, purpose TokenPurpose, ttl time.Duration, metadata map[string]string) (*IssuedToken, error) {
	var issued *IssuedToken
	err := r.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		issued, err = r.IssueTx(ctx, tx, account, purpose, ttl, metadata)
		return err
	})
	if err != nil {
		return nil, finalizeError(err, "failed to issue token")
	}
	return issued, nil
}

// IssueTx supersedes every live token of purpose for the account and stores
// a new one. At most one token per account and purpose is live afterwards.
func (r *TokenRegistry) IssueTx(ctx context.Context, tx bun.IDB, account *Account, purpose TokenPurpose, ttl time.Duration, metadata map[string]string) (*IssuedToken, error) {
	if account == nil || account.ID == uuid.Nil {
		return nil, newError(ErrValidation, "token subject is required")
	}
	if !purpose.IsValid() {
		return nil, newError(ErrValidation, "unknown token purpose", map[string]any{"purpose": purpose})
	}
	if ttl <= 0 {
		return nil, newError(ErrValidation, "token ttl must be positive")
	}

	now := r.now()
	if _, err := r.repo.ClaimTokens().SupersedeTx(ctx, tx, account.ID, purpose, now); err != nil {
		return nil, err
	}

	subject := NormalizeEmail(account.Email)
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		value, err := r.generate(purpose)
		if err != nil {
			return nil, wrapError(ErrTransient, err, "failed to generate token")
		}
		hash := tokenDigest(purpose, subject, value)

		// Reset codes are short enough for a digest to repeat.
		if _, err := r.repo.ClaimTokens().TokenByHashTx(ctx, tx, hash); err == nil {
			continue
		} else if !IsNotFound(err) {
			return nil, err
		}

		record := &ClaimToken{
			ID:           uuid.New(),
			TokenHash:    hash,
			Purpose:      purpose,
			AccountID:    account.ID,
			SubjectEmail: subject,
			Metadata:     copyMetadata(metadata),
			IssuedAt:     now,
			ExpiresAt:    now.Add(ttl),
		}
		if err := r.repo.ClaimTokens().InsertTx(ctx, tx, record); err != nil {
			return nil, err
		}

		r.logger.Debug("token issued", "purpose", string(purpose), "account_id", account.ID.String(), "expires_at", record.ExpiresAt)
		return &IssuedToken{Value: value, Token: record}, nil
	}

	return nil, newError(ErrTransient, "unable to generate a unique token")
}

// Peek resolves a live token without consuming it.
func (r *TokenRegistry) Peek(ctx context.Context, value string, purpose TokenPurpose, opts ...LookupOption) (*ClaimToken, error) {
	hash, ok := r.lookupHash(value, purpose, opts...)
	if !ok {
		return nil, newError(ErrInvalidOrExpired, "")
	}

	token, err := r.repo.ClaimTokens().TokenByHash(ctx, hash)
	if err != nil {
		if IsNotFound(err) {
			return nil, newError(ErrInvalidOrExpired, "")
		}
		return nil, err
	}

	if token.Purpose != purpose || !token.IsLive(r.now()) {
		return nil, newError(ErrInvalidOrExpired, "")
	}
	return token, nil
}

// HasLive reports whether the account holds a token of purpose that can
// still be consumed.
func (r *TokenRegistry) HasLive(ctx context.Context, accountID uuid.UUID, purpose TokenPurpose) (bool, error) {
	tokens, err := r.repo.ClaimTokens().OpenTokens(ctx, accountID, purpose)
	if err != nil {
		return false, err
	}
	now := r.now()
	for _, token := range tokens {
		if token.IsLive(now) {
			return true, nil
		}
	}
	return false, nil
}

// Revoke supersedes live tokens of purpose for the account.
func (r *TokenRegistry) Revoke(ctx context.Context, accountID uuid.UUID, purpose TokenPurpose) error {
	return r.RevokeTx(ctx, nil, accountID, purpose)
}

// RevokeTx supersedes live tokens inside tx, or in a new statement when tx is nil.
func (r *TokenRegistry) RevokeTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID, purpose TokenPurpose) error {
	if tx == nil {
		return r.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			_, err := r.repo.ClaimTokens().SupersedeTx(ctx, tx, accountID, purpose, r.now())
			return err
		})
	}
	_, err := r.repo.ClaimTokens().SupersedeTx(ctx, tx, accountID, purpose, r.now())
	return err
}

// ConsumeAndApply consumes the token and runs effect in one transaction.
// The token is marked consumed only if effect succeeds; two concurrent
// callers on the same value yield exactly one success.
func ConsumeAndApply[R any](ctx context.Context, r *TokenRegistry, value string, purpose TokenPurpose, effect TokenEffect[R], opts ...LookupOption) (R, error) {
	var out R

	hash, ok := r.lookupHash(value, purpose, opts...)
	if !ok {
		return out, newError(ErrInvalidOrExpired, "")
	}

	err := r.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		token, err := r.repo.ClaimTokens().TokenByHashTx(ctx, tx, hash)
		if err != nil {
			if IsNotFound(err) {
				return newError(ErrInvalidOrExpired, "")
			}
			return err
		}

		now := r.now()
		if token.Purpose != purpose || !token.IsLive(now) {
			return newError(ErrInvalidOrExpired, "")
		}

		consumed, err := r.repo.ClaimTokens().MarkConsumedTx(ctx, tx, token.ID, now)
		if err != nil {
			return err
		}
		if !consumed {
			return newError(ErrInvalidOrExpired, "")
		}
		token.ConsumedAt = &now

		if effect == nil {
			return nil
		}
		res, err := effect(ctx, tx, token)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		var zero R
		return zero, finalizeError(err, "failed to consume token")
	}

	r.logger.Debug("token consumed", "purpose", string(purpose))
	return out, nil
}

func (r *TokenRegistry) lookupHash(value string, purpose TokenPurpose, opts ...LookupOption) (string, bool) {
	if value == "" || !purpose.IsValid() {
		return "", false
	}
	options := lookupOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if purpose == PurposePasswordReset && options.subject == "" {
		return "", false
	}
	return tokenDigest(purpose, options.subject, value), true
}

func (r *TokenRegistry) generate(purpose TokenPurpose) (string, error) {
	if purpose == PurposePasswordReset {
		limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(ResetCodeDigits), nil)
		n, err := rand.Int(r.random, limit)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%0*d", ResetCodeDigits, n), nil
	}

	buf := make([]byte, ClaimTokenBytes)
	if _, err := io.ReadFull(r.random, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// tokenDigest is the at rest form of a token. Claim links are self
// identifying; reset codes are bound to their subject.
func tokenDigest(purpose TokenPurpose, subject, value string) string {
	h := sha256.New()
	h.Write([]byte(purpose))
	h.Write([]byte{0})
	if purpose == PurposePasswordReset {
		h.Write([]byte(subject))
		h.Write([]byte{0})
	}
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
