package handover

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Accounts() Accounts
	ClaimTokens() ClaimTokens
	History() HandoverHistory
}

type mngr struct {
	db          *bun.DB
	accounts    Accounts
	claimTokens ClaimTokens
	history     HandoverHistory
}

// NewRepositoryManager wires the bun repositories around db.
func NewRepositoryManager(db *bun.DB, opts ...AccountsOption) RepositoryManager {
	return &mngr{
		db:          db,
		accounts:    NewAccountsRepository(db, opts...),
		claimTokens: NewClaimTokensRepository(db),
		history:     NewHandoverHistoryRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.db == nil {
		return errors.New("database should be initialized")
	}

	if m.accounts == nil {
		return errors.New("repository accounts should be initialized")
	}

	if m.claimTokens == nil {
		return errors.New("repository claimTokens should be initialized")
	}

	if m.history == nil {
		return errors.New("repository history should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return storageError(ctx.Err(), "context done before transaction")
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Accounts() Accounts {
	return m.accounts
}

func (m mngr) ClaimTokens() ClaimTokens {
	return m.claimTokens
}

func (m mngr) History() HandoverHistory {
	return m.history
}

const readRetryDelay = 50 * time.Millisecond

// withReadRetry retries an idempotent lookup once when it fails with a
// Transient error. Lookup misses and other kinds are returned as is.
func withReadRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	out, err := fn()
	if err == nil || !IsTransient(err) || ctx.Err() != nil {
		return out, err
	}

	timer := time.NewTimer(readRetryDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return out, err
	case <-timer.C:
	}
	return fn()
}
