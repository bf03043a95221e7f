package handover

import (
	"context"

	"github.com/uptrace/bun"
)

const (
	// DefaultHistoryLimit is used when List is called without a limit.
	DefaultHistoryLimit = 100
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 500
)

// Ledger is the append only record of completed handovers.
type Ledger struct {
	repo   RepositoryManager
	logger Logger
}

// NewLedger returns a ledger over repo.
func NewLedger(repo RepositoryManager) *Ledger {
	return &Ledger{repo: repo, logger: defLogger{}}
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger Logger) *Ledger {
	l.logger = normalizeLogger(logger)
	return l
}

// Append writes entry inside tx. Failures are storage failures and are
// surfaced as is.
func (l *Ledger) Append(ctx context.Context, tx bun.IDB, entry *HandoverEntry) error {
	if entry == nil {
		return newError(ErrValidation, "history entry is required")
	}
	if err := l.repo.History().AppendTx(ctx, tx, entry); err != nil {
		l.logger.Error("failed to append handover history", "account_id", entry.AccountID.String(), "error", err)
		return err
	}
	return nil
}

// List returns the newest entries first. Only admins may read the ledger.
func (l *Ledger) List(ctx context.Context, actor *Actor, limit int) ([]*HandoverEntry, error) {
	if actor == nil {
		return nil, newError(ErrForbidden, "authentication required")
	}
	if !actor.IsAdmin() {
		return nil, newError(ErrForbidden, "admin role required", map[string]any{"role": string(actor.Role)})
	}

	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	return l.repo.History().Recent(ctx, limit)
}
