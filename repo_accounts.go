package handover

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ProfileUpdate holds the only fields an account holder may change on their
// own profile. Nil fields are left untouched; an empty LinkedInURL clears it.
type ProfileUpdate struct {
	ClassYear   *int
	LinkedInURL *string
}

// IsEmpty reports whether the update changes nothing.
func (p ProfileUpdate) IsEmpty() bool {
	return p.ClassYear == nil && p.LinkedInURL == nil
}

// HandoverChange is applied to an account when it becomes personal.
type HandoverChange struct {
	Email          string
	PersonalEmail  string
	ClassYear      *int
	Role           AccountRole
	PasswordDigest string
	HandedOverAt   time.Time
}

// Accounts is the credential store.
type Accounts interface {
	Register(ctx context.Context, record *Account) (*Account, error)
	RegisterTx(ctx context.Context, tx bun.IDB, record *Account) (*Account, error)

	AccountByID(ctx context.Context, id uuid.UUID) (*Account, error)
	AccountByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error)
	AccountByEmail(ctx context.Context, email string) (*Account, error)
	AccountByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Account, error)
	AccountByUIN(ctx context.Context, uin string) (*Account, error)
	AccountByUINTx(ctx context.Context, tx bun.IDB, uin string) (*Account, error)
	ClaimableAccount(ctx context.Context, email string) (*Account, error)
	GraduatingAccounts(ctx context.Context, year int) ([]*Account, error)
	EmailTakenTx(ctx context.Context, tx bun.IDB, email string, exceptID uuid.UUID) (bool, error)

	UpdateProfile(ctx context.Context, id uuid.UUID, update ProfileUpdate) (*Account, error)
	ChangePassword(ctx context.Context, id uuid.UUID, digest string) error
	ChangePasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, digest string) error
	MarkPendingHandoverTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
	CompleteHandoverTx(ctx context.Context, tx bun.IDB, id uuid.UUID, expectedUIN string, change HandoverChange) (*Account, error)
	Remove(ctx context.Context, id uuid.UUID) error
}

type accounts struct {
	repo repository.Repository[*Account]
	db   *bun.DB
	now  Clock
}

var _ Accounts = (*accounts)(nil)

// AccountsOption customizes the accounts repository.
type AccountsOption func(*accounts)

// WithAccountsClock injects the clock used for timestamps.
func WithAccountsClock(clock Clock) AccountsOption {
	return func(a *accounts) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewAccountsRepository returns the bun backed credential store.
func NewAccountsRepository(db *bun.DB, opts ...AccountsOption) Accounts {
	repo := repository.NewRepository[*Account](db, repository.ModelHandlers[*Account]{
		NewRecord: func() *Account { return &Account{} },
		GetID: func(a *Account) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *Account, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	out := &accounts{
		repo: repo,
		db:   db,
		now:  utcNow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(out)
		}
	}
	return out
}

func (a *accounts) Register(ctx context.Context, record *Account) (*Account, error) {
	return a.RegisterTx(ctx, a.db, record)
}

func (a *accounts) RegisterTx(ctx context.Context, tx bun.IDB, record *Account) (*Account, error) {
	if record == nil {
		return nil, newError(ErrValidation, "account is required")
	}
	a.prepareDefaults(record)

	created, err := a.repo.CreateTx(ctx, tx, record)
	if err != nil {
		return nil, storageError(err, "failed to create account", map[string]any{"email": record.Email})
	}
	return created, nil
}

func (a *accounts) prepareDefaults(record *Account) {
	record.Email = NormalizeEmail(record.Email)
	if record.PersonalEmail != nil {
		pe := NormalizeEmail(*record.PersonalEmail)
		record.PersonalEmail = &pe
		if pe == "" {
			record.PersonalEmail = nil
		}
	}
	if record.UIN != nil {
		uin := NormalizeUIN(*record.UIN)
		record.UIN = &uin
		if uin == "" {
			record.UIN = nil
		}
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	if record.Role == "" {
		record.Role = RoleStudent
	}
	if record.Status == "" {
		record.Status = AccountStatusActive
	}

	now := a.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
}

func (a *accounts) AccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return withReadRetry(ctx, func() (*Account, error) {
		return a.AccountByIDTx(ctx, a.db, id)
	})
}

func (a *accounts) AccountByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error) {
	record := &Account{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storageError(err, "account not found", map[string]any{"id": id.String()})
	}
	return record, nil
}

func (a *accounts) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	return withReadRetry(ctx, func() (*Account, error) {
		return a.AccountByEmailTx(ctx, a.db, email)
	})
}

func (a *accounts) AccountByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Account, error) {
	record := &Account{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.email = ?", NormalizeEmail(email)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storageError(err, "account not found")
	}
	return record, nil
}

func (a *accounts) AccountByUIN(ctx context.Context, uin string) (*Account, error) {
	return withReadRetry(ctx, func() (*Account, error) {
		return a.AccountByUINTx(ctx, a.db, uin)
	})
}

func (a *accounts) AccountByUINTx(ctx context.Context, tx bun.IDB, uin string) (*Account, error) {
	record := &Account{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.uin = ?", NormalizeUIN(uin)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storageError(err, "no account for uin", map[string]any{"uin": NormalizeUIN(uin)})
	}
	return record, nil
}

// ClaimableAccount matches the primary email first, then the personal email
// recorded for the account.
func (a *accounts) ClaimableAccount(ctx context.Context, email string) (*Account, error) {
	email = NormalizeEmail(email)
	return withReadRetry(ctx, func() (*Account, error) {
		record := &Account{}
		err := a.db.NewSelect().
			Model(record).
			Where("?TableAlias.email = ? OR ?TableAlias.personal_email = ?", email, email).
			OrderExpr("CASE WHEN ?TableAlias.email = ? THEN 0 ELSE 1 END", email).
			Limit(1).
			Scan(ctx)
		if err != nil {
			return nil, storageError(err, "account not found")
		}
		return record, nil
	})
}

func (a *accounts) GraduatingAccounts(ctx context.Context, year int) ([]*Account, error) {
	return withReadRetry(ctx, func() ([]*Account, error) {
		var records []*Account
		err := a.db.NewSelect().
			Model(&records).
			Where("?TableAlias.uin IS NOT NULL").
			Where("?TableAlias.status IN (?)", bun.In([]AccountStatus{AccountStatusActive, AccountStatusPendingHandover})).
			Where("?TableAlias.class_year IS NOT NULL").
			Where("?TableAlias.class_year <= ?", year).
			OrderExpr("?TableAlias.class_year ASC, ?TableAlias.email ASC").
			Scan(ctx)
		if err != nil {
			return nil, storageError(err, "failed to list graduating accounts")
		}
		return records, nil
	})
}

func (a *accounts) EmailTakenTx(ctx context.Context, tx bun.IDB, email string, exceptID uuid.UUID) (bool, error) {
	email = NormalizeEmail(email)
	q := tx.NewSelect().
		Model((*Account)(nil)).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.email = ?", email).
				WhereOr("?TableAlias.personal_email = ?", email)
		})
	if exceptID != uuid.Nil {
		q = q.Where("?TableAlias.id != ?", exceptID.String())
	}
	exists, err := q.Exists(ctx)
	if err != nil {
		return false, storageError(err, "failed to check email")
	}
	return exists, nil
}

// UpdateProfile applies the update in a single statement so readers never
// observe half of it.
func (a *accounts) UpdateProfile(ctx context.Context, id uuid.UUID, update ProfileUpdate) (*Account, error) {
	var out *Account
	err := a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if !update.IsEmpty() {
			q := tx.NewUpdate().
				Model((*Account)(nil)).
				Set("updated_at = ?", a.now()).
				Where("id = ?", id.String())

			if update.ClassYear != nil {
				q = q.Set("class_year = ?", *update.ClassYear)
			}
			if update.LinkedInURL != nil {
				if *update.LinkedInURL == "" {
					q = q.Set("linkedin_url = NULL")
				} else {
					q = q.Set("linkedin_url = ?", *update.LinkedInURL)
				}
			}

			res, err := q.Exec(ctx)
			if err != nil {
				return storageError(err, "failed to update profile")
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return newError(ErrNotFound, "account not found")
			}
		}

		record, err := a.AccountByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out = record
		return nil
	})
	if err != nil {
		return nil, finalizeError(err, "failed to update profile")
	}
	return out, nil
}

func (a *accounts) ChangePassword(ctx context.Context, id uuid.UUID, digest string) error {
	return a.ChangePasswordTx(ctx, a.db, id, digest)
}

func (a *accounts) ChangePasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, digest string) error {
	if digest == "" {
		return newError(ErrValidation, "password digest is required")
	}
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("password_digest = ?", digest).
		Set("updated_at = ?", a.now()).
		Where("id = ?", id.String()).
		Exec(ctx)
	if err != nil {
		return storageError(err, "failed to change password")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(ErrNotFound, "account not found", map[string]any{"id": id.String()})
	}
	return nil
}

func (a *accounts) MarkPendingHandoverTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("status = ?", AccountStatusPendingHandover).
		Set("updated_at = ?", a.now()).
		Where("id = ?", id.String()).
		Where("uin IS NOT NULL").
		Exec(ctx)
	if err != nil {
		return storageError(err, "failed to mark handover pending")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(ErrConflict, "account is not institutional", map[string]any{"id": id.String()})
	}
	return nil
}

// CompleteHandoverTx moves the account to its personal identity. The update
// only applies while the account still holds expectedUIN, so two racing
// handovers cannot both succeed.
func (a *accounts) CompleteHandoverTx(ctx context.Context, tx bun.IDB, id uuid.UUID, expectedUIN string, change HandoverChange) (*Account, error) {
	handedOverAt := change.HandedOverAt
	if handedOverAt.IsZero() {
		handedOverAt = a.now()
	}

	q := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("email = ?", NormalizeEmail(change.Email)).
		Set("personal_email = ?", NormalizeEmail(change.PersonalEmail)).
		Set("uin = NULL").
		Set("role = ?", change.Role).
		Set("status = ?", AccountStatusActive).
		Set("handed_over_at = ?", handedOverAt).
		Set("updated_at = ?", handedOverAt).
		Where("id = ?", id.String()).
		Where("uin = ?", expectedUIN)

	if change.ClassYear != nil {
		q = q.Set("class_year = ?", *change.ClassYear)
	}
	if change.PasswordDigest != "" {
		q = q.Set("password_digest = ?", change.PasswordDigest)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return nil, storageError(err, "failed to complete handover")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, newError(ErrConflict, "account was already handed over", map[string]any{"id": id.String()})
	}

	return a.AccountByIDTx(ctx, tx, id)
}

func (a *accounts) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := a.db.NewDelete().
		Model((*Account)(nil)).
		Where("id = ?", id.String()).
		Exec(ctx)
	if err != nil {
		return storageError(err, "failed to delete account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(ErrNotFound, "account not found", map[string]any{"id": id.String()})
	}
	return nil
}
