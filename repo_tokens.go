package handover

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ClaimTokens persists reset codes and claim links by digest.
type ClaimTokens interface {
	InsertTx(ctx context.Context, tx bun.IDB, record *ClaimToken) error
	TokenByHash(ctx context.Context, hash string) (*ClaimToken, error)
	TokenByHashTx(ctx context.Context, tx bun.IDB, hash string) (*ClaimToken, error)
	MarkConsumedTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error)
	SupersedeTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID, purpose TokenPurpose, at time.Time) (int64, error)
	OpenTokens(ctx context.Context, accountID uuid.UUID, purpose TokenPurpose) ([]*ClaimToken, error)
}

type claimTokens struct {
	db *bun.DB
}

var _ ClaimTokens = (*claimTokens)(nil)

// NewClaimTokensRepository returns the bun backed token store.
func NewClaimTokensRepository(db *bun.DB) ClaimTokens {
	return &claimTokens{db: db}
}

func (r *claimTokens) InsertTx(ctx context.Context, tx bun.IDB, record *ClaimToken) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return storageError(err, "failed to store token")
	}
	return nil
}

func (r *claimTokens) TokenByHash(ctx context.Context, hash string) (*ClaimToken, error) {
	return withReadRetry(ctx, func() (*ClaimToken, error) {
		return r.TokenByHashTx(ctx, r.db, hash)
	})
}

func (r *claimTokens) TokenByHashTx(ctx context.Context, tx bun.IDB, hash string) (*ClaimToken, error) {
	record := &ClaimToken{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.token_hash = ?", hash).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storageError(err, "token not found")
	}
	return record, nil
}

// MarkConsumedTx is the compare and set on a live token row. It reports
// false when another caller consumed or superseded the token first.
func (r *claimTokens) MarkConsumedTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*ClaimToken)(nil)).
		Set("consumed_at = ?", at).
		Where("id = ?", id.String()).
		Where("consumed_at IS NULL").
		Where("superseded_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, storageError(err, "failed to consume token")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageError(err, "failed to consume token")
	}
	return n == 1, nil
}

// SupersedeTx invalidates every live token of purpose for the account.
func (r *claimTokens) SupersedeTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID, purpose TokenPurpose, at time.Time) (int64, error) {
	res, err := tx.NewUpdate().
		Model((*ClaimToken)(nil)).
		Set("superseded_at = ?", at).
		Where("account_id = ?", accountID.String()).
		Where("purpose = ?", purpose).
		Where("consumed_at IS NULL").
		Where("superseded_at IS NULL").
		Exec(ctx)
	if err != nil {
		return 0, storageError(err, "failed to supersede tokens")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OpenTokens lists tokens of purpose for the account that were neither
// consumed nor superseded. Expiry is left to the caller.
func (r *claimTokens) OpenTokens(ctx context.Context, accountID uuid.UUID, purpose TokenPurpose) ([]*ClaimToken, error) {
	return withReadRetry(ctx, func() ([]*ClaimToken, error) {
		var records []*ClaimToken
		err := r.db.NewSelect().
			Model(&records).
			Where("?TableAlias.account_id = ?", accountID.String()).
			Where("?TableAlias.purpose = ?", purpose).
			Where("?TableAlias.consumed_at IS NULL").
			Where("?TableAlias.superseded_at IS NULL").
			Scan(ctx)
		if err != nil {
			return nil, storageError(err, "failed to list tokens")
		}
		return records, nil
	})
}
