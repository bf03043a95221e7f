package handover

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// HandoverHistory is the append only store behind the history ledger.
type HandoverHistory interface {
	AppendTx(ctx context.Context, tx bun.IDB, entry *HandoverEntry) error
	Recent(ctx context.Context, limit int) ([]*HandoverEntry, error)
}

type handoverHistory struct {
	db *bun.DB
}

var _ HandoverHistory = (*handoverHistory)(nil)

// NewHandoverHistoryRepository returns the bun backed history store.
func NewHandoverHistoryRepository(db *bun.DB) HandoverHistory {
	return &handoverHistory{db: db}
}

func (r *handoverHistory) AppendTx(ctx context.Context, tx bun.IDB, entry *HandoverEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Seq == 0 {
		entry.Seq = entry.Timestamp.UnixNano()
	}
	if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
		return storageError(err, "failed to append handover history")
	}
	return nil
}

func (r *handoverHistory) Recent(ctx context.Context, limit int) ([]*HandoverEntry, error) {
	return withReadRetry(ctx, func() ([]*HandoverEntry, error) {
		entries := make([]*HandoverEntry, 0)
		err := r.db.NewSelect().
			Model(&entries).
			OrderExpr("?TableAlias.seq DESC, ?TableAlias.id DESC").
			Limit(limit).
			Scan(ctx)
		if err != nil {
			return nil, storageError(err, "failed to list handover history")
		}
		return entries, nil
	})
}
