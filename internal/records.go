package internal

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hauworth/mediamill/internal/asset"
	"github.com/hauworth/mediamill/internal/database"
	"github.com/hauworth/mediamill/internal/maintenance"
	"github.com/hauworth/mediamill/internal/media"
)

// assetRecords binds the asset store to the live database handle, giving
// the processor and maintenance service the narrow record interfaces they
// depend on.
type assetRecords struct {
	db    database.Manager
	store *asset.Store
}

func newAssetRecords(db database.Manager) *assetRecords {
	return &assetRecords{db: db, store: asset.NewStore()}
}

func (r *assetRecords) SaveMetadata(_ context.Context, assetID string, meta media.MediaMetadata) error {
	return r.store.UpdateAssetMetadata(r.db.GetSqlxDb(), assetID, meta)
}

func (r *assetRecords) ListExpiredDeleted(_ context.Context, cutoff time.Time) ([]maintenance.PurgeCandidate, error) {
	assets, err := r.store.ListExpiredDeleted(r.db.GetSqlxDb(), cutoff)
	if err != nil {
		return nil, err
	}

	candidates := make([]maintenance.PurgeCandidate, len(assets))
	for i, a := range assets {
		candidates[i] = maintenance.PurgeCandidate{AssetID: a.ID, StorageKey: a.StorageKey}
	}

	return candidates, nil
}

func (r *assetRecords) DeleteRecord(_ context.Context, assetID string) error {
	return r.db.WrapTx(func(tx *sqlx.Tx) error {
		return r.store.DeleteRecord(tx, assetID)
	})
}

func (r *assetRecords) RecalculateStorageUsage(_ context.Context) error {
	return r.store.RecalculateStorageUsage(r.db.GetSqlxDb())
}
