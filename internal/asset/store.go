package asset

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/hauworth/mediamill/internal/database"
	"github.com/hauworth/mediamill/internal/media"
	"github.com/hauworth/mediamill/pkg/logger"
)

var (
	ErrAssetNotFound = errors.New("asset does not exist")

	log = logger.Get("AssetStore")
)

type (
	// Asset is the relational record for an uploaded media asset. The
	// pipeline only ever reads identity/location fields and overwrites the
	// derived metadata document; everything else belongs to the API layer.
	Asset struct {
		ID             string     `db:"id"`
		AccountID      string     `db:"account_id"`
		ProjectID      string     `db:"project_id"`
		StorageKey     string     `db:"storage_key"`
		MimeType       string     `db:"mime_type"`
		SourceFilename string     `db:"source_filename"`
		SizeBytes      int64      `db:"size_bytes"`
		CreatedAt      time.Time  `db:"created_at"`
		UpdatedAt      time.Time  `db:"updated_at"`
		DeletedAt      *time.Time `db:"deleted_at"`
	}

	assetModel struct {
		Asset
		Metadata database.JsonColumn[media.MediaMetadata] `db:"metadata"`
	}

	Store struct{}
)

func NewStore() *Store {
	return &Store{}
}

// UpdateAssetMetadata overwrites the derived metadata document for an
// asset. Overwrite semantics make re-runs of the metadata job (benign
// duplicates included) idempotent.
func (store *Store) UpdateAssetMetadata(db database.Queryable, assetID string, meta media.MediaMetadata) error {
	column := database.NewJsonColumn(&meta)
	result, err := db.NamedExec(
		`UPDATE assets SET metadata=:metadata, updated_at=current_timestamp WHERE id=:id`,
		map[string]interface{}{"id": assetID, "metadata": column},
	)
	if err != nil {
		return fmt.Errorf("failed to update metadata for asset %s: %w", assetID, err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrAssetNotFound
	}

	log.Debugf("Persisted derived metadata for asset %s\n", assetID)
	return nil
}

// Get fetches a single asset (soft-deleted included) by ID.
func (store *Store) Get(db database.Queryable, assetID string) (*Asset, media.MediaMetadata, error) {
	query, args, err := selectAssetBuilder().Where("assets.id=?", assetID).ToSql()
	if err != nil {
		return nil, media.MediaMetadata{}, fmt.Errorf("failed to construct select asset query: %w", err)
	}

	var model assetModel
	if err := db.Get(&model, db.Rebind(query), args...); err != nil {
		return nil, media.MediaMetadata{}, ErrAssetNotFound
	}

	meta := media.MediaMetadata{}
	if m := model.Metadata.Get(); m != nil {
		meta = *m
	}

	return &model.Asset, meta, nil
}

// ListExpiredDeleted returns every soft-deleted asset whose deletion
// timestamp precedes the cutoff; these are the purge candidates.
func (store *Store) ListExpiredDeleted(db database.Queryable, cutoff time.Time) ([]*Asset, error) {
	query, args, err := selectAssetBuilder().
		Where("assets.deleted_at IS NOT NULL").
		Where("assets.deleted_at < ?", cutoff).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct expired assets query: %w", err)
	}

	var models []assetModel
	if err := db.Select(&models, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list expired assets: %w", err)
	}

	assets := make([]*Asset, len(models))
	for i := range models {
		assets[i] = &models[i].Asset
	}

	return assets, nil
}

// DeleteRecord permanently removes an asset row. Only the maintenance
// purge path calls this; soft deletion is owned by the API layer.
func (store *Store) DeleteRecord(db database.Queryable, assetID string) error {
	if _, err := db.Exec(`DELETE FROM assets WHERE id=$1`, assetID); err != nil {
		return fmt.Errorf("failed to delete record of asset %s: %w", assetID, err)
	}

	return nil
}

// RecalculateStorageUsage rebuilds the per-account byte totals from the
// live (non-deleted) asset rows.
func (store *Store) RecalculateStorageUsage(db database.Queryable) error {
	_, err := db.Exec(`
		INSERT INTO account_storage_usage (account_id, total_bytes, recalculated_at)
		SELECT account_id, COALESCE(SUM(size_bytes), 0), current_timestamp
		FROM assets
		WHERE deleted_at IS NULL
		GROUP BY account_id
		ON CONFLICT (account_id)
		DO UPDATE SET total_bytes=EXCLUDED.total_bytes, recalculated_at=EXCLUDED.recalculated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to recalculate storage usage: %w", err)
	}

	return nil
}

func selectAssetBuilder() squirrel.SelectBuilder {
	return squirrel.
		Select(
			"assets.id", "assets.account_id", "assets.project_id", "assets.storage_key",
			"assets.mime_type", "assets.source_filename", "assets.size_bytes",
			"assets.metadata", "assets.created_at", "assets.updated_at", "assets.deleted_at",
		).
		From("assets")
}
