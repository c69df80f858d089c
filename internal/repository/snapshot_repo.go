package repository

import (
	"context"
	"errors"
	"fmt"

	"pagecollab/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: SNAPSHOT ARCHIVE

Snapshots live in the session while it is active. The archive keeps them
after the session is swept, so a document's checkpoints can still be listed.

Query patterns:
- Save:           one INSERT per snapshot (idempotent on id)
- ListByDocument: newest first, served by idx_snapshot_doc_time
- GetByID:        single checkpoint lookup
*/

// ErrSnapshotNotFound is returned by GetByID for unknown ids
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotRepositoryImpl handles archived snapshot storage
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// Save stores a snapshot. Saving the same id twice keeps the first copy.
func (r *SnapshotRepositoryImpl) Save(ctx context.Context, record *models.SnapshotRecord) error {
	var existing int64
	if err := r.db.WithContext(ctx).
		Model(&models.SnapshotRecord{}).
		Where("id = ?", record.ID).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("failed to check snapshot %s: %w", record.ID, err)
	}
	if existing > 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// ListByDocument returns up to limit snapshots of a document, newest first.
// A non-positive limit returns all of them.
func (r *SnapshotRepositoryImpl) ListByDocument(ctx context.Context, documentID string, limit int) ([]*models.SnapshotRecord, error) {
	var records []*models.SnapshotRecord

	query := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return records, nil
}

// GetByID retrieves one archived snapshot
func (r *SnapshotRepositoryImpl) GetByID(ctx context.Context, id string) (*models.SnapshotRecord, error) {
	var record models.SnapshotRecord

	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("snapshot %s: %w", id, ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &record, nil
}
