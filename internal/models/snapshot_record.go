package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: ARCHIVED SNAPSHOTS

Sessions keep their snapshots in memory only. When archiving is enabled the
gateway forwards every created snapshot to a worker pool which writes a
SnapshotRecord row, so checkpoints survive the session being swept.

Flow:
  Client sends create_snapshot → Session captures content → Broadcast
  → Archiver queue → Worker → INSERT snapshot_records
*/

// SnapshotRecord is the persisted form of a Snapshot
type SnapshotRecord struct {
	ID          string    `gorm:"type:varchar(40);primaryKey" json:"id"`
	DocumentID  string    `gorm:"type:varchar(255);not null;index:idx_snapshot_doc_time" json:"document_id"`
	AuthorID    string    `gorm:"type:varchar(64);not null" json:"author_id"`
	Content     any       `gorm:"type:jsonb;serializer:json" json:"content"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	ChangeCount int       `gorm:"not null" json:"change_count"`
	CreatedAt   time.Time `gorm:"index:idx_snapshot_doc_time" json:"created_at"`
}

// BeforeCreate fills in an id for records not minted by a session
func (s *SnapshotRecord) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (SnapshotRecord) TableName() string {
	return "snapshot_records"
}

// NewSnapshotRecord converts a session snapshot into its archived form.
func NewSnapshotRecord(documentID string, s *Snapshot) *SnapshotRecord {
	return &SnapshotRecord{
		ID:          s.ID,
		DocumentID:  documentID,
		AuthorID:    s.AuthorID,
		Content:     s.Content,
		Description: s.Description,
		ChangeCount: s.ChangeCount,
		CreatedAt:   s.CreatedAt,
	}
}
