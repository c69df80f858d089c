package api

import (
	"context"

	"pagecollab/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package is the CONSUMER of the archive, so the interfaces it needs live
HERE. The handler only reads snapshots and the queue length; a nil
SnapshotReader means archiving is disabled and snapshots come from the live
session instead.
*/

// SnapshotReader is what handlers need from the snapshot archive
type SnapshotReader interface {
	ListByDocument(ctx context.Context, documentID string, limit int) ([]*models.SnapshotRecord, error)
	GetByID(ctx context.Context, id string) (*models.SnapshotRecord, error)
}

// ArchiveQueue reports the archiver backlog for the health endpoint
type ArchiveQueue interface {
	QueueLength() int
}
