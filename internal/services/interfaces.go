package services

import (
	"context"

	"pagecollab/internal/models"
)

/*
LEARNING: GO INTERFACE BEST PRACTICE

"Accept interfaces, return structs"

Interfaces are declared where they are USED. This package consumes the
snapshot store, so the interface lives here and the repository package
never imports it. Tests swap in an in-memory store.
*/

// SnapshotStore is what the archiver needs from snapshot storage
type SnapshotStore interface {
	Save(ctx context.Context, record *models.SnapshotRecord) error
}
