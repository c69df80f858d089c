package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"pagecollab/internal/models"
)

/*
LEARNING: SNAPSHOT ARCHIVE WORKER POOL

Snapshots are created while a room lock is held, so the gateway must never
wait on the database. The archiver decouples the two:

1. **Bounded queue**: SubmitSnapshot only enqueues and fails fast when full
2. **Fixed workers**: at most N concurrent writes hit the database
3. **Graceful shutdown**: queued jobs are drained before Shutdown returns
*/

// ErrQueueFull is returned when the archive queue has no free slot
var ErrQueueFull = errors.New("snapshot archive queue is full")

// ErrArchiverStopped is returned for submissions after Shutdown
var ErrArchiverStopped = errors.New("snapshot archiver is shut down")

const saveTimeout = 10 * time.Second

// ArchiveJob is one snapshot waiting to be persisted
type ArchiveJob struct {
	DocumentID string
	Snapshot   *models.Snapshot
}

// SnapshotArchiver persists created snapshots with a worker pool
type SnapshotArchiver struct {
	store SnapshotStore

	jobs    chan ArchiveJob
	workers int
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSnapshotArchiver creates the pool. Start must be called before jobs are
// processed.
func NewSnapshotArchiver(store SnapshotStore, numWorkers, queueSize int) *SnapshotArchiver {
	ctx, cancel := context.WithCancel(context.Background())

	return &SnapshotArchiver{
		store:   store,
		jobs:    make(chan ArchiveJob, queueSize),
		workers: numWorkers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start spawns the workers
func (a *SnapshotArchiver) Start() {
	log.Printf("🔧 Starting snapshot archiver with %d workers", a.workers)

	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker(i)
	}

	log.Println("✓ Snapshot archiver started")
}

func (a *SnapshotArchiver) worker(id int) {
	defer a.wg.Done()

	// Learning: ranging over the channel drains every queued job; it ends
	// only when Shutdown closes the channel.
	for job := range a.jobs {
		if err := a.process(job); err != nil {
			log.Printf("⚠️  Archiver worker %d: %v", id, err)
		}
	}
}

func (a *SnapshotArchiver) process(job ArchiveJob) error {
	ctx, cancel := context.WithTimeout(a.ctx, saveTimeout)
	defer cancel()

	record := models.NewSnapshotRecord(job.DocumentID, job.Snapshot)
	if err := a.store.Save(ctx, record); err != nil {
		return fmt.Errorf("archive snapshot %s of document %s: %w", job.Snapshot.ID, job.DocumentID, err)
	}
	return nil
}

// SubmitSnapshot queues a snapshot for archiving. It never blocks.
func (a *SnapshotArchiver) SubmitSnapshot(documentID string, snap *models.Snapshot) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.stopped {
		return ErrArchiverStopped
	}

	select {
	case a.jobs <- ArchiveJob{DocumentID: documentID, Snapshot: snap}:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueLength returns the number of snapshots waiting for a worker
func (a *SnapshotArchiver) QueueLength() int {
	return len(a.jobs)
}

// Shutdown stops accepting snapshots and waits until the queued ones are
// written, or ctx ends. Workers still writing when ctx ends have their
// database calls cancelled.
func (a *SnapshotArchiver) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	close(a.jobs)
	a.mu.Unlock()

	log.Println("🛑 Shutting down snapshot archiver...")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.cancel()
		log.Println("✓ Snapshot archiver shut down")
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return fmt.Errorf("snapshot archiver shutdown: %w", ctx.Err())
	}
}
