package collaboration

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"pagecollab/internal/models"
)

// Registry maps document ids to their one live Session.
// Learning: Constructed once in main and injected into the gateway and API
// handlers, instead of living in a package-level variable.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	now         func() time.Time
	sessionOpts []SessionOption
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the clock used for idle sweeps and passes it to
// every session the registry creates.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
		r.sessionOpts = append(r.sessionOpts, WithClock(now))
	}
}

// WithSessionOptions applies opts to every created session.
func WithSessionOptions(opts ...SessionOption) RegistryOption {
	return func(r *Registry) {
		r.sessionOpts = append(r.sessionOpts, opts...)
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the session for documentID, creating it on first access.
func (r *Registry) GetOrCreate(documentID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(documentID)
}

func (r *Registry) getOrCreateLocked(documentID string) *Session {
	if s, ok := r.sessions[documentID]; ok {
		return s
	}
	s := NewSession(documentID, r.sessionOpts...)
	r.sessions[documentID] = s
	log.Printf("  Session created for document %s (active sessions: %d)", documentID, len(r.sessions))
	return s
}

// Join resolves the session and joins the participant under the registry
// lock, so a concurrent SweepIdle cannot remove the session in between.
func (r *Registry) Join(documentID, participantID string, d models.ParticipantDescriptor) (*Session, *models.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreateLocked(documentID)
	return s, s.Join(participantID, d)
}

// Get returns the session for documentID if one is live.
func (r *Registry) Get(documentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[documentID]
	return s, ok
}

// Remove drops the session unconditionally.
func (r *Registry) Remove(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, documentID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Summaries lists every live session ordered by document id.
func (r *Registry) Summaries() []models.SessionSummary {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]models.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

// SweepIdle removes sessions that have no participants and whose last
// activity is older than threshold. It returns the removed document ids.
func (r *Registry) SweepIdle(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-threshold)
	var removed []string
	for docID, s := range r.sessions {
		if s.ParticipantCount() > 0 {
			continue
		}
		if s.LastActivity().After(cutoff) {
			continue
		}
		delete(r.sessions, docID)
		removed = append(removed, docID)
	}
	sort.Strings(removed)
	return removed
}

// StartSweeper runs SweepIdle every interval until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval, threshold time.Duration) {
	log.Printf("🧹 Starting idle session sweeper (every %s, idle after %s)", interval, threshold)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := r.SweepIdle(threshold); len(removed) > 0 {
					log.Printf("  Swept %d idle session(s): %v", len(removed), removed)
				}
			}
		}
	}()
}
