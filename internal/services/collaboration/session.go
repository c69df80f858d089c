package collaboration

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"pagecollab/internal/idgen"
	"pagecollab/internal/models"
)

/*
LEARNING: ONE MUTEX, ONE DOCUMENT

Session is the single source of truth for one document's live state.
Participants, the change log, locks, comments and snapshots are read and
written together (leave releases locks, undo reads the log), so one mutex
guards all of them. Two sessions never share state, so they never contend.

Session does no I/O and never broadcasts: every operation returns the record
it produced and the gateway decides who hears about it.
*/

const (
	// LockTTL is how long an element lock holds without being renewed.
	LockTTL = 5 * time.Minute

	// ChangeLogLimit bounds the in-memory change log; the oldest entry is evicted.
	ChangeLogLimit = 100
)

// Palette is the fixed set of participant colors.
var Palette = []string{
	"#E57373", "#64B5F6", "#81C784", "#FFB74D",
	"#BA68C8", "#4DB6AC", "#F06292", "#A1887F",
}

// Session owns all collaborative state for exactly one document
type Session struct {
	documentID string

	mu           sync.Mutex
	participants map[string]*models.Participant
	changes      []*models.Change
	locks        map[string]*models.Lock
	comments     []*models.Comment
	snapshots    []*models.Snapshot
	createdAt    time.Time
	lastChangeAt time.Time

	now        func() time.Time
	changeID   idgen.Generator
	commentID  idgen.Generator
	snapshotID idgen.Generator
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock replaces time.Now, letting tests advance time past lock TTLs.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithIDGenerator sets the generator under the chg_/cmt_/snp_ prefixes.
func WithIDGenerator(gen idgen.Generator) SessionOption {
	return func(s *Session) {
		s.changeID = idgen.Prefixed("chg_", gen)
		s.commentID = idgen.Prefixed("cmt_", gen)
		s.snapshotID = idgen.Prefixed("snp_", gen)
	}
}

// NewSession creates an empty session for documentID
func NewSession(documentID string, opts ...SessionOption) *Session {
	s := &Session{
		documentID:   documentID,
		participants: make(map[string]*models.Participant),
		locks:        make(map[string]*models.Lock),
		now:          time.Now,
	}
	WithIDGenerator(idgen.Default)(s)
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.now()
	return s
}

// DocumentID returns the document this session belongs to.
func (s *Session) DocumentID() string {
	return s.documentID
}

// Join adds (or, for an existing id, replaces) a participant. It never fails.
func (s *Session) Join(participantID string, d models.ParticipantDescriptor) *models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A reconnect replaces the old record; its color is reclaimed first.
	delete(s.participants, participantID)

	p := &models.Participant{
		ID:           participantID,
		DisplayName:  d.DisplayName,
		Avatar:       d.Avatar,
		Color:        d.Color,
		JoinedAt:     s.now(),
		Capabilities: slices.Clone(d.Capabilities),
	}
	if p.DisplayName == "" {
		p.DisplayName = defaultDisplayName(participantID)
	}
	if len(p.Capabilities) == 0 {
		p.Capabilities = models.DefaultCapabilities()
	}
	if p.Color == "" {
		p.Color = s.pickColorLocked()
	}

	s.participants[participantID] = p
	return p.Clone()
}

func defaultDisplayName(participantID string) string {
	suffix := participantID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return "Guest-" + suffix
}

func (s *Session) pickColorLocked() string {
	used := make(map[string]bool, len(s.participants))
	for _, p := range s.participants {
		used[p.Color] = true
	}
	for _, c := range Palette {
		if !used[c] {
			return c
		}
	}
	return Palette[len(s.participants)%len(Palette)]
}

// Leave removes a participant and immediately releases every lock it owns.
// ok is false when the participant was not present.
func (s *Session) Leave(participantID string) (released []*models.Lock, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[participantID]; !ok {
		return nil, false
	}
	delete(s.participants, participantID)

	for elementID, lock := range s.locks {
		if lock.OwnerID != participantID {
			continue
		}
		delete(s.locks, elementID)
		if !lock.Expired(s.now()) {
			l := *lock
			released = append(released, &l)
		}
	}
	sortLocks(released)
	return released, true
}

// UpdateCursor records the participant's pointer position. Cursor moves are
// latest-wins and never enter the change log.
func (s *Session) UpdateCursor(participantID string, x, y float64) (*models.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return nil, false
	}
	p.Cursor = &models.Position{X: x, Y: y}
	return p.Clone(), true
}

// UpdateSelection records the participant's selected element; "" clears it.
func (s *Session) UpdateSelection(participantID, elementID string) (*models.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return nil, false
	}
	p.SelectedElementID = elementID
	return p.Clone(), true
}

// ApplyChange appends a change to the log.
//
// Locks are advisory: a change to an element locked by someone else is still
// accepted. Clients are expected to check IsLocked before editing.
func (s *Session) ApplyChange(participantID string, spec models.ChangeSpec) (*models.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWriterLocked(participantID); err != nil {
		return nil, err
	}

	ch := &models.Change{
		ID:              s.changeID(),
		ParticipantID:   participantID,
		Timestamp:       s.now(),
		Kind:            spec.Kind,
		ElementID:       spec.ElementID,
		Payload:         spec.Payload,
		PreviousPayload: spec.PreviousPayload,
	}
	s.appendLocked(ch)
	return cloneChange(ch), nil
}

// UndoChange appends the inverse of a change still present in the log.
func (s *Session) UndoChange(participantID, changeID string) (*models.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWriterLocked(participantID); err != nil {
		return nil, err
	}

	idx := slices.IndexFunc(s.changes, func(c *models.Change) bool { return c.ID == changeID })
	if idx < 0 {
		return nil, fmt.Errorf("change %s: %w", changeID, ErrNotFound)
	}
	orig := s.changes[idx]

	ch := &models.Change{
		ID:              s.changeID(),
		ParticipantID:   participantID,
		Timestamp:       s.now(),
		Kind:            orig.Kind,
		ElementID:       orig.ElementID,
		Payload:         orig.PreviousPayload,
		PreviousPayload: orig.Payload,
		Undoes:          orig.ID,
	}
	s.appendLocked(ch)
	return cloneChange(ch), nil
}

func (s *Session) requireWriterLocked(participantID string) error {
	p, ok := s.participants[participantID]
	if !ok {
		return fmt.Errorf("participant %s not in session: %w", participantID, ErrPermissionDenied)
	}
	if !p.CanWrite() {
		return fmt.Errorf("participant %s lacks write capability: %w", participantID, ErrPermissionDenied)
	}
	return nil
}

func (s *Session) appendLocked(ch *models.Change) {
	s.changes = append(s.changes, ch)
	if over := len(s.changes) - ChangeLogLimit; over > 0 {
		// Copy down so the evicted entries are released.
		s.changes = append(s.changes[:0:0], s.changes[over:]...)
	}
	s.lastChangeAt = ch.Timestamp
}

// LockElement claims an element for participantID. An expired lock held by
// anyone is reclaimed; re-locking one's own element renews the TTL.
func (s *Session) LockElement(participantID, elementID string) (*models.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[participantID]; !ok {
		return nil, fmt.Errorf("participant %s not in session: %w", participantID, ErrPermissionDenied)
	}

	now := s.now()
	if held := s.liveLockLocked(elementID, now); held != nil && held.OwnerID != participantID {
		return nil, fmt.Errorf("element %s held by %s: %w", elementID, held.OwnerID, ErrAlreadyLocked)
	}

	lock := &models.Lock{
		ElementID:  elementID,
		OwnerID:    participantID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(LockTTL),
	}
	s.locks[elementID] = lock
	l := *lock
	return &l, nil
}

// UnlockElement releases a lock the caller owns.
func (s *Session) UnlockElement(participantID, elementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.liveLockLocked(elementID, s.now())
	if held == nil {
		return fmt.Errorf("element %s: %w", elementID, ErrNotLocked)
	}
	if held.OwnerID != participantID {
		return fmt.Errorf("element %s held by %s: %w", elementID, held.OwnerID, ErrNotOwner)
	}
	delete(s.locks, elementID)
	return nil
}

// IsLocked reports whether elementID is locked by someone other than
// excludingParticipantID. Expired locks are evicted as a side effect.
func (s *Session) IsLocked(elementID, excludingParticipantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.liveLockLocked(elementID, s.now())
	if held == nil {
		return false
	}
	return held.OwnerID != excludingParticipantID
}

// liveLockLocked returns the unexpired lock on elementID, evicting an expired one.
func (s *Session) liveLockLocked(elementID string, now time.Time) *models.Lock {
	lock, ok := s.locks[elementID]
	if !ok {
		return nil
	}
	if lock.Expired(now) {
		delete(s.locks, elementID)
		return nil
	}
	return lock
}

// AddComment pins an unresolved comment to an element.
func (s *Session) AddComment(participantID, elementID, text string, pos models.Position) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return nil, fmt.Errorf("participant %s not in session: %w", participantID, ErrPermissionDenied)
	}

	c := &models.Comment{
		ID:         s.commentID(),
		AuthorID:   participantID,
		AuthorName: p.DisplayName,
		ElementID:  elementID,
		Text:       text,
		Position:   pos,
		CreatedAt:  s.now(),
	}
	s.comments = append(s.comments, c)
	cc := *c
	return &cc, nil
}

// ResolveComment marks a comment resolved. Any participant may resolve any
// comment here; ownership rules belong to the permissions policy upstream.
func (s *Session) ResolveComment(participantID, commentID string) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[participantID]; !ok {
		return nil, fmt.Errorf("participant %s not in session: %w", participantID, ErrPermissionDenied)
	}
	for _, c := range s.comments {
		if c.ID == commentID {
			c.Resolved = true
			cc := *c
			return &cc, nil
		}
	}
	return nil, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
}

// CreateSnapshot captures content verbatim together with the current log size.
func (s *Session) CreateSnapshot(participantID string, content any, description string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[participantID]; !ok {
		return nil, fmt.Errorf("participant %s not in session: %w", participantID, ErrPermissionDenied)
	}

	snap := &models.Snapshot{
		ID:          s.snapshotID(),
		AuthorID:    participantID,
		Content:     content,
		Description: description,
		CreatedAt:   s.now(),
		ChangeCount: len(s.changes),
	}
	s.snapshots = append(s.snapshots, snap)
	sc := *snap
	return &sc, nil
}

// SetCapabilities replaces a participant's capability set.
func (s *Session) SetCapabilities(participantID string, caps models.Capabilities) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", participantID, ErrNotFound)
	}
	p.Capabilities = slices.Clone(caps)
	return p.Clone(), nil
}

// Read accessors. Everything returned is a copy.

// Participant returns one participant's record.
func (s *Session) Participant(participantID string) (*models.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	return p.Clone(), ok
}

// Participants returns all participants ordered by join time.
func (s *Session) Participants() []*models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsLocked()
}

func (s *Session) participantsLocked() []*models.Participant {
	out := make([]*models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// ParticipantCount returns the number of present participants.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// ActiveLocks returns the unexpired locks, evicting expired ones.
func (s *Session) ActiveLocks() []*models.Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocksLocked()
}

func (s *Session) activeLocksLocked() []*models.Lock {
	now := s.now()
	out := make([]*models.Lock, 0, len(s.locks))
	for elementID := range s.locks {
		if lock := s.liveLockLocked(elementID, now); lock != nil {
			l := *lock
			out = append(out, &l)
		}
	}
	sortLocks(out)
	return out
}

func sortLocks(locks []*models.Lock) {
	sort.Slice(locks, func(i, j int) bool { return locks[i].ElementID < locks[j].ElementID })
}

// RecentChanges returns up to n of the newest changes, oldest first.
func (s *Session) RecentChanges(n int) []*models.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentChangesLocked(n)
}

func (s *Session) recentChangesLocked(n int) []*models.Change {
	if n < 0 {
		n = 0
	}
	start := max(len(s.changes)-n, 0)
	out := make([]*models.Change, 0, len(s.changes)-start)
	for _, ch := range s.changes[start:] {
		out = append(out, cloneChange(ch))
	}
	return out
}

// ChangeCount returns the current log size.
func (s *Session) ChangeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes)
}

// Comment returns one comment.
func (s *Session) Comment(commentID string) (*models.Comment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.comments {
		if c.ID == commentID {
			cc := *c
			return &cc, true
		}
	}
	return nil, false
}

// Comments returns all comments in creation order.
func (s *Session) Comments() []*models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Comment, 0, len(s.comments))
	for _, c := range s.comments {
		cc := *c
		out = append(out, &cc)
	}
	return out
}

// Snapshots returns all snapshots in creation order.
func (s *Session) Snapshots() []*models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		sc := *snap
		out = append(out, &sc)
	}
	return out
}

// LastActivity is the time of the last change, or creation when there is none.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityLocked()
}

func (s *Session) lastActivityLocked() time.Time {
	if s.lastChangeAt.IsZero() {
		return s.createdAt
	}
	return s.lastChangeAt
}

// State captures participants, active locks and the newest recent changes
// in one consistent read.
func (s *Session) State(recent int) models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.SessionState{
		DocumentID:    s.documentID,
		Participants:  s.participantsLocked(),
		Locks:         s.activeLocksLocked(),
		RecentChanges: s.recentChangesLocked(recent),
		ChangeCount:   len(s.changes),
	}
}

// Summary returns the listing view of the session.
func (s *Session) Summary() models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.SessionSummary{
		DocumentID:   s.documentID,
		Participants: len(s.participants),
		ChangeCount:  len(s.changes),
		LastActivity: s.lastActivityLocked(),
	}
}

func cloneChange(ch *models.Change) *models.Change {
	c := *ch
	return &c
}
