package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"pagecollab/internal/middleware"
	"pagecollab/internal/models"
	"pagecollab/internal/permissions"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: GATEWAY = TRANSLATION ONLY

The gateway owns no document state. It keeps:
1. bindings: connection -> room (process-wide, guarded by mu)
2. rooms:    one per document with live connections, each with its own lock

A room lock is held across "run the session operation" and "queue the
resulting event on every connection", so all connections of a document see
events in the order the session applied them. Queueing never blocks:
Connection.Send drops the message for that one connection if its buffer is
full, so a dead client cannot stall the others.

Lock order is always room.mu before mu, never the reverse.
*/

// DefaultInitialChanges is how many recent changes a new connection receives.
const DefaultInitialChanges = 10

// Connection is one physical client connection.
//
// Send must not block and Close must not call back into the gateway; both
// are invoked while a room lock is held.
type Connection interface {
	ID() string
	Send(msg []byte) bool
	Close() error
}

// Permissions is the capability check consulted for participant management
// and comment resolution.
type Permissions interface {
	Allowed(actor *models.Participant, action models.Action, ownerID string) bool
}

// Sanitizer cleans payloads before they are stored.
type Sanitizer interface {
	Payload(v any) any
	Text(text string) string
}

// SnapshotSink receives every created snapshot, e.g. for archiving.
type SnapshotSink interface {
	SubmitSnapshot(documentID string, snap *models.Snapshot) error
}

type room struct {
	documentID string

	mu      sync.Mutex
	session *Session
	conns   map[Connection]string // connection -> participant id
	closed  bool
}

// Gateway binds connections to sessions and publishes session events.
type Gateway struct {
	registry       *Registry
	perms          Permissions
	sanitizer      Sanitizer
	snapshots      SnapshotSink
	initialChanges int
	now            func() time.Time

	mu       sync.RWMutex
	bindings map[Connection]*room
	rooms    map[string]*room
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

func WithPermissions(p Permissions) GatewayOption {
	return func(g *Gateway) { g.perms = p }
}

func WithSanitizer(s Sanitizer) GatewayOption {
	return func(g *Gateway) { g.sanitizer = s }
}

func WithSnapshotSink(s SnapshotSink) GatewayOption {
	return func(g *Gateway) { g.snapshots = s }
}

func WithInitialChanges(n int) GatewayOption {
	return func(g *Gateway) { g.initialChanges = n }
}

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a gateway over registry. Without WithPermissions the
// default capability policy is used.
func NewGateway(registry *Registry, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:       registry,
		perms:          permissions.NewPolicy(false),
		initialChanges: DefaultInitialChanges,
		now:            time.Now,
		bindings:       make(map[Connection]*room),
		rooms:          make(map[string]*room),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// acquireRoom returns the live room for documentID with its lock held.
func (g *Gateway) acquireRoom(documentID string) *room {
	for {
		g.mu.Lock()
		r, ok := g.rooms[documentID]
		if !ok {
			r = &room{documentID: documentID, conns: make(map[Connection]string)}
			g.rooms[documentID] = r
		}
		g.mu.Unlock()

		r.mu.Lock()
		if !r.closed {
			return r
		}
		// Emptied and dropped by a disconnect in between; fetch a fresh one.
		r.mu.Unlock()
	}
}

// roomFor returns the room conn is bound to with its lock held, or nil.
func (g *Gateway) roomFor(conn Connection) (*room, string) {
	g.mu.RLock()
	r := g.bindings[conn]
	g.mu.RUnlock()
	if r == nil {
		return nil, ""
	}

	r.mu.Lock()
	pid, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return nil, ""
	}
	return r, pid
}

// detachLocked unbinds conn and drops the room once it is empty. r.mu must be held.
func (g *Gateway) detachLocked(r *room, conn Connection) {
	delete(r.conns, conn)

	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.bindings, conn)
	if len(r.conns) == 0 {
		r.closed = true
		if g.rooms[r.documentID] == r {
			delete(g.rooms, r.documentID)
		}
	}
}

// OnConnect joins the connection's participant to the document session,
// sends it the current state and announces it to everyone else.
// The descriptor's capabilities are taken as given, so transports must build
// them from trusted input.
func (g *Gateway) OnConnect(ctx context.Context, conn Connection, documentID string, d models.ParticipantDescriptor) (*models.Participant, error) {
	ctx, span := middleware.StartSpan(ctx, "Gateway.OnConnect",
		attribute.String("document.id", documentID),
		attribute.String("connection.id", conn.ID()),
	)
	defer span.End()

	if documentID == "" {
		err := fmt.Errorf("document id is required: %w", ErrMalformed)
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	g.mu.RLock()
	_, bound := g.bindings[conn]
	g.mu.RUnlock()
	if bound {
		return nil, fmt.Errorf("connection %s already bound: %w", conn.ID(), ErrMalformed)
	}

	r := g.acquireRoom(documentID)
	defer r.mu.Unlock()

	session, participant := g.registry.Join(documentID, conn.ID(), d)
	r.session = session
	r.conns[conn] = participant.ID

	g.mu.Lock()
	g.bindings[conn] = r
	g.mu.Unlock()

	g.send(conn, g.event(r, KindInitState, participant.ID, InitStateData{
		Self:  participant,
		State: session.State(g.initialChanges),
	}))
	g.broadcast(r, g.event(r, KindParticipantJoined, participant.ID, participant), conn)

	log.Printf("  Participant %s (%s) joined document %s (total: %d)",
		participant.ID, participant.DisplayName, documentID, len(r.conns))
	return participant, nil
}

// OnDisconnect removes the connection's participant and announces the
// departure with any locks it released. The session itself stays in the
// registry until the idle sweep.
func (g *Gateway) OnDisconnect(ctx context.Context, conn Connection) {
	r, pid := g.roomFor(conn)
	if r == nil {
		return
	}
	defer r.mu.Unlock()

	_, span := middleware.StartSpan(ctx, "Gateway.OnDisconnect",
		attribute.String("document.id", r.documentID),
		attribute.String("participant.id", pid),
	)
	defer span.End()

	g.detachLocked(r, conn)
	released, ok := r.session.Leave(pid)
	if !ok {
		return
	}
	if released == nil {
		released = []*models.Lock{}
	}

	g.broadcast(r, g.event(r, KindParticipantLeft, pid, ParticipantLeftData{
		ParticipantID: pid,
		ReleasedLocks: released,
		Reason:        "disconnected",
	}), nil)

	log.Printf("  Participant %s left document %s (remaining: %d, released locks: %d)",
		pid, r.documentID, len(r.conns), len(released))
}

// OnMessage decodes one client message, applies it to the session and
// publishes the result. Malformed messages are logged and dropped; operation
// failures go back to the sender only.
func (g *Gateway) OnMessage(ctx context.Context, conn Connection, raw []byte) {
	ctx, span := middleware.StartSpan(ctx, "Gateway.OnMessage",
		attribute.String("connection.id", conn.ID()),
		attribute.Int("message.size", len(raw)),
	)
	defer span.End()

	kind, payload, err := DecodeMessage(raw)
	if err != nil {
		log.Printf("⚠️  Dropping message from %s: %v", conn.ID(), err)
		middleware.AddSpanError(ctx, err)
		return
	}
	span.SetAttributes(attribute.String("message.type", string(kind)))

	r, pid := g.roomFor(conn)
	if r == nil {
		log.Printf("⚠️  Dropping %s from unbound connection %s", kind, conn.ID())
		middleware.AddSpanEvent(ctx, "message.dropped", attribute.String("reason", "unbound"))
		return
	}
	defer r.mu.Unlock()

	if err := g.dispatch(r, conn, pid, kind, payload); err != nil {
		middleware.AddSpanError(ctx, err)
		g.send(conn, g.failure(r, kind, pid, err))
	}
}

func (g *Gateway) dispatch(r *room, conn Connection, pid string, kind MessageKind, payload any) error {
	s := r.session

	switch p := payload.(type) {
	case *cursorMovePayload:
		if _, ok := s.UpdateCursor(pid, *p.X, *p.Y); ok {
			g.broadcast(r, g.event(r, kind, pid, CursorData{X: *p.X, Y: *p.Y}), conn)
		}
		return nil

	case *elementSelectPayload:
		if _, ok := s.UpdateSelection(pid, *p.ElementID); ok {
			g.broadcast(r, g.event(r, kind, pid, ElementData{ElementID: *p.ElementID}), conn)
		}
		return nil

	case *contentChangePayload:
		spec := p.ChangeSpec
		if g.sanitizer != nil {
			spec.Payload = g.sanitizer.Payload(spec.Payload)
			spec.PreviousPayload = g.sanitizer.Payload(spec.PreviousPayload)
		}
		ch, err := s.ApplyChange(pid, spec)
		if err != nil {
			return err
		}
		g.broadcast(r, g.event(r, kind, pid, ch), nil)
		return nil

	case *changeRefPayload:
		ch, err := s.UndoChange(pid, p.ChangeID)
		if err != nil {
			return err
		}
		g.broadcast(r, g.event(r, kind, pid, ch), nil)
		return nil

	case *elementRefPayload:
		if kind == KindUnlockElement {
			if err := s.UnlockElement(pid, p.ElementID); err != nil {
				return err
			}
			g.broadcast(r, g.event(r, kind, pid, ElementData{ElementID: p.ElementID}), nil)
			return nil
		}
		lock, err := s.LockElement(pid, p.ElementID)
		if err != nil {
			return err
		}
		g.broadcast(r, g.event(r, kind, pid, lock), nil)
		return nil

	case *addCommentPayload:
		text := p.Text
		if g.sanitizer != nil {
			text = g.sanitizer.Text(text)
		}
		c, err := s.AddComment(pid, p.ElementID, text, *p.Position)
		if err != nil {
			return err
		}
		g.broadcast(r, g.event(r, kind, pid, c), nil)
		return nil

	case *commentRefPayload:
		return g.resolveComment(r, pid, kind, p.CommentID)

	case *createSnapshotPayload:
		snap, err := s.CreateSnapshot(pid, p.Content, p.Description)
		if err != nil {
			return err
		}
		if g.snapshots != nil {
			if err := g.snapshots.SubmitSnapshot(r.documentID, snap); err != nil {
				log.Printf("⚠️  Failed to queue snapshot %s for archiving: %v", snap.ID, err)
			}
		}
		g.broadcast(r, g.event(r, kind, pid, snap), nil)
		return nil

	case *participantRefPayload:
		return g.removeParticipant(r, pid, p.ParticipantID)

	case *updateCapabilitiesPayload:
		actor, _ := s.Participant(pid)
		if _, ok := s.Participant(p.ParticipantID); !ok {
			return fmt.Errorf("participant %s: %w", p.ParticipantID, ErrNotFound)
		}
		if !g.perms.Allowed(actor, models.ActionPromoteParticipant, p.ParticipantID) {
			return fmt.Errorf("%s may not change capabilities: %w", pid, ErrPermissionDenied)
		}
		updated, err := s.SetCapabilities(p.ParticipantID, p.Capabilities)
		if err != nil {
			return err
		}
		g.broadcast(r, g.event(r, KindParticipantUpdated, pid, updated), nil)
		return nil

	case *requestHistoryPayload:
		limit := p.Limit
		if limit == 0 || limit > ChangeLogLimit {
			limit = ChangeLogLimit
		}
		g.send(conn, g.event(r, KindHistory, pid, HistoryData{Changes: s.RecentChanges(limit)}))
		return nil

	case nil:
		if kind == KindPing {
			g.send(conn, g.event(r, KindPong, pid, nil))
		}
		return nil

	default:
		return fmt.Errorf("unhandled %s payload %T: %w", kind, payload, ErrMalformed)
	}
}

func (g *Gateway) resolveComment(r *room, pid string, kind MessageKind, commentID string) error {
	s := r.session

	comment, ok := s.Comment(commentID)
	if !ok {
		return fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	actor, _ := s.Participant(pid)
	if !g.perms.Allowed(actor, models.ActionResolveComment, comment.AuthorID) {
		return fmt.Errorf("%s may not resolve comment %s: %w", pid, commentID, ErrPermissionDenied)
	}

	resolved, err := s.ResolveComment(pid, commentID)
	if err != nil {
		return err
	}
	g.broadcast(r, g.event(r, kind, pid, resolved), nil)
	return nil
}

func (g *Gateway) removeParticipant(r *room, pid, targetID string) error {
	s := r.session

	if _, ok := s.Participant(targetID); !ok {
		return fmt.Errorf("participant %s: %w", targetID, ErrNotFound)
	}
	actor, _ := s.Participant(pid)
	if !g.perms.Allowed(actor, models.ActionRemoveParticipant, targetID) {
		return fmt.Errorf("%s may not remove %s: %w", pid, targetID, ErrPermissionDenied)
	}

	var target Connection
	for c, id := range r.conns {
		if id == targetID {
			target = c
			break
		}
	}

	released, _ := s.Leave(targetID)
	if released == nil {
		released = []*models.Lock{}
	}

	if target != nil {
		g.send(target, g.event(r, KindParticipantRemoved, targetID, ParticipantLeftData{
			ParticipantID: targetID,
			ReleasedLocks: released,
			Reason:        "removed",
			RemovedBy:     pid,
		}))
		g.detachLocked(r, target)
		if err := target.Close(); err != nil {
			log.Printf("⚠️  Closing removed connection %s: %v", target.ID(), err)
		}
	}

	g.broadcast(r, g.event(r, KindParticipantLeft, targetID, ParticipantLeftData{
		ParticipantID: targetID,
		ReleasedLocks: released,
		Reason:        "removed",
		RemovedBy:     pid,
	}), nil)

	log.Printf("  Participant %s removed from document %s by %s", targetID, r.documentID, pid)
	return nil
}

func (g *Gateway) event(r *room, kind MessageKind, pid string, data any) *Event {
	return &Event{
		Type:          kind,
		Success:       true,
		DocumentID:    r.documentID,
		ParticipantID: pid,
		Data:          data,
		Timestamp:     g.now(),
	}
}

func (g *Gateway) failure(r *room, kind MessageKind, pid string, err error) *Event {
	return &Event{
		Type:          kind,
		Success:       false,
		DocumentID:    r.documentID,
		ParticipantID: pid,
		Error:         &EventError{Code: ErrorCode(err), Message: err.Error()},
		Timestamp:     g.now(),
	}
}

func (g *Gateway) send(conn Connection, ev *Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Printf("⚠️  Failed to encode %s event: %v", ev.Type, err)
		return
	}
	if !conn.Send(msg) {
		log.Printf("⚠️  Dropped %s event for connection %s", ev.Type, conn.ID())
	}
}

// broadcast queues ev on every connection of r except skip. r.mu must be held.
func (g *Gateway) broadcast(r *room, ev *Event, skip Connection) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Printf("⚠️  Failed to encode %s event: %v", ev.Type, err)
		return
	}
	for c := range r.conns {
		if c == skip {
			continue
		}
		if !c.Send(msg) {
			log.Printf("⚠️  Dropped %s event for connection %s", ev.Type, c.ID())
		}
	}
}

// ConnectionCount returns the number of bound connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.bindings)
}

// Shutdown closes every bound connection. Their transports report the
// disconnects through OnDisconnect as usual.
func (g *Gateway) Shutdown() {
	log.Println("🛑 Shutting down connection gateway...")

	g.mu.RLock()
	conns := make([]Connection, 0, len(g.bindings))
	for c := range g.bindings {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Printf("⚠️  Closing connection %s: %v", c.ID(), err)
		}
	}
	log.Printf("✓ Connection gateway closed %d connection(s)", len(conns))
}
