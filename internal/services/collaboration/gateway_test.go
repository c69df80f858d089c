package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"pagecollab/internal/idgen"
	"pagecollab/internal/models"
	"pagecollab/internal/permissions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records everything the gateway sends to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	msgs   [][]byte
	full   bool
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || c.closed {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// events decodes and clears everything received so far.
func (c *fakeConn) events(t *testing.T) []receivedEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]receivedEvent, 0, len(c.msgs))
	for _, m := range c.msgs {
		var ev receivedEvent
		require.NoError(t, json.Unmarshal(m, &ev))
		out = append(out, ev)
	}
	c.msgs = nil
	return out
}

func (c *fakeConn) last(t *testing.T) receivedEvent {
	t.Helper()
	evs := c.events(t)
	require.NotEmpty(t, evs, "connection %s received nothing", c.id)
	return evs[len(evs)-1]
}

type receivedEvent struct {
	Type          MessageKind     `json:"type"`
	Success       bool            `json:"success"`
	DocumentID    string          `json:"document_id"`
	ParticipantID string          `json:"participant_id"`
	Data          json.RawMessage `json:"data"`
	Error         *EventError     `json:"error"`
}

func (e receivedEvent) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Data, v))
}

func msg(t *testing.T, kind MessageKind, payload any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": kind, "payload": payload})
	require.NoError(t, err)
	return b
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []*models.Snapshot
	err   error
}

func (s *recordingSink) SubmitSnapshot(documentID string, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return s.err
}

type upperSanitizer struct{}

func (upperSanitizer) Payload(v any) any {
	if s, ok := v.(string); ok {
		return "clean:" + s
	}
	return v
}

func (upperSanitizer) Text(text string) string { return "clean:" + text }

func newTestGateway(t *testing.T, opts ...GatewayOption) (*Gateway, *Registry) {
	t.Helper()
	reg := NewRegistry(WithSessionOptions(WithIDGenerator(idgen.Sequential(""))))
	return NewGateway(reg, opts...), reg
}

func connect(t *testing.T, g *Gateway, id, doc string, d models.ParticipantDescriptor) *fakeConn {
	t.Helper()
	c := newFakeConn(id)
	_, err := g.OnConnect(context.Background(), c, doc, d)
	require.NoError(t, err)
	return c
}

func TestGateway_ConnectSendsStateAndAnnounces(t *testing.T) {
	g, reg := newTestGateway(t)
	ctx := context.Background()

	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{DisplayName: "Alice"})
	g.OnMessage(ctx, alice, msg(t, KindLockElement, map[string]any{"element_id": "el1"}))
	for i := 0; i < 12; i++ {
		g.OnMessage(ctx, alice, msg(t, KindContentChange, map[string]any{"kind": "text_edit", "element_id": "el1", "payload": i}))
	}
	alice.events(t)

	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{DisplayName: "Bob"})

	initial := bob.events(t)
	require.Len(t, initial, 1, "only the initial state goes to the new connection")
	assert.Equal(t, KindInitState, initial[0].Type)
	var state InitStateData
	initial[0].decode(t, &state)
	assert.Equal(t, "bob", state.Self.ID)
	assert.Len(t, state.State.Participants, 2)
	require.Len(t, state.State.Locks, 1)
	assert.Equal(t, "alice", state.State.Locks[0].OwnerID)
	assert.Len(t, state.State.RecentChanges, DefaultInitialChanges)
	assert.Equal(t, 12, state.State.ChangeCount)

	joined := alice.last(t)
	assert.Equal(t, KindParticipantJoined, joined.Type)
	assert.Equal(t, "bob", joined.ParticipantID)

	s, ok := reg.Get("doc1")
	require.True(t, ok)
	assert.Equal(t, 2, s.ParticipantCount())
	assert.Equal(t, 2, g.ConnectionCount())
}

func TestGateway_ConnectRejectsEmptyDocumentAndDoubleBind(t *testing.T) {
	g, _ := newTestGateway(t)

	_, err := g.OnConnect(context.Background(), newFakeConn("x"), "", models.ParticipantDescriptor{})
	assert.ErrorIs(t, err, ErrMalformed)

	c := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})
	_, err = g.OnConnect(context.Background(), c, "doc2", models.ParticipantDescriptor{})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestGateway_PresenceGoesToOthersOnly(t *testing.T) {
	g, reg := newTestGateway(t)
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{})
	alice.events(t)
	bob.events(t)

	g.OnMessage(ctx, alice, msg(t, KindCursorMove, map[string]any{"x": 10, "y": 20}))
	g.OnMessage(ctx, alice, msg(t, KindElementSelect, map[string]any{"element_id": "el7"}))

	assert.Empty(t, alice.events(t))
	evs := bob.events(t)
	require.Len(t, evs, 2)
	var cur CursorData
	evs[0].decode(t, &cur)
	assert.Equal(t, CursorData{X: 10, Y: 20}, cur)
	assert.Equal(t, "alice", evs[0].ParticipantID)
	var sel ElementData
	evs[1].decode(t, &sel)
	assert.Equal(t, "el7", sel.ElementID)

	s, _ := reg.Get("doc1")
	p, _ := s.Participant("alice")
	assert.Equal(t, "el7", p.SelectedElementID)
	assert.Zero(t, s.ChangeCount())
}

func TestGateway_ContentChangeBroadcastAndDenial(t *testing.T) {
	g, _ := newTestGateway(t, WithSanitizer(upperSanitizer{}))
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{Capabilities: models.Capabilities{models.CapabilityRead}})
	alice.events(t)
	bob.events(t)

	g.OnMessage(ctx, bob, msg(t, KindContentChange, map[string]any{"kind": "text_edit", "element_id": "el1", "payload": "x"}))
	denied := bob.last(t)
	assert.False(t, denied.Success)
	assert.Equal(t, CodePermissionDenied, denied.Error.Code)
	assert.Empty(t, alice.events(t), "failures are never broadcast")

	g.OnMessage(ctx, alice, msg(t, KindContentChange, map[string]any{
		"kind": "text_edit", "element_id": "el1", "payload": "Hello", "previous_payload": "",
	}))
	for _, c := range []*fakeConn{alice, bob} {
		ev := c.last(t)
		assert.True(t, ev.Success)
		assert.Equal(t, KindContentChange, ev.Type)
		var ch models.Change
		ev.decode(t, &ch)
		assert.Equal(t, "clean:Hello", ch.Payload)
		assert.Equal(t, "clean:", ch.PreviousPayload)
		assert.Equal(t, "alice", ch.ParticipantID)
	}
}

func TestGateway_UndoChange(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})

	g.OnMessage(ctx, alice, msg(t, KindContentChange, map[string]any{
		"kind": "text_edit", "element_id": "el1", "payload": "new", "previous_payload": "old",
	}))
	var orig models.Change
	alice.last(t).decode(t, &orig)

	g.OnMessage(ctx, alice, msg(t, KindUndoChange, map[string]any{"change_id": orig.ID}))
	var undo models.Change
	ev := alice.last(t)
	require.True(t, ev.Success)
	ev.decode(t, &undo)
	assert.Equal(t, "old", undo.Payload)
	assert.Equal(t, "new", undo.PreviousPayload)
	assert.Equal(t, orig.ID, undo.Undoes)

	g.OnMessage(ctx, alice, msg(t, KindUndoChange, map[string]any{"change_id": "chg_nope"}))
	ev = alice.last(t)
	assert.False(t, ev.Success)
	assert.Equal(t, CodeNotFound, ev.Error.Code)
}

func TestGateway_LockFlow(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{})
	alice.events(t)
	bob.events(t)

	g.OnMessage(ctx, alice, msg(t, KindLockElement, map[string]any{"element_id": "el1"}))
	for _, c := range []*fakeConn{alice, bob} {
		ev := c.last(t)
		assert.True(t, ev.Success)
		var lock models.Lock
		ev.decode(t, &lock)
		assert.Equal(t, "alice", lock.OwnerID)
	}

	g.OnMessage(ctx, bob, msg(t, KindLockElement, map[string]any{"element_id": "el1"}))
	ev := bob.last(t)
	assert.False(t, ev.Success)
	assert.Equal(t, CodeAlreadyLocked, ev.Error.Code)
	assert.Empty(t, alice.events(t))

	g.OnMessage(ctx, bob, msg(t, KindUnlockElement, map[string]any{"element_id": "el1"}))
	assert.Equal(t, CodeNotOwner, bob.last(t).Error.Code)

	g.OnMessage(ctx, bob, msg(t, KindUnlockElement, map[string]any{"element_id": "el9"}))
	assert.Equal(t, CodeNotLocked, bob.last(t).Error.Code)
	assert.Empty(t, alice.events(t))

	g.OnMessage(ctx, alice, msg(t, KindUnlockElement, map[string]any{"element_id": "el1"}))
	assert.True(t, bob.last(t).Success)
	assert.True(t, alice.last(t).Success)

	g.OnMessage(ctx, bob, msg(t, KindLockElement, map[string]any{"element_id": "el1"}))
	assert.True(t, bob.last(t).Success)
}

func TestGateway_CommentsAndSnapshots(t *testing.T) {
	sink := &recordingSink{err: errors.New("queue full")}
	g, _ := newTestGateway(t, WithSnapshotSink(sink))
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{DisplayName: "Alice"})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{})
	alice.events(t)
	bob.events(t)

	g.OnMessage(ctx, alice, msg(t, KindAddComment, map[string]any{
		"element_id": "el1", "text": "fix this", "position": map[string]any{"x": 10, "y": 20},
	}))
	var c models.Comment
	bob.last(t).decode(t, &c)
	assert.False(t, c.Resolved)
	assert.Equal(t, "Alice", c.AuthorName)
	alice.events(t)

	g.OnMessage(ctx, bob, msg(t, KindResolveComment, map[string]any{"comment_id": c.ID}))
	var resolved models.Comment
	alice.last(t).decode(t, &resolved)
	assert.True(t, resolved.Resolved, "anyone may resolve by default")
	bob.events(t)

	g.OnMessage(ctx, bob, msg(t, KindResolveComment, map[string]any{"comment_id": "cmt_missing"}))
	assert.Equal(t, CodeNotFound, bob.last(t).Error.Code)

	g.OnMessage(ctx, alice, msg(t, KindCreateSnapshot, map[string]any{
		"content": map[string]any{"html": "<p>x</p>"}, "description": "v1",
	}))
	var snap models.Snapshot
	ev := bob.last(t)
	assert.True(t, ev.Success, "archive failure does not fail the snapshot")
	ev.decode(t, &snap)
	assert.Equal(t, "v1", snap.Description)
	require.Len(t, sink.snaps, 1)
	assert.Equal(t, snap.ID, sink.snaps[0].ID)
}

func TestGateway_StrictCommentResolution(t *testing.T) {
	g, _ := newTestGateway(t, WithPermissions(permissions.NewPolicy(true)))
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{})

	g.OnMessage(ctx, alice, msg(t, KindAddComment, map[string]any{
		"element_id": "el1", "text": "mine", "position": map[string]any{"x": 0, "y": 0},
	}))
	var c models.Comment
	alice.last(t).decode(t, &c)
	bob.events(t)

	g.OnMessage(ctx, bob, msg(t, KindResolveComment, map[string]any{"comment_id": c.ID}))
	assert.Equal(t, CodePermissionDenied, bob.last(t).Error.Code)
	assert.Empty(t, alice.events(t))

	g.OnMessage(ctx, alice, msg(t, KindResolveComment, map[string]any{"comment_id": c.ID}))
	assert.True(t, alice.last(t).Success)
}

func TestGateway_PingAndHistory(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{})
	for i := 0; i < 3; i++ {
		g.OnMessage(ctx, alice, msg(t, KindContentChange, map[string]any{"kind": "k", "element_id": "el", "payload": i}))
	}
	alice.events(t)
	bob.events(t)

	g.OnMessage(ctx, alice, []byte(`{"type":"ping"}`))
	assert.Equal(t, KindPong, alice.last(t).Type)

	g.OnMessage(ctx, alice, msg(t, KindRequestHistory, map[string]any{"limit": 2}))
	var hist HistoryData
	alice.last(t).decode(t, &hist)
	require.Len(t, hist.Changes, 2)
	assert.Equal(t, 1.0, hist.Changes[0].Payload)

	assert.Empty(t, bob.events(t), "requester-only replies")
}

func TestGateway_MalformedMessagesDropped(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{})
	alice.events(t)
	bob.events(t)

	for _, raw := range []string{
		`not json`,
		`{"type":"teleport"}`,
		`{"type":"cursor_move","payload":{"x":1}}`,
		`{"type":"content_change","payload":{"element_id":"el1"}}`,
		`{"type":"lock_element","payload":"el1"}`,
	} {
		g.OnMessage(ctx, alice, []byte(raw))
	}

	assert.Empty(t, alice.events(t))
	assert.Empty(t, bob.events(t))
	assert.False(t, alice.isClosed(), "malformed input never closes the connection")
}

func TestGateway_DisconnectReleasesLocks(t *testing.T) {
	g, reg := newTestGateway(t)
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{})
	g.OnMessage(ctx, alice, msg(t, KindLockElement, map[string]any{"element_id": "el1"}))
	bob.events(t)

	g.OnDisconnect(ctx, alice)

	ev := bob.last(t)
	assert.Equal(t, KindParticipantLeft, ev.Type)
	var left ParticipantLeftData
	ev.decode(t, &left)
	assert.Equal(t, "alice", left.ParticipantID)
	require.Len(t, left.ReleasedLocks, 1)
	assert.Equal(t, "el1", left.ReleasedLocks[0].ElementID)

	g.OnDisconnect(ctx, alice)
	assert.Empty(t, bob.events(t), "second disconnect is a no-op")

	g.OnDisconnect(ctx, bob)
	s, ok := reg.Get("doc1")
	require.True(t, ok, "empty session survives until the sweep")
	assert.Zero(t, s.ParticipantCount())
	assert.Zero(t, g.ConnectionCount())

	g.OnMessage(ctx, bob, msg(t, KindLockElement, map[string]any{"element_id": "el1"}))
	assert.Empty(t, bob.events(t))
}

func TestGateway_ReconnectAfterRoomEmptied(t *testing.T) {
	g, reg := newTestGateway(t)
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})
	g.OnMessage(ctx, alice, msg(t, KindContentChange, map[string]any{"kind": "k", "element_id": "el", "payload": "a"}))
	g.OnDisconnect(ctx, alice)

	again := connect(t, g, "alice-2", "doc1", models.ParticipantDescriptor{})
	var state InitStateData
	again.last(t).decode(t, &state)
	assert.Len(t, state.State.RecentChanges, 1, "state survives a brief disconnect")
	assert.Equal(t, 1, reg.Len())
}

func TestGateway_SlowConnectionDoesNotBlockOthers(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	alice := connect(t, g, "alice", "doc1", models.ParticipantDescriptor{})
	slow := connect(t, g, "slow", "doc1", models.ParticipantDescriptor{})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{})
	alice.events(t)
	bob.events(t)
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	g.OnMessage(ctx, alice, msg(t, KindContentChange, map[string]any{"kind": "k", "element_id": "el", "payload": "a"}))

	assert.True(t, bob.last(t).Success)
	assert.True(t, alice.last(t).Success)
}

func TestGateway_RemoveParticipant(t *testing.T) {
	g, reg := newTestGateway(t)
	ctx := context.Background()
	admin := connect(t, g, "admin", "doc1", models.ParticipantDescriptor{
		Capabilities: models.Capabilities{models.CapabilityRead, models.CapabilityWrite, models.CapabilityAdmin},
	})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{})
	carol := connect(t, g, "carol", "doc1", models.ParticipantDescriptor{})
	g.OnMessage(ctx, bob, msg(t, KindLockElement, map[string]any{"element_id": "el1"}))
	admin.events(t)
	bob.events(t)
	carol.events(t)

	g.OnMessage(ctx, carol, msg(t, KindRemoveParticipant, map[string]any{"participant_id": "bob"}))
	assert.Equal(t, CodePermissionDenied, carol.last(t).Error.Code)

	g.OnMessage(ctx, admin, msg(t, KindRemoveParticipant, map[string]any{"participant_id": "ghost"}))
	assert.Equal(t, CodeNotFound, admin.last(t).Error.Code)

	g.OnMessage(ctx, admin, msg(t, KindRemoveParticipant, map[string]any{"participant_id": "bob"}))

	removed := bob.last(t)
	assert.Equal(t, KindParticipantRemoved, removed.Type)
	assert.True(t, bob.isClosed())

	var left ParticipantLeftData
	ev := carol.last(t)
	assert.Equal(t, KindParticipantLeft, ev.Type)
	ev.decode(t, &left)
	assert.Equal(t, "removed", left.Reason)
	assert.Equal(t, "admin", left.RemovedBy)
	assert.Len(t, left.ReleasedLocks, 1)

	s, _ := reg.Get("doc1")
	_, present := s.Participant("bob")
	assert.False(t, present)
	assert.Equal(t, 2, g.ConnectionCount())

	// The transport still reports the closed socket; nothing happens twice.
	g.OnDisconnect(ctx, bob)
	assert.Empty(t, carol.events(t))
}

func TestGateway_UpdateCapabilities(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	admin := connect(t, g, "admin", "doc1", models.ParticipantDescriptor{
		Capabilities: models.Capabilities{models.CapabilityRead, models.CapabilityAdmin},
	})
	bob := connect(t, g, "bob", "doc1", models.ParticipantDescriptor{Capabilities: models.Capabilities{models.CapabilityRead}})
	admin.events(t)
	bob.events(t)

	g.OnMessage(ctx, bob, msg(t, KindUpdateCapabilities, map[string]any{"participant_id": "bob", "capabilities": []string{"read", "write"}}))
	assert.Equal(t, CodePermissionDenied, bob.last(t).Error.Code)

	g.OnMessage(ctx, admin, msg(t, KindUpdateCapabilities, map[string]any{"participant_id": "bob", "capabilities": []string{"read", "write"}}))
	ev := bob.last(t)
	assert.Equal(t, KindParticipantUpdated, ev.Type)
	var p models.Participant
	ev.decode(t, &p)
	assert.True(t, p.CanWrite())

	g.OnMessage(ctx, bob, msg(t, KindContentChange, map[string]any{"kind": "k", "element_id": "el", "payload": "now allowed"}))
	assert.True(t, bob.last(t).Success)
}

func TestGateway_SessionsAreIsolated(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	a := connect(t, g, "a", "doc1", models.ParticipantDescriptor{})
	b := connect(t, g, "b", "doc2", models.ParticipantDescriptor{})
	a.events(t)
	b.events(t)

	g.OnMessage(ctx, a, msg(t, KindContentChange, map[string]any{"kind": "k", "element_id": "el", "payload": "x"}))

	assert.Len(t, a.events(t), 1)
	assert.Empty(t, b.events(t))
}

func TestGateway_ConcurrentTraffic(t *testing.T) {
	g, reg := newTestGateway(t)
	ctx := context.Background()

	conns := make([]*fakeConn, 6)
	for i := range conns {
		conns[i] = connect(t, g, string(rune('a'+i)), "doc1", models.ParticipantDescriptor{})
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				g.OnMessage(ctx, c, msg(t, KindContentChange, map[string]any{"kind": "k", "element_id": "el", "payload": i}))
				g.OnMessage(ctx, c, msg(t, KindCursorMove, map[string]any{"x": i, "y": i}))
			}
			g.OnDisconnect(ctx, c)
		}(c)
	}
	wg.Wait()

	s, _ := reg.Get("doc1")
	assert.Equal(t, ChangeLogLimit, s.ChangeCount())
	assert.Zero(t, s.ParticipantCount())
	assert.Zero(t, g.ConnectionCount())
}

func TestGateway_ShutdownClosesConnections(t *testing.T) {
	g, _ := newTestGateway(t)
	a := connect(t, g, "a", "doc1", models.ParticipantDescriptor{})
	b := connect(t, g, "b", "doc2", models.ParticipantDescriptor{})

	g.Shutdown()

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}
