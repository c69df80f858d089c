package collaboration

import (
	"encoding/json"
	"fmt"
	"time"

	"pagecollab/internal/models"
)

// MessageKind names an inbound message or an outbound event.
type MessageKind string

// Inbound message kinds. Each outbound result event reuses the kind of the
// message that caused it.
const (
	KindCursorMove         MessageKind = "cursor_move"
	KindElementSelect      MessageKind = "element_select"
	KindContentChange      MessageKind = "content_change"
	KindUndoChange         MessageKind = "undo_change"
	KindLockElement        MessageKind = "lock_element"
	KindUnlockElement      MessageKind = "unlock_element"
	KindAddComment         MessageKind = "add_comment"
	KindResolveComment     MessageKind = "resolve_comment"
	KindCreateSnapshot     MessageKind = "create_snapshot"
	KindPing               MessageKind = "ping"
	KindRemoveParticipant  MessageKind = "remove_participant"
	KindUpdateCapabilities MessageKind = "update_capabilities"
	KindRequestHistory     MessageKind = "request_history"
)

// Outbound-only event kinds.
const (
	KindInitState          MessageKind = "init_state"
	KindParticipantJoined  MessageKind = "participant_joined"
	KindParticipantLeft    MessageKind = "participant_left"
	KindParticipantRemoved MessageKind = "participant_removed"
	KindParticipantUpdated MessageKind = "participant_updated"
	KindPong               MessageKind = "pong"
	KindHistory            MessageKind = "history"
)

// Inbound is the envelope of every client message.
type Inbound struct {
	Type    MessageKind     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the envelope of every server message.
type Event struct {
	Type          MessageKind `json:"type"`
	Success       bool        `json:"success"`
	DocumentID    string      `json:"document_id,omitempty"`
	ParticipantID string      `json:"participant_id,omitempty"`
	Data          any         `json:"data,omitempty"`
	Error         *EventError `json:"error,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// EventError describes a failed operation to its requester.
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event payloads that are not plain model records.

type InitStateData struct {
	Self  *models.Participant `json:"self"`
	State models.SessionState `json:"state"`
}

type ParticipantLeftData struct {
	ParticipantID string         `json:"participant_id"`
	ReleasedLocks []*models.Lock `json:"released_locks"`
	Reason        string         `json:"reason"`
	RemovedBy     string         `json:"removed_by,omitempty"`
}

type CursorData struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ElementData struct {
	ElementID string `json:"element_id"`
}

type HistoryData struct {
	Changes []*models.Change `json:"changes"`
}

// Inbound payloads. Pointer fields distinguish "absent" from zero values.

type cursorMovePayload struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (p *cursorMovePayload) validate() error {
	if p.X == nil || p.Y == nil {
		return fmt.Errorf("x and y are required: %w", ErrMalformed)
	}
	return nil
}

type elementSelectPayload struct {
	ElementID *string `json:"element_id"`
}

func (p *elementSelectPayload) validate() error {
	if p.ElementID == nil {
		return fmt.Errorf("element_id is required: %w", ErrMalformed)
	}
	return nil
}

type contentChangePayload struct {
	models.ChangeSpec
}

func (p *contentChangePayload) validate() error {
	if p.Kind == "" || p.ElementID == "" {
		return fmt.Errorf("kind and element_id are required: %w", ErrMalformed)
	}
	return nil
}

type changeRefPayload struct {
	ChangeID string `json:"change_id"`
}

func (p *changeRefPayload) validate() error {
	if p.ChangeID == "" {
		return fmt.Errorf("change_id is required: %w", ErrMalformed)
	}
	return nil
}

type elementRefPayload struct {
	ElementID string `json:"element_id"`
}

func (p *elementRefPayload) validate() error {
	if p.ElementID == "" {
		return fmt.Errorf("element_id is required: %w", ErrMalformed)
	}
	return nil
}

type addCommentPayload struct {
	ElementID string           `json:"element_id"`
	Text      string           `json:"text"`
	Position  *models.Position `json:"position"`
}

func (p *addCommentPayload) validate() error {
	if p.ElementID == "" || p.Text == "" || p.Position == nil {
		return fmt.Errorf("element_id, text and position are required: %w", ErrMalformed)
	}
	return nil
}

type commentRefPayload struct {
	CommentID string `json:"comment_id"`
}

func (p *commentRefPayload) validate() error {
	if p.CommentID == "" {
		return fmt.Errorf("comment_id is required: %w", ErrMalformed)
	}
	return nil
}

type createSnapshotPayload struct {
	Content     any    `json:"content"`
	Description string `json:"description"`
}

func (p *createSnapshotPayload) validate() error {
	if p.Content == nil {
		return fmt.Errorf("content is required: %w", ErrMalformed)
	}
	return nil
}

type participantRefPayload struct {
	ParticipantID string `json:"participant_id"`
}

func (p *participantRefPayload) validate() error {
	if p.ParticipantID == "" {
		return fmt.Errorf("participant_id is required: %w", ErrMalformed)
	}
	return nil
}

type updateCapabilitiesPayload struct {
	ParticipantID string              `json:"participant_id"`
	Capabilities  models.Capabilities `json:"capabilities"`
}

func (p *updateCapabilitiesPayload) validate() error {
	if p.ParticipantID == "" || len(p.Capabilities) == 0 {
		return fmt.Errorf("participant_id and capabilities are required: %w", ErrMalformed)
	}
	for _, c := range p.Capabilities {
		if !c.Known() {
			return fmt.Errorf("unknown capability %q: %w", c, ErrMalformed)
		}
	}
	return nil
}

type requestHistoryPayload struct {
	Limit int `json:"limit"`
}

func (p *requestHistoryPayload) validate() error {
	if p.Limit < 0 {
		return fmt.Errorf("limit must not be negative: %w", ErrMalformed)
	}
	return nil
}

type validator interface {
	validate() error
}

// newPayload returns an empty payload value for kind, or nil for kinds
// without a payload.
func newPayload(kind MessageKind) (validator, bool) {
	switch kind {
	case KindCursorMove:
		return &cursorMovePayload{}, true
	case KindElementSelect:
		return &elementSelectPayload{}, true
	case KindContentChange:
		return &contentChangePayload{}, true
	case KindUndoChange:
		return &changeRefPayload{}, true
	case KindLockElement, KindUnlockElement:
		return &elementRefPayload{}, true
	case KindAddComment:
		return &addCommentPayload{}, true
	case KindResolveComment:
		return &commentRefPayload{}, true
	case KindCreateSnapshot:
		return &createSnapshotPayload{}, true
	case KindRemoveParticipant:
		return &participantRefPayload{}, true
	case KindUpdateCapabilities:
		return &updateCapabilitiesPayload{}, true
	case KindRequestHistory:
		return &requestHistoryPayload{}, true
	case KindPing:
		return nil, true
	default:
		return nil, false
	}
}

// DecodeMessage parses and validates one inbound message. Every failure wraps
// ErrMalformed.
func DecodeMessage(raw []byte) (MessageKind, any, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", nil, fmt.Errorf("invalid envelope: %v: %w", err, ErrMalformed)
	}

	payload, known := newPayload(in.Type)
	if !known {
		return in.Type, nil, fmt.Errorf("unknown message type %q: %w", in.Type, ErrMalformed)
	}
	if payload == nil {
		return in.Type, nil, nil
	}

	body := in.Payload
	if len(body) == 0 || string(body) == "null" {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, payload); err != nil {
		return in.Type, nil, fmt.Errorf("invalid %s payload: %v: %w", in.Type, err, ErrMalformed)
	}
	if err := payload.validate(); err != nil {
		return in.Type, nil, fmt.Errorf("%s: %w", in.Type, err)
	}
	return in.Type, payload, nil
}
