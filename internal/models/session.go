package models

import "time"

// Comment is a note pinned to an element.
type Comment struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	ElementID  string    `json:"element_id"`
	Text       string    `json:"text"`
	Position   Position  `json:"position"`
	CreatedAt  time.Time `json:"created_at"`
	Resolved   bool      `json:"resolved"`
}

// Snapshot is a manually captured full-content checkpoint.
type Snapshot struct {
	ID          string    `json:"id"`
	AuthorID    string    `json:"author_id"`
	Content     any       `json:"content"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ChangeCount int       `json:"change_count"`
}

// SessionState is the view of a session sent to a newly connected client.
type SessionState struct {
	DocumentID    string         `json:"document_id"`
	Participants  []*Participant `json:"participants"`
	Locks         []*Lock        `json:"locks"`
	RecentChanges []*Change      `json:"recent_changes"`
	ChangeCount   int            `json:"change_count"`
}

// SessionSummary is the lightweight listing used by the HTTP API.
type SessionSummary struct {
	DocumentID   string    `json:"document_id"`
	Participants int       `json:"participants"`
	ChangeCount  int       `json:"change_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Action is a boundary capability check evaluated by the permissions policy.
type Action string

const (
	ActionInviteParticipant  Action = "invite_participant"
	ActionRemoveParticipant  Action = "remove_participant"
	ActionPromoteParticipant Action = "promote_participant"
	ActionResolveComment     Action = "resolve_comment"
)
