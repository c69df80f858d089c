package models

import "time"

// ChangeSpec is a client's request to edit one element.
type ChangeSpec struct {
	Kind            string `json:"kind"`
	ElementID       string `json:"element_id"`
	Payload         any    `json:"payload"`
	PreviousPayload any    `json:"previous_payload"`
}

// Change is one entry of a session's change log. Never mutated after append.
type Change struct {
	ID              string    `json:"id"`
	ParticipantID   string    `json:"participant_id"`
	Timestamp       time.Time `json:"timestamp"`
	Kind            string    `json:"kind"`
	ElementID       string    `json:"element_id"`
	Payload         any       `json:"payload"`
	PreviousPayload any       `json:"previous_payload"`
	Undoes          string    `json:"undoes,omitempty"`
}

// Lock is a time-limited exclusive claim on one element.
type Lock struct {
	ElementID  string    `json:"element_id"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock no longer holds at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
