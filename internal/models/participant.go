package models

import (
	"slices"
	"time"
)

// Capability is one thing a participant is allowed to do inside a session.
type Capability string

const (
	CapabilityRead  Capability = "read"
	CapabilityWrite Capability = "write"
	CapabilityAdmin Capability = "admin"
)

// Known reports whether c is one of the defined capabilities.
func (c Capability) Known() bool {
	switch c {
	case CapabilityRead, CapabilityWrite, CapabilityAdmin:
		return true
	}
	return false
}

// Capabilities is the capability set carried by a participant.
type Capabilities []Capability

// DefaultCapabilities is granted when a descriptor names none.
func DefaultCapabilities() Capabilities {
	return Capabilities{CapabilityRead, CapabilityWrite}
}

// Has reports whether c is in the set.
func (cs Capabilities) Has(c Capability) bool {
	return slices.Contains(cs, c)
}

// Position is a point on the page canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ParticipantDescriptor is what a connecting client tells us about itself.
// Every field is optional.
type ParticipantDescriptor struct {
	DisplayName  string       `json:"display_name,omitempty"`
	Avatar       string       `json:"avatar,omitempty"`
	Color        string       `json:"color,omitempty"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
}

// Participant is one connection's presence inside a session.
// Learning: Ephemeral, like the awareness state - never persisted.
type Participant struct {
	ID                string       `json:"id"`
	DisplayName       string       `json:"display_name"`
	Avatar            string       `json:"avatar,omitempty"`
	Color             string       `json:"color"`
	JoinedAt          time.Time    `json:"joined_at"`
	Cursor            *Position    `json:"cursor,omitempty"`
	SelectedElementID string       `json:"selected_element_id,omitempty"`
	Capabilities      Capabilities `json:"capabilities"`
}

// Clone returns a deep copy safe to hand out of the session lock.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	c := *p
	if p.Cursor != nil {
		cur := *p.Cursor
		c.Cursor = &cur
	}
	c.Capabilities = slices.Clone(p.Capabilities)
	return &c
}

// CanWrite reports whether the participant may append changes.
func (p *Participant) CanWrite() bool {
	return p != nil && p.Capabilities.Has(CapabilityWrite)
}
