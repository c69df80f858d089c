// Package permissions answers allow/deny for participant management and
// comment resolution, based on the capabilities a participant joined with.
package permissions

import "pagecollab/internal/models"

// Policy is the capability-based permission check.
type Policy struct {
	// StrictCommentResolution limits resolving a comment to its author and
	// admins. When false any participant may resolve any comment.
	StrictCommentResolution bool
}

// NewPolicy creates a policy
func NewPolicy(strictCommentResolution bool) *Policy {
	return &Policy{StrictCommentResolution: strictCommentResolution}
}

// Allowed reports whether actor may perform action on something owned by
// ownerID (the target participant, or a comment's author).
func (p *Policy) Allowed(actor *models.Participant, action models.Action, ownerID string) bool {
	if actor == nil {
		return false
	}
	isAdmin := actor.Capabilities.Has(models.CapabilityAdmin)

	switch action {
	case models.ActionRemoveParticipant:
		return isAdmin || actor.ID == ownerID
	case models.ActionInviteParticipant, models.ActionPromoteParticipant:
		return isAdmin
	case models.ActionResolveComment:
		if !p.StrictCommentResolution {
			return true
		}
		return isAdmin || actor.ID == ownerID
	default:
		return false
	}
}
