package models

import "time"

// Role orders participants by mutation privilege.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleModerator    Role = "moderator"
	RoleCollaborator Role = "collaborator"
	RoleViewer       Role = "viewer"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleModerator:
		return 2
	case RoleCollaborator:
		return 1
	}
	return 0
}

func (r Role) Valid() bool {
	return r == RoleViewer || r.rank() > 0
}

// AtLeast reports whether r has at least the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= other.rank()
}

// CanMutate reports whether the role may emit element mutations.
func (r Role) CanMutate() bool {
	return r.AtLeast(RoleCollaborator)
}

// CanClear reports whether the role may wipe the whole board.
func (r Role) CanClear() bool {
	return r.AtLeast(RoleModerator)
}

// Cursor is the last known pointer position of a participant.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Participant is a connected editor of a room.
type Participant struct {
	// ID is the unique identifier of the participant, one per connection.
	ID string `json:"id"`

	// UserID is the stable identifier supplied by the identity provider.
	UserID string `json:"userId"`

	DisplayName string `json:"displayName"`
	CursorColor string `json:"cursorColor"`
	Role        Role   `json:"role"`

	// Cursor is ephemeral and not versioned.
	Cursor *Cursor `json:"cursor,omitempty"`

	// Online is driven by heartbeats.
	Online bool `json:"online"`

	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"-"`
}
