package protocol

import "github.com/Icerzack/excalisync/internal/models"

const (
	EventJoin      = "join"
	EventOp        = "op"
	EventCursor    = "cursor"
	EventResync    = "resync"
	EventHeartbeat = "heartbeat"

	EventSnapshot    = "snapshot"
	EventDelta       = "delta"
	EventSequencedOp = "sequenced-op"
	EventPresence    = "presence"
	EventCursors     = "cursors"
	EventRejected    = "rejected"
	EventStale       = "stale"
	EventError       = "error"
)

// Error codes carried by rejected and error messages.
const (
	CodeMalformed        = "malformed"
	CodeForbidden        = "forbidden"
	CodeUnknownElement   = "unknown_element"
	CodeDuplicateElement = "duplicate_element"
	CodeNoSuchRoom       = "no_such_room"
	CodeNotJoined        = "not_joined"
	CodeRoomClosed       = "room_closed"
	CodeUnauthorized     = "unauthorized"
	CodeInternal         = "internal"
)

type Message struct {
	Event string `json:"event"`
}

type MessageJoinRequest struct {
	Message
	RoomID      string      `json:"roomId"`
	UserID      string      `json:"userId,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Role        models.Role `json:"role,omitempty"`

	// Token is handed to the identity provider when one is configured.
	Token string `json:"token,omitempty"`

	// Create allows the join to create the room when it does not exist.
	Create bool `json:"create,omitempty"`

	// LastKnownSeq and Epoch are set when reconnecting.
	LastKnownSeq uint64 `json:"lastKnownSeq,omitempty"`
	Epoch        string `json:"epoch,omitempty"`
}

type MessageOpRequest struct {
	Message
	Op models.Operation `json:"op"`
}

type MessageCursorRequest struct {
	Message
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type MessageResyncRequest struct {
	Message
	LastKnownSeq uint64 `json:"lastKnownSeq"`
	Epoch        string `json:"epoch,omitempty"`
}

type MessageHeartbeatRequest struct {
	Message
}

type MessageSnapshotResponse struct {
	Message
	RoomID       string               `json:"roomId"`
	Epoch        string               `json:"epoch"`
	ServerSeq    uint64               `json:"serverSeq"`
	ClearSeq     uint64               `json:"clearSeq,omitempty"`
	Elements     []models.Element     `json:"elements"`
	Tombstones   map[string]uint64    `json:"tombstones,omitempty"`
	Participants []models.Participant `json:"participants,omitempty"`
	Self         *models.Participant  `json:"self,omitempty"`
}

// Snapshot is the element state carried by the message.
func (m *MessageSnapshotResponse) Snapshot() models.Snapshot {
	return models.Snapshot{
		Elements:   m.Elements,
		ServerSeq:  m.ServerSeq,
		ClearSeq:   m.ClearSeq,
		Tombstones: m.Tombstones,
	}
}

type MessageDeltaResponse struct {
	Message
	RoomID       string               `json:"roomId"`
	Epoch        string               `json:"epoch"`
	ServerSeq    uint64               `json:"serverSeq"`
	Ops          []models.Operation   `json:"ops"`
	Participants []models.Participant `json:"participants,omitempty"`
	Self         *models.Participant  `json:"self,omitempty"`
}

type MessageSequencedOpResponse struct {
	Message
	Op models.Operation `json:"op"`
}

type MessagePresenceResponse struct {
	Message
	RoomID       string               `json:"roomId"`
	Participants []models.Participant `json:"participants"`
}

type CursorPosition struct {
	ParticipantID string  `json:"participantId"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
}

type MessageCursorsResponse struct {
	Message
	Cursors []CursorPosition `json:"cursors"`
}

type MessageRejectedResponse struct {
	Message
	ClientSeq uint64 `json:"clientSeq"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}

type MessageStaleResponse struct {
	Message
	ServerSeq uint64 `json:"serverSeq"`
}

type MessageErrorResponse struct {
	Message
	Code   string `json:"code"`
	Reason string `json:"reason"`
}
