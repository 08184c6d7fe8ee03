package models

import "time"

// Snapshot is an immutable point-in-time copy of an element store.
type Snapshot struct {
	Elements  []Element `json:"elements"`
	ServerSeq uint64    `json:"serverSeq"`

	// ClearSeq is the sequence number of the last clear, if any.
	ClearSeq uint64 `json:"clearSeq,omitempty"`

	// Tombstones maps ids deleted since the last clear to the seq of the delete.
	Tombstones map[string]uint64 `json:"tombstones,omitempty"`
}

// RoomSnapshot is what gets written to durable storage.
type RoomSnapshot struct {
	RoomID string `json:"roomId"`

	// Epoch identifies one lineage of sequence numbers for the room.
	Epoch string `json:"epoch"`

	Snapshot
	SavedAt time.Time `json:"savedAt"`
}

// Clone returns a deep copy of the snapshot.
func (s RoomSnapshot) Clone() RoomSnapshot {
	elements := make([]Element, len(s.Elements))
	for i, el := range s.Elements {
		elements[i] = el.Clone()
	}
	s.Elements = elements
	if s.Tombstones != nil {
		tombstones := make(map[string]uint64, len(s.Tombstones))
		for id, seq := range s.Tombstones {
			tombstones[id] = seq
		}
		s.Tombstones = tombstones
	}
	return s
}
