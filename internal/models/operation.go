package models

import "fmt"

// OpType identifies what an operation does.
type OpType string

const (
	OpAdd        OpType = "add"
	OpUpdate     OpType = "update"
	OpDelete     OpType = "delete"
	OpClear      OpType = "clear"
	OpCursorMove OpType = "cursor-move"
)

// Operation is the envelope for a single intended mutation or ephemeral signal.
type Operation struct {
	Type OpType `json:"type"`

	RoomID    string `json:"roomId,omitempty"`
	ElementID string `json:"elementId,omitempty"`

	// SenderID is the participant that submitted the operation, set by the hub.
	SenderID string `json:"senderId,omitempty"`

	// ClientSeq is the sender's monotonic counter used for optimistic bookkeeping.
	ClientSeq uint64 `json:"clientSeq"`

	// ServerSeq is assigned once by the hub and defines the total order within a room.
	ServerSeq uint64 `json:"serverSeq,omitempty"`

	// Payload is the full element state for add and update.
	Payload *Element `json:"payload,omitempty"`

	// Cursor is only set for cursor moves.
	Cursor *Cursor `json:"cursor,omitempty"`
}

// Mutating reports whether the operation changes the element store.
func (o Operation) Mutating() bool {
	switch o.Type {
	case OpAdd, OpUpdate, OpDelete, OpClear:
		return true
	}
	return false
}

// Validate checks the envelope and, for add and update, the element payload.
// A missing ElementID is filled in from the payload.
func (o *Operation) Validate(bounds Bounds) error {
	switch o.Type {
	case OpAdd, OpUpdate:
		if o.Payload == nil {
			return fmt.Errorf("%s without payload: %w", o.Type, ErrMalformed)
		}
		if o.ElementID == "" {
			o.ElementID = o.Payload.ID
		}
		if o.ElementID != o.Payload.ID {
			return fmt.Errorf("element id %q does not match payload id %q: %w", o.ElementID, o.Payload.ID, ErrMalformed)
		}
		return o.Payload.Validate(bounds)
	case OpDelete:
		if o.ElementID == "" {
			return fmt.Errorf("delete without element id: %w", ErrMalformed)
		}
		if o.Payload != nil {
			return fmt.Errorf("delete with payload: %w", ErrMalformed)
		}
	case OpClear:
		if o.ElementID != "" || o.Payload != nil {
			return fmt.Errorf("clear takes no element: %w", ErrMalformed)
		}
	case OpCursorMove:
		if o.Cursor == nil {
			return fmt.Errorf("cursor move without position: %w", ErrMalformed)
		}
	default:
		return fmt.Errorf("unknown operation type %q: %w", o.Type, ErrMalformed)
	}
	return nil
}

// Clone returns a deep copy of the operation.
func (o Operation) Clone() Operation {
	if o.Payload != nil {
		p := o.Payload.Clone()
		o.Payload = &p
	}
	if o.Cursor != nil {
		c := *o.Cursor
		o.Cursor = &c
	}
	return o
}
