// Package protocol defines the JSON messages exchanged over a room websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidMessage = errors.New("invalid message")

// DecodeError is returned when a known event carries a body that does not
// decode. ClientSeq is recovered for op messages so the sender can be told
// which optimistic operation to revert.
type DecodeError struct {
	Event     string
	ClientSeq uint64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("error decoding %s message: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses a client message into its concrete request type.
func Decode(msg []byte) (interface{}, error) {
	var message Message
	if err := json.Unmarshal(msg, &message); err != nil {
		return nil, ErrInvalidMessage
	}

	var target interface{}
	switch message.Event {
	case EventJoin:
		target = &MessageJoinRequest{}
	case EventOp:
		target = &MessageOpRequest{}
	case EventCursor:
		target = &MessageCursorRequest{}
	case EventResync:
		target = &MessageResyncRequest{}
	case EventHeartbeat:
		target = &MessageHeartbeatRequest{}
	default:
		return nil, fmt.Errorf("unknown event %q: %w", message.Event, ErrInvalidMessage)
	}

	if err := json.Unmarshal(msg, target); err != nil {
		decodeErr := &DecodeError{Event: message.Event, Err: err}
		if message.Event == EventOp {
			var partial struct {
				Op struct {
					ClientSeq uint64 `json:"clientSeq"`
				} `json:"op"`
			}
			if json.Unmarshal(msg, &partial) == nil {
				decodeErr.ClientSeq = partial.Op.ClientSeq
			}
		}
		return nil, decodeErr
	}
	return target, nil
}

// DecodeServer parses a server message, used by the Go client.
func DecodeServer(msg []byte) (interface{}, error) {
	var message Message
	if err := json.Unmarshal(msg, &message); err != nil {
		return nil, ErrInvalidMessage
	}

	var target interface{}
	switch message.Event {
	case EventSnapshot:
		target = &MessageSnapshotResponse{}
	case EventDelta:
		target = &MessageDeltaResponse{}
	case EventSequencedOp:
		target = &MessageSequencedOpResponse{}
	case EventPresence:
		target = &MessagePresenceResponse{}
	case EventCursors:
		target = &MessageCursorsResponse{}
	case EventRejected:
		target = &MessageRejectedResponse{}
	case EventStale:
		target = &MessageStaleResponse{}
	case EventError:
		target = &MessageErrorResponse{}
	default:
		return nil, fmt.Errorf("unknown event %q: %w", message.Event, ErrInvalidMessage)
	}

	if err := json.Unmarshal(msg, target); err != nil {
		return nil, &DecodeError{Event: message.Event, Err: err}
	}
	return target, nil
}
