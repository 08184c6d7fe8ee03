package room

import (
	"errors"

	"github.com/Icerzack/excalisync/internal/board"
	"github.com/Icerzack/excalisync/internal/models"
	"github.com/Icerzack/excalisync/internal/protocol"
)

var (
	ErrNoSuchRoom = errors.New("no such room")
	ErrRoomClosed = errors.New("room closed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotJoined  = errors.New("participant not joined")
)

// ErrorCode maps an error to the code sent over the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrMalformed), errors.Is(err, board.ErrKindChanged):
		return protocol.CodeMalformed
	case errors.Is(err, ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, board.ErrUnknownElement):
		return protocol.CodeUnknownElement
	case errors.Is(err, board.ErrDuplicateElement):
		return protocol.CodeDuplicateElement
	case errors.Is(err, ErrNoSuchRoom):
		return protocol.CodeNoSuchRoom
	case errors.Is(err, ErrNotJoined):
		return protocol.CodeNotJoined
	case errors.Is(err, ErrRoomClosed):
		return protocol.CodeRoomClosed
	}
	return protocol.CodeInternal
}
