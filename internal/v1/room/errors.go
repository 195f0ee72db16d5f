package room

import "github.com/lastsip/server/pkg/wire"

// RoomError is a rejected operation carrying the machine code that goes on
// the wire. Socket intents surface it as an ERROR frame; the HTTP layer maps
// it to a status and an ErrorResponse body.
type RoomError struct {
	Code    wire.ErrorCode
	Message string
}

func (e *RoomError) Error() string {
	return string(e.Code) + ": " + e.Message
}

func newRoomError(code wire.ErrorCode, message string) *RoomError {
	return &RoomError{Code: code, Message: message}
}

// Errors returned by membership operations. Handlers build intent-specific
// errors inline; these cover the paths the HTTP surface needs to map.
var (
	ErrRoomFull             = newRoomError(wire.CodeRoomFull, "room is full")
	ErrGameInProgress       = newRoomError(wire.CodeGameInProgress, "game already in progress")
	ErrNameTaken            = newRoomError(wire.CodeNameTaken, "name already taken")
	ErrSessionAlreadyInRoom = newRoomError(wire.CodeSessionAlreadyInRoom, "session already connected in this room")
	ErrRoomClosed           = newRoomError(wire.CodeRoomNotFound, "room is closed")
)
