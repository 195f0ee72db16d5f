package wire

// CreateRoomRequest is the body of POST /rooms.
type CreateRoomRequest struct {
	HostName  string `json:"hostName"`
	AvatarID  int    `json:"avatarId"`
	SessionID string `json:"sessionId"`
}

// CreateRoomResponse is the success body of POST /rooms.
type CreateRoomResponse struct {
	RoomID   string `json:"roomId"`
	JoinCode string `json:"joinCode"`
	Token    string `json:"token"`
}

// JoinRoomRequest is the body of POST /rooms/join.
type JoinRoomRequest struct {
	JoinCode  string `json:"joinCode"`
	Name      string `json:"name"`
	AvatarID  int    `json:"avatarId"`
	SessionID string `json:"sessionId"`
}

// JoinRoomResponse is the success body of POST /rooms/join. IsReconnect is
// true when the returned token belongs to a disconnected player with the
// same session.
type JoinRoomResponse struct {
	RoomID      string `json:"roomId"`
	Token       string `json:"token"`
	IsReconnect bool   `json:"isReconnect"`
}

// ErrorResponse is the failure body of every HTTP endpoint.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
