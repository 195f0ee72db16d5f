// Package httpapi is the thin HTTP surface in front of the registry: room
// creation and joining. Both endpoints hand back a bearer token the client
// presents on the WebSocket JOIN; every game rule stays behind the registry
// and the room engine.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lastsip/server/internal/v1/logging"
	"github.com/lastsip/server/internal/v1/registry"
	"github.com/lastsip/server/internal/v1/room"
	"github.com/lastsip/server/internal/v1/types"
	"github.com/lastsip/server/pkg/wire"
)

// RoomService is the slice of the registry the handlers call. Kept as an
// interface so tests can script failures.
type RoomService interface {
	CreateRoom(ctx context.Context, hostName types.DisplayNameType, avatarID int, sessionID types.SessionIdType) (registry.CreateRoomResult, error)
	JoinRoom(ctx context.Context, joinCode string, name types.DisplayNameType, avatarID int, sessionID types.SessionIdType) (registry.JoinRoomResult, error)
}

// Handler serves the room lifecycle endpoints.
type Handler struct {
	rooms RoomService
}

// NewHandler creates a Handler over the given room service.
func NewHandler(rooms RoomService) *Handler {
	return &Handler{rooms: rooms}
}

// Register mounts the endpoints on a router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/rooms", h.CreateRoom)
	rg.POST("/rooms/join", h.JoinRoom)
}

// CreateRoom handles POST /rooms. The caller becomes the host of a fresh
// lobby.
func (h *Handler) CreateRoom(c *gin.Context) {
	var req wire.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, wire.CodeInvalidRequest, "request body must be a JSON object")
		return
	}
	if msg, ok := validateIdentity(req.HostName, req.SessionID); !ok {
		writeError(c, http.StatusBadRequest, wire.CodeInvalidRequest, msg)
		return
	}

	res, err := h.rooms.CreateRoom(c.Request.Context(),
		types.DisplayNameType(strings.TrimSpace(req.HostName)), req.AvatarID, types.SessionIdType(req.SessionID))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	logging.Info(c.Request.Context(), "Room created via HTTP",
		zap.String("room", string(res.RoomID)),
		zap.String("joinCode", string(res.JoinCode)))
	c.JSON(http.StatusCreated, wire.CreateRoomResponse{
		RoomID:   string(res.RoomID),
		JoinCode: string(res.JoinCode),
		Token:    string(res.Token),
	})
}

// JoinRoom handles POST /rooms/join. A join that matches the session of a
// disconnected member returns that member's standing token with
// isReconnect=true instead of seating a new player.
func (h *Handler) JoinRoom(c *gin.Context) {
	var req wire.JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, wire.CodeInvalidRequest, "request body must be a JSON object")
		return
	}
	if strings.TrimSpace(req.JoinCode) == "" {
		writeError(c, http.StatusBadRequest, wire.CodeInvalidRequest, "joinCode is required")
		return
	}
	if msg, ok := validateIdentity(req.Name, req.SessionID); !ok {
		writeError(c, http.StatusBadRequest, wire.CodeInvalidRequest, msg)
		return
	}

	res, err := h.rooms.JoinRoom(c.Request.Context(),
		req.JoinCode, types.DisplayNameType(strings.TrimSpace(req.Name)), req.AvatarID, types.SessionIdType(req.SessionID))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, wire.JoinRoomResponse{
		RoomID:      string(res.RoomID),
		Token:       string(res.Token),
		IsReconnect: res.IsReconnect,
	})
}

// validateIdentity checks the fields shared by both endpoints. Name rules are
// re-checked by the room; this only rejects what would be a guaranteed 400.
func validateIdentity(name, sessionID string) (string, bool) {
	if strings.TrimSpace(name) == "" {
		return "name is required", false
	}
	if strings.TrimSpace(sessionID) == "" {
		return "sessionId is required", false
	}
	return "", true
}

// statusForCode maps engine error codes onto HTTP statuses.
func statusForCode(code wire.ErrorCode) int {
	switch code {
	case wire.CodeInvalidRequest:
		return http.StatusBadRequest
	case wire.CodeRoomNotFound:
		return http.StatusNotFound
	case wire.CodeRoomFull, wire.CodeNameTaken, wire.CodeGameInProgress, wire.CodeSessionAlreadyInRoom:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(c *gin.Context, err error) {
	var re *room.RoomError
	if errors.As(err, &re) {
		writeError(c, statusForCode(re.Code), re.Code, re.Message)
		return
	}
	if errors.Is(err, registry.ErrShuttingDown) {
		writeError(c, http.StatusServiceUnavailable, wire.CodeInvalidRequest, "server is shutting down")
		return
	}
	logging.Error(c.Request.Context(), "Room service failure", zap.Error(err))
	writeError(c, http.StatusInternalServerError, wire.CodeInvalidRequest, "internal error")
}

func writeError(c *gin.Context, status int, code wire.ErrorCode, message string) {
	c.JSON(status, wire.ErrorResponse{Code: code, Message: message})
}
