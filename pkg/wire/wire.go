// Package wire defines the JSON protocol spoken between the Last Sip server
// and its clients. Every frame is a single flat object discriminated by the
// "op" field. The package is public so Go clients and bots can speak the
// protocol without re-declaring it.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Op discriminates every frame on the message channel.
type Op string

// Client → server intents.
const (
	OpJoin              Op = "JOIN"
	OpReady             Op = "READY"
	OpStartGame         Op = "START_GAME"
	OpUpdateSettings    Op = "UPDATE_SETTINGS"
	OpActionDrink       Op = "ACTION_DRINK"
	OpActionSwap        Op = "ACTION_SWAP"
	OpActionStealCheese Op = "ACTION_STEAL_CHEESE"
	OpDealerSet         Op = "DEALER_SET"
	OpDealerPreview     Op = "DEALER_PREVIEW"
	OpStartReveal       Op = "START_REVEAL"
	OpVoteRematch       Op = "VOTE_REMATCH"
	OpLeaveRoom         Op = "LEAVE_ROOM"
	OpPing              Op = "PING"
)

// Server → client events.
const (
	OpState        Op = "STATE"
	OpLobbyUpdate  Op = "LOBBY_UPDATE"
	OpPhase        Op = "PHASE"
	OpDealt        Op = "DEALT"
	OpSwap         Op = "SWAP"
	OpReveal       Op = "REVEAL"
	OpElim         Op = "ELIM"
	OpCheeseStolen Op = "CHEESE_STOLEN"
	OpCheeseUpdate Op = "CHEESE_UPDATE"
	OpVoteUpdate   Op = "VOTE_UPDATE"
	OpPlayerLeft   Op = "PLAYER_LEFT"
	OpRoundEnd     Op = "ROUND_END"
	OpGameEnd      Op = "GAME_END"
	OpError        Op = "ERROR"
	OpPong         Op = "PONG"
)

// CardType is a hidden card identity. It appears on the wire only inside a
// REVEAL event for the revealed seat.
type CardType string

const (
	CardSafe CardType = "SAFE"
	CardDoom CardType = "DOOM"
)

// Valid reports whether c is one of the two card kinds.
func (c CardType) Valid() bool {
	return c == CardSafe || c == CardDoom
}

// Phase is the round state machine phase, present while a game is running.
type Phase string

const (
	PhaseDealerSetup    Phase = "DEALER_SETUP"
	PhaseDealing        Phase = "DEALING"
	PhaseTurns          Phase = "TURNS"
	PhaseAwaitingReveal Phase = "AWAITING_REVEAL"
	PhaseFinalReveal    Phase = "FINAL_REVEAL"
	PhaseRoundEnd       Phase = "ROUND_END"
	PhaseGameEnd        Phase = "GAME_END"
)

// RoomStatus is the coarse room lifecycle state.
type RoomStatus string

const (
	RoomStatusLobby  RoomStatus = "LOBBY"
	RoomStatusInGame RoomStatus = "IN_GAME"
)

// VotePhase qualifies VOTE_UPDATE events during rematch voting.
type VotePhase string

const (
	VotePhaseVoting   VotePhase = "VOTING"
	VotePhaseStarting VotePhase = "STARTING"
)

// LeaveReason qualifies PLAYER_LEFT events.
type LeaveReason string

const (
	LeaveReasonDisconnected LeaveReason = "disconnected"
	LeaveReasonLeft         LeaveReason = "left"
)

// ErrorCode is the machine-readable code carried by ERROR frames and HTTP
// failure bodies.
type ErrorCode string

const (
	// Identity / auth
	CodeInvalidToken         ErrorCode = "INVALID_TOKEN"
	CodeNotInRoom            ErrorCode = "NOT_IN_ROOM"
	CodeSessionAlreadyInRoom ErrorCode = "SESSION_ALREADY_IN_ROOM"

	// Room lifecycle
	CodeRoomNotFound   ErrorCode = "ROOM_NOT_FOUND"
	CodeRoomFull       ErrorCode = "ROOM_FULL"
	CodeGameInProgress ErrorCode = "GAME_IN_PROGRESS"
	CodeNameTaken      ErrorCode = "NAME_TAKEN"

	// Authorization
	CodeNotHost   ErrorCode = "NOT_HOST"
	CodeNotDealer ErrorCode = "NOT_DEALER"

	// Turn legality
	CodeNotYourTurn   ErrorCode = "NOT_YOUR_TURN"
	CodeAlreadyActed  ErrorCode = "ALREADY_ACTED"
	CodeInvalidTarget ErrorCode = "INVALID_TARGET"
	CodeInvalidAction ErrorCode = "INVALID_ACTION"

	// Start legality
	CodeNotEnoughPlayers ErrorCode = "NOT_ENOUGH_PLAYERS"
	CodeNotAllReady      ErrorCode = "NOT_ALL_READY"

	// Dealer composition
	CodeMissingAssignments ErrorCode = "MISSING_ASSIGNMENTS"
	CodeInvalidComposition ErrorCode = "INVALID_COMPOSITION"

	// Cheese
	CodeAlreadyHasCheese ErrorCode = "ALREADY_HAS_CHEESE"
	CodeNoCheeseToSteal  ErrorCode = "NO_CHEESE_TO_STEAL"

	// Parse
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeUnknownOp      ErrorCode = "UNKNOWN_OP"
)

// ErrMalformed is returned by DecodeIntent for frames that are not valid JSON
// objects, lack an op, or carry fields of the wrong shape.
var ErrMalformed = errors.New("malformed frame")

// UnknownOpError is returned by DecodeIntent for well-formed frames whose op
// is not a known client intent.
type UnknownOpError struct {
	Op Op
}

func (e *UnknownOpError) Error() string {
	return fmt.Sprintf("unknown op %q", string(e.Op))
}

// Encode serializes an outbound event. Events are plain structs whose Op
// field is populated by their constructor.
func Encode(event any) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}
