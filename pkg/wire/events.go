package wire

// PlayerInfo is the public view of one room member.
type PlayerInfo struct {
	PlayerID  string `json:"playerId"`
	Name      string `json:"name"`
	AvatarID  int    `json:"avatarId"`
	Seat      int    `json:"seat"`
	Alive     bool   `json:"alive"`
	Connected bool   `json:"connected"`
	Ready     bool   `json:"ready"`
	HasCheese bool   `json:"hasCheese"`
}

// SettingsInfo is the public view of the room settings.
type SettingsInfo struct {
	TurnTimerSeconds int  `json:"turnTimerSeconds"`
	CheeseEnabled    bool `json:"cheeseEnabled"`
	CheeseCount      int  `json:"cheeseCount"`
}

// RoomInfo is the public view of a room.
type RoomInfo struct {
	RoomID    string       `json:"roomId"`
	JoinCode  string       `json:"joinCode"`
	HostID    string       `json:"hostId"`
	Status    RoomStatus   `json:"status"`
	Settings  SettingsInfo `json:"settings"`
	Players   []PlayerInfo `json:"players"`
	CreatedAt int64        `json:"createdAt"`
}

// GameInfo is the public view of the running game. It never carries card
// identities.
type GameInfo struct {
	Phase         Phase  `json:"phase"`
	DealerSeat    int    `json:"dealerSeat"`
	TurnSeat      *int   `json:"turnSeat"`
	RoundIndex    int    `json:"roundIndex"`
	AliveSeats    []int  `json:"aliveSeats"`
	FacedownSeats []int  `json:"facedownSeats"`
	ActedSeats    []int  `json:"actedSeats"`
	DeadlineTs    *int64 `json:"deadlineTs"`
	CheeseSeats   []int  `json:"cheeseSeats"`
}

// StateEvent is the full per-player snapshot sent on join and reconnect.
type StateEvent struct {
	Op           Op        `json:"op"`
	Room         RoomInfo  `json:"room"`
	Game         *GameInfo `json:"game"`
	YourSeat     int       `json:"yourSeat"`
	YourPlayerID string    `json:"yourPlayerId"`
}

func NewStateEvent(room RoomInfo, game *GameInfo, yourSeat int, yourPlayerID string) StateEvent {
	return StateEvent{Op: OpState, Room: room, Game: game, YourSeat: yourSeat, YourPlayerID: yourPlayerID}
}

// LobbyUpdateEvent carries membership and settings truth; it is broadcast on
// every membership, readiness, presence, or settings change.
type LobbyUpdateEvent struct {
	Op       Op           `json:"op"`
	Players  []PlayerInfo `json:"players"`
	Settings SettingsInfo `json:"settings"`
}

func NewLobbyUpdateEvent(players []PlayerInfo, settings SettingsInfo) LobbyUpdateEvent {
	return LobbyUpdateEvent{Op: OpLobbyUpdate, Players: players, Settings: settings}
}

// PhaseEvent announces every phase transition and every turn change.
type PhaseEvent struct {
	Op         Op     `json:"op"`
	Phase      Phase  `json:"phase"`
	DealerSeat int    `json:"dealerSeat"`
	TurnSeat   *int   `json:"turnSeat"`
	DeadlineTs *int64 `json:"deadlineTs"`
	AliveSeats []int  `json:"aliveSeats"`
}

func NewPhaseEvent(phase Phase, dealerSeat int, turnSeat *int, deadlineTs *int64, aliveSeats []int) PhaseEvent {
	return PhaseEvent{Op: OpPhase, Phase: phase, DealerSeat: dealerSeat, TurnSeat: turnSeat, DeadlineTs: deadlineTs, AliveSeats: aliveSeats}
}

// DealtEvent announces that cards are on the table for the listed seats.
type DealtEvent struct {
	Op         Op    `json:"op"`
	AliveSeats []int `json:"aliveSeats"`
}

func NewDealtEvent(aliveSeats []int) DealtEvent {
	return DealtEvent{Op: OpDealt, AliveSeats: aliveSeats}
}

// SwapEvent announces a card exchange between two seats. No card identities.
type SwapEvent struct {
	Op       Op  `json:"op"`
	FromSeat int `json:"fromSeat"`
	ToSeat   int `json:"toSeat"`
}

func NewSwapEvent(fromSeat, toSeat int) SwapEvent {
	return SwapEvent{Op: OpSwap, FromSeat: fromSeat, ToSeat: toSeat}
}

// RevealEvent discloses exactly one seat's card. This is the only event type
// allowed to carry a CardType.
type RevealEvent struct {
	Op       Op       `json:"op"`
	Seat     int      `json:"seat"`
	CardType CardType `json:"cardType"`
}

func NewRevealEvent(seat int, card CardType) RevealEvent {
	return RevealEvent{Op: OpReveal, Seat: seat, CardType: card}
}

// ElimEvent announces a seat's elimination.
type ElimEvent struct {
	Op   Op  `json:"op"`
	Seat int `json:"seat"`
}

func NewElimEvent(seat int) ElimEvent {
	return ElimEvent{Op: OpElim, Seat: seat}
}

// CheeseStolenEvent announces a cheese transfer from one seat to another.
type CheeseStolenEvent struct {
	Op       Op  `json:"op"`
	FromSeat int `json:"fromSeat"`
	ToSeat   int `json:"toSeat"`
}

func NewCheeseStolenEvent(fromSeat, toSeat int) CheeseStolenEvent {
	return CheeseStolenEvent{Op: OpCheeseStolen, FromSeat: fromSeat, ToSeat: toSeat}
}

// CheeseUpdateEvent carries the canonical set of cheese-holding seats.
type CheeseUpdateEvent struct {
	Op          Op    `json:"op"`
	CheeseSeats []int `json:"cheeseSeats"`
}

func NewCheeseUpdateEvent(cheeseSeats []int) CheeseUpdateEvent {
	return CheeseUpdateEvent{Op: OpCheeseUpdate, CheeseSeats: cheeseSeats}
}

// DealerPreviewEvent relays dealer composing activity to observers. Assigned
// is the only information that leaves the dealer's screen.
type DealerPreviewEvent struct {
	Op       Op   `json:"op"`
	Seat     int  `json:"seat"`
	Assigned bool `json:"assigned"`
}

func NewDealerPreviewEvent(seat int, assigned bool) DealerPreviewEvent {
	return DealerPreviewEvent{Op: OpDealerPreview, Seat: seat, Assigned: assigned}
}

// VoteUpdateEvent reports rematch voting progress.
type VoteUpdateEvent struct {
	Op            Op        `json:"op"`
	VotedYes      []int     `json:"votedYes"`
	RequiredVotes int       `json:"requiredVotes"`
	Phase         VotePhase `json:"phase"`
}

func NewVoteUpdateEvent(votedYes []int, requiredVotes int, phase VotePhase) VoteUpdateEvent {
	return VoteUpdateEvent{Op: OpVoteUpdate, VotedYes: votedYes, RequiredVotes: requiredVotes, Phase: phase}
}

// PlayerLeftEvent announces a removal from the room.
type PlayerLeftEvent struct {
	Op     Op          `json:"op"`
	Seat   int         `json:"seat"`
	Reason LeaveReason `json:"reason"`
}

func NewPlayerLeftEvent(seat int, reason LeaveReason) PlayerLeftEvent {
	return PlayerLeftEvent{Op: OpPlayerLeft, Seat: seat, Reason: reason}
}

// RoundEndEvent closes a round and names the next dealer.
type RoundEndEvent struct {
	Op             Op  `json:"op"`
	NextDealerSeat int `json:"nextDealerSeat"`
}

func NewRoundEndEvent(nextDealerSeat int) RoundEndEvent {
	return RoundEndEvent{Op: OpRoundEnd, NextDealerSeat: nextDealerSeat}
}

// GameEndEvent closes the game. WinnerSeat is null when nobody survived.
type GameEndEvent struct {
	Op         Op   `json:"op"`
	WinnerSeat *int `json:"winnerSeat"`
}

func NewGameEndEvent(winnerSeat *int) GameEndEvent {
	return GameEndEvent{Op: OpGameEnd, WinnerSeat: winnerSeat}
}

// ErrorEvent reports a rejected intent to the offending socket only.
type ErrorEvent struct {
	Op      Op        `json:"op"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func NewErrorEvent(code ErrorCode, message string) ErrorEvent {
	return ErrorEvent{Op: OpError, Code: code, Message: message}
}

// PongEvent answers a PING with the same t.
type PongEvent struct {
	Op Op    `json:"op"`
	T  int64 `json:"t"`
}

func NewPongEvent(t int64) PongEvent {
	return PongEvent{Op: OpPong, T: t}
}
