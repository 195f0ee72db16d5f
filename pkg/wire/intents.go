package wire

import "encoding/json"

// JoinIntent binds an open socket to the (room, player) named by the token.
// Name and avatar are advisory; the record created over HTTP wins.
type JoinIntent struct {
	Token    string `json:"token"`
	Name     string `json:"name,omitempty"`
	AvatarID int    `json:"avatarId,omitempty"`
}

// ReadyIntent toggles lobby readiness.
type ReadyIntent struct {
	Ready bool `json:"ready"`
}

// SettingsPatch carries the host's partial settings update. Nil fields are
// left unchanged.
type SettingsPatch struct {
	CheeseEnabled    *bool `json:"cheeseEnabled,omitempty"`
	CheeseCount      *int  `json:"cheeseCount,omitempty"`
	TurnTimerSeconds *int  `json:"turnTimerSeconds,omitempty"`
}

// UpdateSettingsIntent applies a settings patch while in the lobby.
type UpdateSettingsIntent struct {
	Settings SettingsPatch `json:"settings"`
}

// SwapIntent exchanges the actor's hidden card with the target seat's.
// TargetSeat is a pointer because seat 0 is a legal target.
type SwapIntent struct {
	TargetSeat *int `json:"targetSeat"`
}

// StealCheeseIntent transfers the target seat's cheese to the actor.
type StealCheeseIntent struct {
	TargetSeat *int `json:"targetSeat"`
}

// DealerSetIntent commits the round's composition, ordered by ascending
// alive seat.
type DealerSetIntent struct {
	Composition []CardType `json:"composition"`
}

// DealerPreviewIntent marks or clears a pending assignment while composing.
// A nil CardType clears the mark. Observers only ever see a boolean.
type DealerPreviewIntent struct {
	Seat     *int      `json:"seat"`
	CardType *CardType `json:"cardType"`
}

// VoteRematchIntent sets the sender's rematch vote.
type VoteRematchIntent struct {
	Vote bool `json:"vote"`
}

// PingIntent is an application-level liveness probe; T is echoed verbatim.
type PingIntent struct {
	T int64 `json:"t"`
}

// DecodeIntent parses one inbound frame. It returns the frame's op and, for
// ops that carry a payload, a pointer to the op's intent struct. Frames that
// are not JSON objects or whose fields have the wrong shape yield
// ErrMalformed; well-formed frames with an unrecognized op yield
// *UnknownOpError. Unknown fields are ignored.
func DecodeIntent(data []byte) (Op, any, error) {
	var envelope struct {
		Op Op `json:"op"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil, ErrMalformed
	}
	if envelope.Op == "" {
		return "", nil, ErrMalformed
	}

	switch envelope.Op {
	case OpJoin:
		var intent JoinIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return envelope.Op, nil, ErrMalformed
		}
		return envelope.Op, &intent, nil
	case OpReady:
		var intent ReadyIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return envelope.Op, nil, ErrMalformed
		}
		return envelope.Op, &intent, nil
	case OpUpdateSettings:
		var intent UpdateSettingsIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return envelope.Op, nil, ErrMalformed
		}
		return envelope.Op, &intent, nil
	case OpActionSwap:
		var intent SwapIntent
		if err := json.Unmarshal(data, &intent); err != nil || intent.TargetSeat == nil {
			return envelope.Op, nil, ErrMalformed
		}
		return envelope.Op, &intent, nil
	case OpActionStealCheese:
		var intent StealCheeseIntent
		if err := json.Unmarshal(data, &intent); err != nil || intent.TargetSeat == nil {
			return envelope.Op, nil, ErrMalformed
		}
		return envelope.Op, &intent, nil
	case OpDealerSet:
		var intent DealerSetIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return envelope.Op, nil, ErrMalformed
		}
		return envelope.Op, &intent, nil
	case OpDealerPreview:
		var intent DealerPreviewIntent
		if err := json.Unmarshal(data, &intent); err != nil || intent.Seat == nil {
			return envelope.Op, nil, ErrMalformed
		}
		return envelope.Op, &intent, nil
	case OpVoteRematch:
		var intent VoteRematchIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return envelope.Op, nil, ErrMalformed
		}
		return envelope.Op, &intent, nil
	case OpPing:
		var intent PingIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return envelope.Op, nil, ErrMalformed
		}
		return envelope.Op, &intent, nil
	case OpStartGame, OpActionDrink, OpStartReveal, OpLeaveRoom:
		return envelope.Op, nil, nil
	default:
		return envelope.Op, nil, &UnknownOpError{Op: envelope.Op}
	}
}
