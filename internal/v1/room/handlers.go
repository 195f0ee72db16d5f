package room

import (
	"context"
	"fmt"
	"time"

	"github.com/lastsip/server/internal/v1/metrics"
	"github.com/lastsip/server/internal/v1/types"
	"github.com/lastsip/server/pkg/wire"
)

// Router dispatches one decoded intent from a bound socket. Illegal intents
// never mutate state; the sender gets an ERROR frame and play continues.
func (r *Room) Router(ctx context.Context, playerID types.PlayerIdType, op wire.Op, payload any) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	p, ok := r.players[playerID]
	if !ok || !p.connected() {
		return
	}

	switch op {
	case wire.OpReady:
		intent, ok := payload.(*wire.ReadyIntent)
		if !ok {
			r.sendErrorLocked(p, wire.CodeInvalidMessage, "malformed READY payload")
			return
		}
		r.handleReadyLocked(p, intent.Ready)

	case wire.OpStartGame:
		r.handleStartGameLocked(p)

	case wire.OpUpdateSettings:
		intent, ok := payload.(*wire.UpdateSettingsIntent)
		if !ok {
			r.sendErrorLocked(p, wire.CodeInvalidMessage, "malformed UPDATE_SETTINGS payload")
			return
		}
		r.handleUpdateSettingsLocked(p, intent.Settings)

	case wire.OpActionDrink:
		r.handleDrinkLocked(p)

	case wire.OpActionSwap:
		intent, ok := payload.(*wire.SwapIntent)
		if !ok || intent.TargetSeat == nil {
			r.sendErrorLocked(p, wire.CodeInvalidMessage, "malformed ACTION_SWAP payload")
			return
		}
		r.handleSwapLocked(p, *intent.TargetSeat)

	case wire.OpActionStealCheese:
		intent, ok := payload.(*wire.StealCheeseIntent)
		if !ok || intent.TargetSeat == nil {
			r.sendErrorLocked(p, wire.CodeInvalidMessage, "malformed ACTION_STEAL_CHEESE payload")
			return
		}
		r.handleStealCheeseLocked(p, *intent.TargetSeat)

	case wire.OpDealerSet:
		intent, ok := payload.(*wire.DealerSetIntent)
		if !ok {
			r.sendErrorLocked(p, wire.CodeInvalidMessage, "malformed DEALER_SET payload")
			return
		}
		r.handleDealerSetLocked(p, intent.Composition)

	case wire.OpDealerPreview:
		intent, ok := payload.(*wire.DealerPreviewIntent)
		if !ok || intent.Seat == nil {
			r.sendErrorLocked(p, wire.CodeInvalidMessage, "malformed DEALER_PREVIEW payload")
			return
		}
		r.handleDealerPreviewLocked(p, *intent.Seat, intent.CardType)

	case wire.OpStartReveal:
		r.handleStartRevealLocked(p)

	case wire.OpVoteRematch:
		intent, ok := payload.(*wire.VoteRematchIntent)
		if !ok {
			r.sendErrorLocked(p, wire.CodeInvalidMessage, "malformed VOTE_REMATCH payload")
			return
		}
		r.handleVoteRematchLocked(p, intent.Vote)

	case wire.OpLeaveRoom:
		r.removePlayerLocked(p, wire.LeaveReasonLeft)

	default:
		r.sendErrorLocked(p, wire.CodeUnknownOp, fmt.Sprintf("unsupported op %q", op))
	}
}

// --- Lobby ---

func (r *Room) handleReadyLocked(p *playerState, ready bool) {
	if r.status != wire.RoomStatusLobby {
		r.sendErrorLocked(p, wire.CodeInvalidAction, "readiness only applies in the lobby")
		return
	}
	if p.ready == ready {
		return
	}
	p.ready = ready
	r.broadcastLobbyLocked()
}

func (r *Room) handleStartGameLocked(p *playerState) {
	if p.id != r.hostID {
		r.sendErrorLocked(p, wire.CodeNotHost, "only the host can start the game")
		return
	}
	if r.status != wire.RoomStatusLobby {
		r.sendErrorLocked(p, wire.CodeGameInProgress, "game already in progress")
		return
	}
	if len(r.players) < MinPlayers {
		r.sendErrorLocked(p, wire.CodeNotEnoughPlayers, fmt.Sprintf("need at least %d players", MinPlayers))
		return
	}
	for _, other := range r.players {
		if other.id != r.hostID && !other.ready {
			r.sendErrorLocked(p, wire.CodeNotAllReady, "waiting for players to ready up")
			return
		}
	}
	r.startGameLocked()
}

func (r *Room) handleUpdateSettingsLocked(p *playerState, patch wire.SettingsPatch) {
	if p.id != r.hostID {
		r.sendErrorLocked(p, wire.CodeNotHost, "only the host can change settings")
		return
	}
	if r.status != wire.RoomStatusLobby {
		r.sendErrorLocked(p, wire.CodeGameInProgress, "settings are locked during a game")
		return
	}

	next := r.settings
	if patch.CheeseEnabled != nil {
		next.CheeseEnabled = *patch.CheeseEnabled
	}
	if patch.CheeseCount != nil {
		if *patch.CheeseCount < MinCheeseCount || *patch.CheeseCount > MaxCheeseCount {
			r.sendErrorLocked(p, wire.CodeInvalidRequest,
				fmt.Sprintf("cheeseCount must be between %d and %d", MinCheeseCount, MaxCheeseCount))
			return
		}
		next.CheeseCount = *patch.CheeseCount
	}
	if patch.TurnTimerSeconds != nil {
		if *patch.TurnTimerSeconds < MinTurnTimerSeconds || *patch.TurnTimerSeconds > MaxTurnTimerSeconds {
			r.sendErrorLocked(p, wire.CodeInvalidRequest,
				fmt.Sprintf("turnTimerSeconds must be between %d and %d", MinTurnTimerSeconds, MaxTurnTimerSeconds))
			return
		}
		next.TurnTimerSeconds = *patch.TurnTimerSeconds
	}

	r.settings = next
	r.broadcastLobbyLocked()
}

// --- Turn actions ---

// turnGateLocked applies the legality checks shared by all turn actions and
// reports whether the action may proceed. Acted-already outranks
// not-your-turn so a retried action gets the more specific answer.
func (r *Room) turnGateLocked(p *playerState) bool {
	g := r.game
	if g == nil || g.phase != wire.PhaseTurns {
		r.sendErrorLocked(p, wire.CodeInvalidAction, "no turn to act in")
		return false
	}
	if !p.alive {
		r.sendErrorLocked(p, wire.CodeInvalidAction, "eliminated players cannot act")
		return false
	}
	if g.acted.Has(p.seat) {
		r.sendErrorLocked(p, wire.CodeAlreadyActed, "seat already acted this round")
		return false
	}
	if g.turnSeat != p.seat {
		r.sendErrorLocked(p, wire.CodeNotYourTurn, "not your turn")
		return false
	}
	return true
}

func (r *Room) handleDrinkLocked(p *playerState) {
	if !r.turnGateLocked(p) {
		return
	}
	r.performDrinkLocked(p.seat)
}

func (r *Room) handleSwapLocked(p *playerState, target int) {
	if !r.turnGateLocked(p) {
		return
	}
	g := r.game
	if target == p.seat {
		r.sendErrorLocked(p, wire.CodeInvalidTarget, "cannot swap with yourself")
		return
	}
	// Swapping with the dealer is legal; any facedown card qualifies.
	if !g.facedown.Has(target) {
		r.sendErrorLocked(p, wire.CodeInvalidTarget, "target seat has no facedown card")
		return
	}

	g.cardBySeat[p.seat], g.cardBySeat[target] = g.cardBySeat[target], g.cardBySeat[p.seat]
	g.acted.Insert(p.seat)
	r.broadcastLocked(wire.OpSwap, wire.NewSwapEvent(p.seat, target))
	r.advanceTurnLocked()
}

func (r *Room) handleStealCheeseLocked(p *playerState, target int) {
	if !r.turnGateLocked(p) {
		return
	}
	if !r.settings.CheeseEnabled {
		r.sendErrorLocked(p, wire.CodeInvalidAction, "cheese is disabled in this room")
		return
	}
	victim := r.playerBySeatLocked(target)
	if victim == nil || !victim.alive || victim.seat == p.seat {
		r.sendErrorLocked(p, wire.CodeInvalidTarget, "target seat cannot be stolen from")
		return
	}
	if p.hasCheese {
		r.sendErrorLocked(p, wire.CodeAlreadyHasCheese, "you already hold cheese")
		return
	}
	if !victim.hasCheese {
		r.sendErrorLocked(p, wire.CodeNoCheeseToSteal, "target holds no cheese")
		return
	}

	victim.hasCheese = false
	p.hasCheese = true
	r.game.acted.Insert(p.seat)
	r.broadcastLocked(wire.OpCheeseStolen, wire.NewCheeseStolenEvent(target, p.seat))
	r.broadcastLocked(wire.OpCheeseUpdate, wire.NewCheeseUpdateEvent(r.cheeseSeatsLocked()))
	r.advanceTurnLocked()
}

// --- Dealer ---

func (r *Room) handleDealerSetLocked(p *playerState, composition []wire.CardType) {
	g := r.game
	if g == nil || g.phase != wire.PhaseDealerSetup {
		r.sendErrorLocked(p, wire.CodeInvalidAction, "no composition to submit")
		return
	}
	if p.seat != g.dealerSeat {
		r.sendErrorLocked(p, wire.CodeNotDealer, "only the dealer composes the round")
		return
	}

	alive := r.aliveSeatsLocked()
	if len(composition) != len(alive) {
		r.sendErrorLocked(p, wire.CodeMissingAssignments,
			fmt.Sprintf("composition must cover all %d alive seats", len(alive)))
		return
	}
	safe, doom := 0, 0
	for _, c := range composition {
		switch c {
		case wire.CardSafe:
			safe++
		case wire.CardDoom:
			doom++
		default:
			r.sendErrorLocked(p, wire.CodeInvalidComposition, "unknown card type")
			return
		}
	}
	if safe == 0 || doom == 0 {
		r.sendErrorLocked(p, wire.CodeInvalidComposition, "composition needs at least one SAFE and one DOOM")
		return
	}

	r.commitCompositionLocked(composition)
}

// handleDealerPreviewLocked relays the dealer's provisional marking to the
// other seats. Nothing is stored and the card type never leaves the dealer;
// observers learn only that the seat is marked or cleared.
func (r *Room) handleDealerPreviewLocked(p *playerState, seat int, card *wire.CardType) {
	g := r.game
	if g == nil || g.phase != wire.PhaseDealerSetup {
		r.sendErrorLocked(p, wire.CodeInvalidAction, "nothing to preview")
		return
	}
	if p.seat != g.dealerSeat {
		r.sendErrorLocked(p, wire.CodeNotDealer, "only the dealer composes the round")
		return
	}
	if card != nil && !card.Valid() {
		r.sendErrorLocked(p, wire.CodeInvalidComposition, "unknown card type")
		return
	}
	target := r.playerBySeatLocked(seat)
	if target == nil || !target.alive {
		r.sendErrorLocked(p, wire.CodeInvalidTarget, "seat is not in this round")
		return
	}

	r.broadcastExceptLocked(wire.OpDealerPreview, wire.NewDealerPreviewEvent(seat, card != nil), p.id)
}

func (r *Room) handleStartRevealLocked(p *playerState) {
	g := r.game
	if g == nil || g.phase != wire.PhaseAwaitingReveal {
		r.sendErrorLocked(p, wire.CodeInvalidAction, "no reveal pending")
		return
	}
	if p.seat != g.dealerSeat {
		r.sendErrorLocked(p, wire.CodeNotDealer, "only the dealer starts the reveal")
		return
	}
	r.enterFinalRevealLocked()
}

// --- Rematch ---

func (r *Room) handleVoteRematchLocked(p *playerState, vote bool) {
	if !r.votingLocked() {
		r.sendErrorLocked(p, wire.CodeInvalidAction, "no rematch vote in progress")
		return
	}
	g := r.game
	if vote == g.votes.Has(p.seat) {
		return
	}
	if vote {
		g.votes.Insert(p.seat)
	} else {
		g.votes.Delete(p.seat)
	}
	r.broadcastVoteLocked(wire.VotePhaseVoting)
	r.resolveVoteLocked()
}
