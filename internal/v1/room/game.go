package room

import (
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/lastsip/server/internal/v1/logging"
	"github.com/lastsip/server/internal/v1/metrics"
	"github.com/lastsip/server/pkg/wire"
)

// gameState holds the engine state of a running game. cardBySeat is the
// round's secret: it is never serialized whole, only REVEAL frames quote
// single entries after a card is public.
type gameState struct {
	phase      wire.Phase
	roundIndex int
	dealerSeat int
	turnSeat   int
	deadline   time.Time

	cardBySeat map[int]wire.CardType
	facedown   set.Set[int]
	acted      set.Set[int]

	revealQueue []int

	votes set.Set[int]
}

// --- Timer plumbing ---

func (r *Room) bumpEpochLocked() {
	r.epoch++
	r.stopTimersLocked()
}

func (r *Room) stopTimersLocked() {
	if r.turnTimer != nil {
		r.turnTimer.Stop()
		r.turnTimer = nil
	}
	if r.phaseTimer != nil {
		r.phaseTimer.Stop()
		r.phaseTimer = nil
	}
}

// schedulePhaseLocked arms the phase timer. The fire function runs under the
// room lock and only if no transition invalidated it in the meantime.
func (r *Room) schedulePhaseLocked(d time.Duration, fire func()) {
	r.epoch++
	epoch := r.epoch
	if r.phaseTimer != nil {
		r.phaseTimer.Stop()
	}
	r.phaseTimer = time.AfterFunc(d, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed || r.epoch != epoch {
			return
		}
		fire()
	})
}

// armTurnDeadlineLocked sets the current turn's deadline. There is one turn
// timer per room; re-arming replaces the previous deadline.
func (r *Room) armTurnDeadlineLocked(d time.Duration) {
	g := r.game
	g.deadline = time.Now().Add(d)
	r.epoch++
	epoch := r.epoch
	seat := g.turnSeat
	if r.turnTimer != nil {
		r.turnTimer.Stop()
	}
	r.turnTimer = time.AfterFunc(d, func() {
		r.turnDeadlineFired(epoch, seat)
	})
}

func (r *Room) turnDeadlineFired(epoch int64, seat int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.epoch != epoch {
		return
	}
	g := r.game
	if g == nil || g.phase != wire.PhaseTurns || g.turnSeat != seat {
		return
	}

	logging.Info(r.ctx, "Turn deadline expired, drinking on seat's behalf",
		zap.String("room", string(r.id)),
		zap.Int("seat", seat))
	metrics.TurnTimeouts.Inc()
	r.performDrinkLocked(seat)
}

func (r *Room) stopAutoRevealLocked() {
	r.epoch++
	if r.phaseTimer != nil {
		r.phaseTimer.Stop()
		r.phaseTimer = nil
	}
}

// --- Game start ---

func (r *Room) startGameLocked() {
	for _, p := range r.players {
		p.alive = true
		p.hasCheese = false
	}
	alive := r.aliveSeatsLocked()
	dealer := alive[r.intn(len(alive))]

	r.status = wire.RoomStatusInGame
	r.game = &gameState{
		roundIndex: 1,
		dealerSeat: dealer,
		cardBySeat: make(map[int]wire.CardType),
		facedown:   set.New[int](),
		acted:      set.New[int](),
		votes:      set.New[int](),
	}

	metrics.GamesStarted.Inc()
	logging.Info(r.ctx, "Game started",
		zap.String("room", string(r.id)),
		zap.Int("players", len(r.players)),
		zap.Int("dealerSeat", dealer))

	r.enterDealerSetupLocked()
}

// --- Dealer setup ---

func (r *Room) enterDealerSetupLocked() {
	g := r.game
	g.phase = wire.PhaseDealerSetup
	g.deadline = time.Time{}
	r.bumpEpochLocked()
	r.broadcastPhaseLocked()

	if dealer := r.playerBySeatLocked(g.dealerSeat); dealer == nil || !dealer.connected() {
		r.autoComposeLocked()
	}
}

// autoComposeLocked commits a random composition on an absent dealer's
// behalf. One SAFE and one DOOM are pinned so the mix is always legal.
func (r *Room) autoComposeLocked() {
	alive := r.aliveSeatsLocked()
	cards := make([]wire.CardType, 0, len(alive))
	cards = append(cards, wire.CardDoom, wire.CardSafe)
	for len(cards) < len(alive) {
		if r.intn(2) == 0 {
			cards = append(cards, wire.CardSafe)
		} else {
			cards = append(cards, wire.CardDoom)
		}
	}
	shuffleCards(cards, r.intn)

	logging.Info(r.ctx, "Dealer absent, committing random composition",
		zap.String("room", string(r.id)),
		zap.Int("dealerSeat", r.game.dealerSeat))
	r.commitCompositionLocked(cards)
}

// commitCompositionLocked assigns cards to alive seats in ascending seat
// order, hands out cheese, and moves the round into dealing.
func (r *Room) commitCompositionLocked(cards []wire.CardType) {
	g := r.game
	alive := r.aliveSeatsLocked()

	g.cardBySeat = make(map[int]wire.CardType, len(alive))
	g.facedown = set.New[int]()
	g.acted = set.New[int]()
	for i, seat := range alive {
		g.cardBySeat[seat] = cards[i]
		g.facedown.Insert(seat)
	}

	r.distributeCheeseLocked(alive)

	r.broadcastLocked(wire.OpDealt, wire.NewDealtEvent(alive))
	r.enterDealingLocked()
}

// distributeCheeseLocked reassigns cheese for the round. Holders are drawn
// fresh each round; with fewer than three alive seats nobody gets any, and
// at least one seat is always left out.
func (r *Room) distributeCheeseLocked(alive []int) {
	for _, p := range r.players {
		p.hasCheese = false
	}
	if !r.settings.CheeseEnabled || len(alive) < 3 {
		return
	}

	count := r.settings.CheeseCount
	if max := len(alive) - 1; count > max {
		count = max
	}

	picks := make([]int, len(alive))
	copy(picks, alive)
	shuffleInts(picks, r.intn)
	for _, seat := range picks[:count] {
		if p := r.playerBySeatLocked(seat); p != nil {
			p.hasCheese = true
		}
	}

	r.broadcastLocked(wire.OpCheeseUpdate, wire.NewCheeseUpdateEvent(r.cheeseSeatsLocked()))
}

// --- Dealing and turns ---

func (r *Room) enterDealingLocked() {
	g := r.game
	g.phase = wire.PhaseDealing
	r.bumpEpochLocked()
	r.broadcastPhaseLocked()
	r.schedulePhaseLocked(r.timing.DealHold, r.beginTurnsLocked)
}

func (r *Room) beginTurnsLocked() {
	g := r.game
	g.phase = wire.PhaseTurns
	next, ok := r.nextTurnSeatLocked(g.dealerSeat)
	if !ok {
		// Nobody but the dealer can act this round.
		r.enterAwaitingRevealLocked()
		return
	}
	r.setTurnLocked(next)
}

// nextTurnSeatLocked finds the next alive seat clockwise from `from` that
// has not acted this round and is not the dealer. Clockwise is ascending
// seat order with wraparound.
func (r *Room) nextTurnSeatLocked(from int) (int, bool) {
	g := r.game
	alive := r.aliveSeatsLocked()

	ordered := make([]int, 0, len(alive))
	for _, s := range alive {
		if s > from {
			ordered = append(ordered, s)
		}
	}
	for _, s := range alive {
		if s <= from {
			ordered = append(ordered, s)
		}
	}

	for _, s := range ordered {
		if s == g.dealerSeat || g.acted.Has(s) {
			continue
		}
		return s, true
	}
	return 0, false
}

// setTurnLocked hands the turn to a seat. Disconnected owners get the short
// deadline so an absent player cannot hold the table hostage.
func (r *Room) setTurnLocked(seat int) {
	g := r.game
	g.turnSeat = seat

	d := time.Duration(r.settings.TurnTimerSeconds) * time.Second
	if p := r.playerBySeatLocked(seat); p == nil || !p.connected() {
		d = r.timing.DisconnectedTurnTimeout
	}
	r.armTurnDeadlineLocked(d)
	r.broadcastPhaseLocked()
}

func (r *Room) advanceTurnLocked() {
	g := r.game
	next, ok := r.nextTurnSeatLocked(g.turnSeat)
	if !ok {
		r.enterAwaitingRevealLocked()
		return
	}
	r.setTurnLocked(next)
}

// performDrinkLocked resolves a drink for the given seat, voluntary or
// synthesized on timeout, and moves the turn along.
func (r *Room) performDrinkLocked(seat int) {
	g := r.game
	card := g.cardBySeat[seat]
	g.acted.Insert(seat)
	r.revealSeatLocked(seat, card)
	r.advanceTurnLocked()
}

// revealSeatLocked flips one card and applies the outcome. Cheese inverts
// it: DOOM spares a holder, SAFE eliminates one.
func (r *Room) revealSeatLocked(seat int, card wire.CardType) {
	g := r.game
	g.facedown.Delete(seat)
	r.broadcastLocked(wire.OpReveal, wire.NewRevealEvent(seat, card))

	p := r.playerBySeatLocked(seat)
	if p == nil {
		return
	}
	if eliminated := (card == wire.CardDoom) != p.hasCheese; eliminated {
		p.alive = false
		metrics.Eliminations.Inc()
		r.broadcastLocked(wire.OpElim, wire.NewElimEvent(seat))
	}
}

// --- Final reveal ---

func (r *Room) enterAwaitingRevealLocked() {
	g := r.game
	g.phase = wire.PhaseAwaitingReveal
	g.deadline = time.Time{}
	r.bumpEpochLocked()
	r.broadcastPhaseLocked()

	if dealer := r.playerBySeatLocked(g.dealerSeat); dealer == nil || !dealer.alive || !dealer.connected() {
		r.armAutoRevealLocked()
	}
}

// armAutoRevealLocked schedules the final reveal on an absent dealer's
// behalf.
func (r *Room) armAutoRevealLocked() {
	logging.Info(r.ctx, "Dealer absent, scheduling automatic reveal",
		zap.String("room", string(r.id)),
		zap.Int("dealerSeat", r.game.dealerSeat))
	r.schedulePhaseLocked(r.timing.DisconnectedTurnTimeout, r.enterFinalRevealLocked)
}

func (r *Room) enterFinalRevealLocked() {
	g := r.game
	g.phase = wire.PhaseFinalReveal
	r.bumpEpochLocked()

	// Flip order: clockwise from the seat after the dealer, dealer last.
	seats := sortedSeats(g.facedown)
	queue := make([]int, 0, len(seats))
	for _, s := range seats {
		if s > g.dealerSeat {
			queue = append(queue, s)
		}
	}
	for _, s := range seats {
		if s <= g.dealerSeat {
			queue = append(queue, s)
		}
	}
	g.revealQueue = queue

	r.broadcastPhaseLocked()

	if len(g.revealQueue) == 0 {
		r.checkRoundEndLocked()
		return
	}
	r.schedulePhaseLocked(r.timing.PerReveal, r.revealStepLocked)
}

// revealStepLocked flips the next queued card. Seats that died or left since
// the queue was built are skipped.
func (r *Room) revealStepLocked() {
	g := r.game
	for len(g.revealQueue) > 0 {
		seat := g.revealQueue[0]
		g.revealQueue = g.revealQueue[1:]
		if !g.facedown.Has(seat) {
			continue
		}
		p := r.playerBySeatLocked(seat)
		if p == nil || !p.alive {
			g.facedown.Delete(seat)
			continue
		}
		r.revealSeatLocked(seat, g.cardBySeat[seat])
		break
	}

	if len(g.revealQueue) > 0 {
		r.schedulePhaseLocked(r.timing.PerReveal, r.revealStepLocked)
		return
	}
	r.schedulePhaseLocked(r.timing.RevealBuffer, r.checkRoundEndLocked)
}

// --- Round and game end ---

func (r *Room) checkRoundEndLocked() {
	metrics.RoundsPlayed.Inc()
	if len(r.aliveSeatsLocked()) <= 1 {
		r.enterGameEndLocked()
		return
	}
	r.enterRoundEndLocked()
}

// checkGameEndNowLocked ends the game early when deaths outside the reveal
// flow leave at most one seat standing. During the final reveal the sequence
// is allowed to finish first.
func (r *Room) checkGameEndNowLocked() bool {
	g := r.game
	if g == nil || g.phase == wire.PhaseGameEnd || g.phase == wire.PhaseFinalReveal {
		return false
	}
	if len(r.aliveSeatsLocked()) > 1 {
		return false
	}
	r.enterGameEndLocked()
	return true
}

// afterSeatGoneLocked repairs the current phase after a seat died or left.
func (r *Room) afterSeatGoneLocked(seat int) {
	g := r.game
	if g == nil {
		return
	}
	switch g.phase {
	case wire.PhaseDealerSetup:
		if seat == g.dealerSeat {
			r.autoComposeLocked()
		}
	case wire.PhaseTurns:
		if seat == g.turnSeat {
			r.advanceTurnLocked()
		}
	case wire.PhaseAwaitingReveal:
		if seat == g.dealerSeat {
			r.armAutoRevealLocked()
		}
	}
}

func (r *Room) enterRoundEndLocked() {
	g := r.game
	g.phase = wire.PhaseRoundEnd
	r.bumpEpochLocked()

	next := r.nextAliveSeatFromLocked(g.dealerSeat)
	r.broadcastPhaseLocked()
	r.broadcastLocked(wire.OpRoundEnd, wire.NewRoundEndEvent(next))

	r.schedulePhaseLocked(r.timing.RoundEndHold, func() {
		r.startNextRoundLocked(next)
	})
}

// nextAliveSeatFromLocked returns the next alive seat clockwise after
// `from`, wrapping around. The from seat itself need not be alive.
func (r *Room) nextAliveSeatFromLocked(from int) int {
	alive := r.aliveSeatsLocked()
	for _, s := range alive {
		if s > from {
			return s
		}
	}
	return alive[0]
}

// startNextRoundLocked begins the next round after the round-end hold. The
// announced dealer may have died during the hold; the rotation then carries
// past them.
func (r *Room) startNextRoundLocked(dealerSeat int) {
	g := r.game
	if len(r.aliveSeatsLocked()) <= 1 {
		r.enterGameEndLocked()
		return
	}
	if p := r.playerBySeatLocked(dealerSeat); p == nil || !p.alive {
		dealerSeat = r.nextAliveSeatFromLocked(dealerSeat)
	}

	g.roundIndex++
	g.dealerSeat = dealerSeat
	g.cardBySeat = make(map[int]wire.CardType)
	g.facedown = set.New[int]()
	g.acted = set.New[int]()
	g.revealQueue = nil

	logging.Info(r.ctx, "Round started",
		zap.String("room", string(r.id)),
		zap.Int("round", g.roundIndex),
		zap.Int("dealerSeat", dealerSeat))

	r.enterDealerSetupLocked()
}

func (r *Room) enterGameEndLocked() {
	g := r.game
	g.phase = wire.PhaseGameEnd
	g.deadline = time.Time{}
	g.revealQueue = nil
	g.votes = set.New[int]()
	r.bumpEpochLocked()

	alive := r.aliveSeatsLocked()
	var winner *int
	if len(alive) == 1 {
		w := alive[0]
		winner = &w
	}

	logging.Info(r.ctx, "Game ended",
		zap.String("room", string(r.id)),
		zap.Intp("winnerSeat", winner))

	r.broadcastPhaseLocked()
	r.broadcastLocked(wire.OpGameEnd, wire.NewGameEndEvent(winner))
	r.broadcastVoteLocked(wire.VotePhaseVoting)
}

// --- Rematch voting ---

func (r *Room) votingLocked() bool {
	return r.game != nil && r.game.phase == wire.PhaseGameEnd
}

func (r *Room) broadcastVoteLocked(phase wire.VotePhase) {
	g := r.game
	r.broadcastLocked(wire.OpVoteUpdate,
		wire.NewVoteUpdateEvent(sortedSeats(g.votes), len(r.connectedSeatsLocked()), phase))
}

// resolveVoteLocked restarts the lobby once every connected seat voted yes.
// Votes only ever belong to connected seats, so a bare count comparison is
// the unanimity check.
func (r *Room) resolveVoteLocked() {
	g := r.game
	connected := r.connectedSeatsLocked()
	if len(connected) == 0 || g.votes.Len() != len(connected) {
		return
	}

	logging.Info(r.ctx, "Rematch vote passed",
		zap.String("room", string(r.id)),
		zap.Int("votes", g.votes.Len()))

	r.broadcastVoteLocked(wire.VotePhaseStarting)
	r.returnToLobbyLocked()
}

// returnToLobbyLocked tears down the finished game. Members still inside a
// reconnect window do not carry over; the fresh lobby holds connected
// players only, unready and cleared of cheese.
func (r *Room) returnToLobbyLocked() {
	r.game = nil
	r.status = wire.RoomStatusLobby
	r.bumpEpochLocked()

	var gone []*playerState
	for _, p := range r.players {
		if !p.connected() {
			gone = append(gone, p)
		}
	}
	for _, p := range gone {
		r.removePlayerLocked(p, wire.LeaveReasonDisconnected)
	}

	for _, p := range r.players {
		p.ready = false
		p.alive = true
		p.hasCheese = false
	}

	logging.Info(r.ctx, "Room returned to lobby",
		zap.String("room", string(r.id)),
		zap.Int("players", len(r.players)))

	for _, p := range r.players {
		r.sendStateLocked(p)
	}
}

// --- Phase broadcast ---

func (r *Room) broadcastPhaseLocked() {
	g := r.game
	var turn *int
	var deadline *int64
	if g.phase == wire.PhaseTurns {
		t := g.turnSeat
		turn = &t
		if !g.deadline.IsZero() {
			ts := g.deadline.UnixMilli()
			deadline = &ts
		}
	}
	r.broadcastLocked(wire.OpPhase,
		wire.NewPhaseEvent(g.phase, g.dealerSeat, turn, deadline, r.aliveSeatsLocked()))
}
