package gameledger

import (
	"bytes"

	"golang.org/x/xerrors"
)

// Error kinds returned by admission and lifecycle checks. Every rejection is
// non-mutating: a ledger that returns an error is left exactly as it was.
var (
	ErrBadConfig      = xerrors.New("at least two players are required")
	ErrGameInProgress = xerrors.New("another game is already in progress")
	ErrGameNotActive  = xerrors.New("no game is accepting players")
	ErrIncorrectFee   = xerrors.New("payment does not match the entry fee")
	ErrAlreadyJoined  = xerrors.New("player has already joined this game")
	ErrGameFull       = xerrors.New("game has reached the player cap")
	ErrNotDrawable    = xerrors.New("game is not ready for a draw")
)

// Config is the per-game configuration fixed by the start operation.
type Config struct {
	EntryFee   uint64
	MaxPlayers int
}

// Game is the state of a single lottery round. Players keeps join order and
// never contains duplicates. RequestID correlates the single outstanding
// randomness request; it is empty until the game fills. Drawn holds the
// winner index once a fulfillment has been processed; it is only meaningful
// while PayoutAttempted is set, and guards payout retries after a failed
// transfer.
type Game struct {
	ID              uint64
	Config          Config
	Players         []string
	Started         bool
	Ended           bool
	Winner          string
	RequestID       []byte
	Drawn           int
	PayoutAttempted bool
}

// Status is the derived lifecycle state of a game.
type Status int

const (
	NotStarted Status = iota
	Started
	Filling
	Drawing
	Completed
)

func (s Status) String() string {
	switch s {
	case Started:
		return "started"
	case Filling:
		return "filling"
	case Drawing:
		return "drawing"
	case Completed:
		return "completed"
	}
	return "not_started"
}

// Ledger owns the active game instance and guards every mutation. The
// membership set mirrors Players so admission stays constant-time.
type Ledger struct {
	game    *Game
	members map[string]bool
}

func NewLedger() *Ledger {
	return &Ledger{members: make(map[string]bool)}
}

// Restore rebuilds a ledger around a previously persisted game.
func Restore(g *Game) *Ledger {
	l := NewLedger()
	if g == nil {
		return l
	}
	l.game = g
	for _, p := range g.Players {
		l.members[p] = true
	}
	return l
}

// Game returns the current instance, nil before the first start. Completed
// instances stay readable until the next start replaces them.
func (l *Ledger) Game() *Game {
	return l.game
}

func (l *Ledger) Status() Status {
	g := l.game
	switch {
	case g == nil || !g.Started:
		return NotStarted
	case g.Ended:
		return Completed
	case len(g.RequestID) > 0:
		return Drawing
	case len(g.Players) > 0:
		return Filling
	}
	return Started
}

func (l *Ledger) active() bool {
	return l.game != nil && l.game.Started && !l.game.Ended
}

// StartGame allocates a fresh instance. It fails while a prior instance is
// started and not yet ended.
func (l *Ledger) StartGame(id uint64, cfg Config) (*Game, error) {
	if cfg.MaxPlayers < 2 {
		return nil, ErrBadConfig
	}
	if l.active() {
		return nil, ErrGameInProgress
	}
	l.game = &Game{
		ID:      id,
		Config:  cfg,
		Started: true,
	}
	l.members = make(map[string]bool)
	return l.game, nil
}

// CanAdmit runs the admission checks without mutating anything. It reports
// whether the join would bring the game to its cap, so the caller can do
// the fallible work of a filling join (fee debit, randomness request)
// before committing.
func (l *Ledger) CanAdmit(addr string, payment uint64) (bool, error) {
	if !l.active() {
		return false, ErrGameNotActive
	}
	g := l.game
	if payment != g.Config.EntryFee {
		return false, ErrIncorrectFee
	}
	if l.members[addr] {
		return false, ErrAlreadyJoined
	}
	if len(g.Players) >= g.Config.MaxPlayers {
		return false, ErrGameFull
	}
	return len(g.Players)+1 == g.Config.MaxPlayers, nil
}

// Admit validates and records a join. It reports whether this join brought
// the game to its player cap, in which case the caller must issue the
// randomness request within the same operation.
func (l *Ledger) Admit(addr string, payment uint64) (bool, error) {
	filling, err := l.CanAdmit(addr, payment)
	if err != nil {
		return false, err
	}
	l.game.Players = append(l.game.Players, addr)
	l.members[addr] = true
	return filling, nil
}

// RecordRequest stores the correlation id of the randomness request issued
// for the current game.
func (l *Ledger) RecordRequest(requestID []byte) error {
	if !l.active() {
		return ErrGameNotActive
	}
	l.game.RequestID = append([]byte{}, requestID...)
	return nil
}

// MatchesRequest tells whether a fulfillment with the given id belongs to
// the active game. Anything else is stale or spoofed and must be ignored.
func (l *Ledger) MatchesRequest(requestID []byte) bool {
	return l.active() && len(l.game.RequestID) > 0 &&
		bytes.Equal(l.game.RequestID, requestID)
}

// RecordDraw stores the winner index picked from the delivered random word
// and marks the payout as attempted. It must precede the transfer so a
// partial failure can be retried without re-rolling the winner.
func (l *Ledger) RecordDraw(winnerIdx int) error {
	g := l.game
	if !l.active() || len(g.RequestID) == 0 ||
		len(g.Players) != g.Config.MaxPlayers {
		return ErrNotDrawable
	}
	if winnerIdx < 0 || winnerIdx >= len(g.Players) {
		return xerrors.Errorf("winner index %d out of range", winnerIdx)
	}
	g.Drawn = winnerIdx
	g.PayoutAttempted = true
	return nil
}

// Finish sets the winner exactly once and marks the game ended. It requires
// a full game with a recorded request; the caller supplies the index picked
// from the delivered random word.
func (l *Ledger) Finish(winnerIdx int) error {
	g := l.game
	if !l.active() || len(g.RequestID) == 0 ||
		len(g.Players) != g.Config.MaxPlayers {
		return ErrNotDrawable
	}
	if winnerIdx < 0 || winnerIdx >= len(g.Players) {
		return xerrors.Errorf("winner index %d out of range", winnerIdx)
	}
	g.Winner = g.Players[winnerIdx]
	g.Ended = true
	return nil
}

// ExpectedPool is the amount the treasury must hold for the current game.
func (l *Ledger) ExpectedPool() uint64 {
	if l.game == nil {
		return 0
	}
	return l.game.Config.EntryFee * uint64(len(l.game.Players))
}
