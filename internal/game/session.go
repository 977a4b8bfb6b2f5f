// Package game holds the per-match state machine: a live board guarded by a
// single mutex, with a one-way Active→Completed lifecycle.
package game

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"

	"github.com/chesskeep/matchserver/internal/wire"
)

// Game types announced in init_game payloads.
const (
	TypeDual   = "human_vs_human"
	TypeEngine = "human_vs_ai"
)

// Terminal reasons that do not come from the board itself.
const (
	ReasonDisconnect     = "opponent_disconnected"
	ReasonInactivity     = "inactivity"
	ReasonServerShutdown = "server_shutdown"
	ReasonEngineFailure  = "engine_error"
)

// Winner values for games that do not end with a winning side. Draw is a
// played-out result; None marks administrative ends that imply no result.
const (
	WinnerDraw = "draw"
	WinnerNone = "none"
)

var (
	// ErrNotYourTurn rejects a move by the side not on move.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrInvalidMove rejects a move that is not legal in the position.
	ErrInvalidMove = errors.New("invalid move")
	// ErrCompleted rejects any move after the game reached a terminal state.
	ErrCompleted = errors.New("game already completed")
)

// Result is the terminal outcome of a session.
type Result struct {
	Winner string
	Reason string
}

// Session is one match in progress. All board access goes through the
// session mutex; callers never touch the underlying game directly.
type Session struct {
	ID        string
	GameType  string
	StartedAt time.Time

	mu     sync.Mutex
	game   *nchess.Game
	result *Result
}

// New starts a fresh session from the standard initial position.
func New(gameType string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		GameType:  gameType,
		StartedAt: time.Now(),
		game:      nchess.NewGame(),
	}
}

// Applied reports an accepted move. Result is non-nil when the move ended
// the game.
type Applied struct {
	Move   wire.Move
	Result *Result
}

// ApplyMove validates and plays one half-move for the given color. Turn and
// legality are checked against the live position; a terminal position set by
// the move completes the session.
func (s *Session) ApplyMove(color string, mv wire.Move) (Applied, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result != nil {
		return Applied{}, ErrCompleted
	}
	if turnColor(s.game.Position().Turn()) != color {
		return Applied{}, ErrNotYourTurn
	}

	pos := s.game.Position()
	decoded, err := nchess.UCINotation{}.Decode(pos, mv.UCI())
	if err != nil {
		return Applied{}, ErrInvalidMove
	}
	if err := s.game.Move(decoded, nil); err != nil {
		return Applied{}, ErrInvalidMove
	}

	applied := Applied{Move: mv}
	if s.game.Outcome() != nchess.NoOutcome {
		s.result = &Result{
			Winner: winnerFromOutcome(s.game.Outcome()),
			Reason: reasonFromMethod(s.game.Method()),
		}
		applied.Result = s.result
	}
	return applied, nil
}

// Finalize forces the session into the terminal state, for ends that do not
// come from the board (disconnect, timeout, shutdown, engine failure). The
// first caller wins; later calls report completed=false and get the original
// result back.
func (s *Session) Finalize(winner, reason string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result != nil {
		return *s.result, false
	}
	s.result = &Result{Winner: winner, Reason: reason}
	return *s.result, true
}

// Completed reports whether the session reached a terminal state.
func (s *Session) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result != nil
}

// Result returns the terminal outcome, or nil while the game is active.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil
	}
	r := *s.result
	return &r
}

// FEN returns the current position.
func (s *Session) FEN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.game.FEN()
}

// Turn returns the color on move.
func (s *Session) Turn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return turnColor(s.game.Position().Turn())
}

// Age reports how long ago the session started.
func (s *Session) Age() time.Duration {
	return time.Since(s.StartedAt)
}

func turnColor(c nchess.Color) string {
	if c == nchess.White {
		return "white"
	}
	return "black"
}

func winnerFromOutcome(o nchess.Outcome) string {
	switch o {
	case nchess.WhiteWon:
		return "white"
	case nchess.BlackWon:
		return "black"
	default:
		return WinnerDraw
	}
}

// reasonFromMethod renders the library's end-of-game method ("Checkmate",
// "FiftyMoveRule") as a wire-friendly snake_case token.
func reasonFromMethod(m nchess.Method) string {
	var b strings.Builder
	for i, r := range m.String() {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
