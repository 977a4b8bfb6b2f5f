// Package wire defines the JSON envelope exchanged with websocket clients.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound message types.
const (
	TypeInitGame   = "init_game"
	TypeInitAIGame = "init_ai_game"
	TypeMove       = "move"
)

// Outbound message types. init_game and move are reused as echoes.
const (
	TypeGameOver = "game_over"
	TypeError    = "error"
)

// Error codes carried by the error envelope.
const (
	CodeNotYourTurn            = "not_your_turn"
	CodeInvalidMove            = "invalid_move"
	CodeNoActiveGame           = "no_active_game"
	CodeInvalidMessage         = "invalid_message"
	CodeAIInitializationFailed = "ai_initialization_failed"
	CodeAIEngineError          = "ai_engine_error"
)

// ErrInvalidMessage is returned for any frame that does not decode into a
// known envelope. Callers map it to the invalid_message error code.
var ErrInvalidMessage = errors.New("invalid message")

// Inbound is the raw client envelope. Payload stays opaque until the type
// is known.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw frame into an Inbound envelope, rejecting unknown or
// missing types.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch in.Type {
	case TypeInitGame, TypeInitAIGame, TypeMove:
		return in, nil
	default:
		return Inbound{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, in.Type)
	}
}

// Move is a single half-move in coordinate form. Promotion is empty for
// non-promoting moves.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// MovePayload wraps the move sent by a client.
type MovePayload struct {
	Move Move `json:"move"`
}

// AIOptions selects engine strength for an engine game. Nil fields fall
// back to server defaults.
type AIOptions struct {
	SkillLevel  *int   `json:"skillLevel,omitempty"`
	SearchDepth *int   `json:"searchDepth,omitempty"`
	Color       string `json:"color,omitempty"`
}

// InitAIGamePayload carries optional engine settings.
type InitAIGamePayload struct {
	Options *AIOptions `json:"options,omitempty"`
}

// DecodeMove extracts and validates the move payload of a move envelope.
func DecodeMove(in Inbound) (Move, error) {
	if in.Type != TypeMove {
		return Move{}, fmt.Errorf("%w: not a move envelope", ErrInvalidMessage)
	}
	var p MovePayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return Move{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	m, err := p.Move.normalized()
	if err != nil {
		return Move{}, err
	}
	return m, nil
}

// DecodeAIOptions extracts the optional engine settings of an init_ai_game
// envelope. A missing or empty payload yields nil options.
func DecodeAIOptions(in Inbound) (*AIOptions, error) {
	if in.Type != TypeInitAIGame {
		return nil, fmt.Errorf("%w: not an init_ai_game envelope", ErrInvalidMessage)
	}
	if len(in.Payload) == 0 {
		return nil, nil
	}
	var p InitAIGamePayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if p.Options != nil {
		switch strings.ToLower(strings.TrimSpace(p.Options.Color)) {
		case "", "white", "black":
		default:
			return nil, fmt.Errorf("%w: unknown color %q", ErrInvalidMessage, p.Options.Color)
		}
	}
	return p.Options, nil
}

func (m Move) normalized() (Move, error) {
	from := strings.ToLower(strings.TrimSpace(m.From))
	to := strings.ToLower(strings.TrimSpace(m.To))
	promo := strings.ToLower(strings.TrimSpace(m.Promotion))
	if !validSquare(from) || !validSquare(to) {
		return Move{}, fmt.Errorf("%w: bad square %q-%q", ErrInvalidMessage, m.From, m.To)
	}
	switch promo {
	case "", "q", "r", "b", "n":
	default:
		return Move{}, fmt.Errorf("%w: bad promotion %q", ErrInvalidMessage, m.Promotion)
	}
	return Move{From: from, To: to, Promotion: promo}, nil
}

func validSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

// UCI renders the move in UCI coordinate notation.
func (m Move) UCI() string {
	return m.From + m.To + m.Promotion
}

// MoveFromUCI parses an engine bestmove string (e2e4, e7e8q) into a Move.
func MoveFromUCI(s string) (Move, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 4 && len(s) != 5 {
		return Move{}, fmt.Errorf("bad uci move %q", s)
	}
	m := Move{From: s[:2], To: s[2:4]}
	if len(s) == 5 {
		m.Promotion = s[4:]
	}
	return m.normalized()
}

// Outbound is the server→client envelope.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// InitGamePayload announces a started game and the recipient's color.
type InitGamePayload struct {
	Color    string `json:"color"`
	GameType string `json:"gameType"`
}

// GameOverPayload announces the terminal result. Message is a rendered
// human-readable summary and may be empty.
type GameOverPayload struct {
	Winner  string `json:"winner"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload carries a machine code plus a human-readable message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InitGame builds the start announcement for one participant.
func InitGame(color, gameType string) Outbound {
	return Outbound{Type: TypeInitGame, Payload: InitGamePayload{Color: color, GameType: gameType}}
}

// MoveMade relays an accepted move to the mover's opponent.
func MoveMade(m Move) Outbound {
	return Outbound{Type: TypeMove, Payload: MovePayload{Move: m}}
}

// GameOver builds the terminal announcement.
func GameOver(winner, reason, message string) Outbound {
	return Outbound{Type: TypeGameOver, Payload: GameOverPayload{Winner: winner, Reason: reason, Message: message}}
}

// ErrorMsg builds an error envelope.
func ErrorMsg(code, message string) Outbound {
	return Outbound{Type: TypeError, Payload: ErrorPayload{Code: code, Message: message}}
}
