// Package registry tracks live connections, pairs them into matches, and
// routes moves between participants and engine opponents.
package registry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chesskeep/matchserver/internal/game"
	"github.com/chesskeep/matchserver/internal/msgcat"
	"github.com/chesskeep/matchserver/internal/obslog"
	"github.com/chesskeep/matchserver/internal/uci"
	"github.com/chesskeep/matchserver/internal/wire"
)

var (
	// ErrNoActiveSession rejects a move from a connection with no match.
	ErrNoActiveSession = errors.New("no active session")
	// ErrUnknownConn rejects operations on unregistered connections.
	ErrUnknownConn = errors.New("unknown connection")
	// ErrEngineInit reports an engine opponent that failed to start.
	ErrEngineInit = errors.New("engine initialization failed")
	// ErrShuttingDown rejects new matches during shutdown.
	ErrShuttingDown = errors.New("registry shutting down")
)

// Client is one connected player as seen by the registry. Send must never
// block; slow receivers drop frames instead of stalling match routing.
type Client interface {
	Send(msg wire.Outbound)
}

// Engine is the move source for engine matches.
type Engine interface {
	BestMove(ctx context.Context, fen string) (string, error)
	Shutdown() error
}

// EngineLauncher starts one engine process per engine match.
type EngineLauncher func(ctx context.Context, opt uci.Options) (Engine, error)

// Config carries the registry's tunables.
type Config struct {
	Messages          *msgcat.Catalog
	Launcher          EngineLauncher
	DefaultSkillLevel int
	DefaultDepth      int
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
}

type conn struct {
	id     string
	client Client
	match  *match // nil while idle
}

// match joins a session to its participants. For engine matches black or
// white is the engine and the other side is the lone human connection.
type match struct {
	session     *game.Session
	white       *conn // nil when the engine plays white
	black       *conn // nil when the engine plays black
	engine      Engine
	engineColor string
}

func (m *match) connFor(color string) *conn {
	if color == "white" {
		return m.white
	}
	return m.black
}

func (m *match) colorOf(c *conn) string {
	if m.white == c {
		return "white"
	}
	return "black"
}

// Registry is the single writer for connection and match tables. Outbound
// notifications are sent outside the lock via non-blocking Client.Send.
type Registry struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	conns     map[string]*conn
	waiting   *conn // depth-1 FIFO matchmaking slot
	matches   map[string]*match
	completed uint64
	closed    bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a registry and starts its sweep loop.
func New(cfg Config) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:     cfg,
		log:     obslog.L(),
		conns:   make(map[string]*conn),
		matches: make(map[string]*match),
		baseCtx: ctx,
		cancel:  cancel,
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Register adds a connection and returns its id.
func (r *Registry) Register(c Client) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = &conn{id: id, client: c}
	total := len(r.conns)
	r.mu.Unlock()

	r.log.Info("conn_register", zap.String("conn_id", id), zap.Int("connections", total))
	return id
}

// RequestDualMatch queues the connection for a human opponent, or pairs it
// with the one already waiting. The waiting slot holds at most one player;
// repeat requests while waiting or mid-game are ignored.
func (r *Registry) RequestDualMatch(connID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConn
	}
	if c.match != nil || r.waiting == c {
		r.mu.Unlock()
		r.log.Debug("match_request_ignored", zap.String("conn_id", connID))
		return nil
	}
	if r.waiting == nil {
		r.waiting = c
		r.mu.Unlock()
		r.log.Info("match_waiting", zap.String("conn_id", connID))
		return nil
	}

	white := r.waiting
	r.waiting = nil
	black := c
	s := game.New(game.TypeDual)
	m := &match{session: s, white: white, black: black}
	white.match = m
	black.match = m
	r.matches[s.ID] = m
	r.mu.Unlock()

	r.log.Info("match_paired",
		zap.String("session_id", s.ID),
		zap.String("white_id", white.id),
		zap.String("black_id", black.id))

	white.client.Send(wire.InitGame("white", game.TypeDual))
	black.client.Send(wire.InitGame("black", game.TypeDual))
	return nil
}

// RequestEngineMatch starts a match against a freshly launched engine. The
// engine is started outside the registry lock; if the connection went away
// or got matched meanwhile, the engine is torn down again.
func (r *Registry) RequestEngineMatch(connID string, opts *wire.AIOptions) error {
	engOpt := uci.Options{SkillLevel: r.cfg.DefaultSkillLevel, SearchDepth: r.cfg.DefaultDepth}
	humanColor := ""
	if opts != nil {
		if opts.SkillLevel != nil {
			engOpt.SkillLevel = *opts.SkillLevel
		}
		if opts.SearchDepth != nil {
			engOpt.SearchDepth = *opts.SearchDepth
		}
		switch {
		case strings.EqualFold(opts.Color, "white"):
			humanColor = "white"
		case strings.EqualFold(opts.Color, "black"):
			humanColor = "black"
		}
	}
	if humanColor == "" {
		// No preference: unbiased coin flip.
		humanColor = "white"
		if rand.IntN(2) == 1 {
			humanColor = "black"
		}
	}
	engOpt = engOpt.Clamped()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConn
	}
	if c.match != nil {
		r.mu.Unlock()
		r.log.Debug("match_request_ignored", zap.String("conn_id", connID))
		return nil
	}
	if r.waiting == c {
		r.waiting = nil
	}
	r.mu.Unlock()

	eng, err := r.cfg.Launcher(r.baseCtx, engOpt)
	if err != nil {
		r.log.Error("engine_launch_error", zap.String("conn_id", connID), zap.Error(err))
		return ErrEngineInit
	}

	engineColor := "black"
	if humanColor == "black" {
		engineColor = "white"
	}
	s := game.New(game.TypeEngine)
	m := &match{session: s, engine: eng, engineColor: engineColor}
	if humanColor == "white" {
		m.white = c
	} else {
		m.black = c
	}

	r.mu.Lock()
	cur, stillHere := r.conns[connID]
	if r.closed || !stillHere || cur != c || c.match != nil || r.waiting == c {
		// Connection left, got matched, or queued for a human opponent
		// while the engine was starting. The later request wins; the
		// freshly launched engine is torn down again.
		r.mu.Unlock()
		_ = eng.Shutdown()
		return nil
	}
	c.match = m
	r.matches[s.ID] = m
	r.mu.Unlock()

	r.log.Info("engine_match_start",
		zap.String("session_id", s.ID),
		zap.String("conn_id", connID),
		zap.String("human_color", humanColor),
		zap.Int("skill_level", engOpt.SkillLevel),
		zap.Int("search_depth", engOpt.SearchDepth))

	c.client.Send(wire.InitGame(humanColor, game.TypeEngine))
	if engineColor == "white" {
		r.scheduleEngineMove(m)
	}
	return nil
}

// RouteMove applies a move from the given connection to its match.
func (r *Registry) RouteMove(connID string, mv wire.Move) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConn
	}
	m := c.match
	if m == nil {
		r.mu.Unlock()
		return ErrNoActiveSession
	}
	color := m.colorOf(c)
	r.mu.Unlock()

	applied, err := m.session.ApplyMove(color, mv)
	if err != nil {
		if errors.Is(err, game.ErrCompleted) {
			return ErrNoActiveSession
		}
		return err
	}

	r.log.Info("session_move",
		zap.String("session_id", m.session.ID),
		zap.String("color", color),
		zap.String("move", mv.UCI()))

	// The mover already knows the move; only the other side is told.
	oppColor := "black"
	if color == "black" {
		oppColor = "white"
	}
	if opp := m.connFor(oppColor); opp != nil {
		opp.client.Send(wire.MoveMade(applied.Move))
	}
	if applied.Result != nil {
		r.finishMatch(m, *applied.Result)
		return nil
	}
	if m.engine != nil && m.session.Turn() == m.engineColor {
		r.scheduleEngineMove(m)
	}
	return nil
}

// scheduleEngineMove asks the engine for a reply off the caller's goroutine.
// Replies landing after the match ended are dropped.
func (r *Registry) scheduleEngineMove(m *match) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		fen := m.session.FEN()
		raw, err := m.engine.BestMove(r.baseCtx, fen)
		if err != nil {
			r.engineFailed(m, err)
			return
		}
		mv, err := wire.MoveFromUCI(raw)
		if err != nil {
			r.engineFailed(m, err)
			return
		}

		applied, err := m.session.ApplyMove(m.engineColor, mv)
		if err != nil {
			if errors.Is(err, game.ErrCompleted) {
				return // match ended while the engine was thinking
			}
			r.engineFailed(m, err)
			return
		}

		r.log.Info("session_move",
			zap.String("session_id", m.session.ID),
			zap.String("color", m.engineColor),
			zap.String("move", mv.UCI()))

		r.broadcast(m, wire.MoveMade(applied.Move))
		if applied.Result != nil {
			r.finishMatch(m, *applied.Result)
		}
	}()
}

// engineFailed ends the match in the human's favor after an engine error.
func (r *Registry) engineFailed(m *match, cause error) {
	humanColor := "white"
	if m.engineColor == "white" {
		humanColor = "black"
	}
	result, first := m.session.Finalize(humanColor, game.ReasonEngineFailure)
	if !first {
		return // match already over; stale engine reply
	}

	r.log.Error("engine_error",
		zap.String("session_id", m.session.ID),
		zap.Error(cause))

	if c := m.connFor(humanColor); c != nil {
		c.client.Send(wire.ErrorMsg(wire.CodeAIEngineError, r.cfg.Messages.Text("error.ai_engine_error")))
	}
	r.finishMatch(m, result)
}

// Disconnect removes a connection. An in-flight match ends in the remaining
// participant's favor; engine matches end in the engine's favor with nobody
// left to notify.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if r.waiting == c {
		r.waiting = nil
	}
	m := c.match
	r.mu.Unlock()

	r.log.Info("conn_disconnect", zap.String("conn_id", connID))
	if m == nil {
		return
	}

	winner := "white"
	if m.colorOf(c) == "white" {
		winner = "black"
	}
	if result, first := m.session.Finalize(winner, game.ReasonDisconnect); first {
		r.finishMatch(m, result)
	}
}

// finishMatch announces the result, unlinks participants, and reaps the
// engine. The session result must already be set.
func (r *Registry) finishMatch(m *match, result game.Result) {
	r.broadcast(m, wire.GameOver(result.Winner, result.Reason, r.outcomeText(result)))

	r.mu.Lock()
	delete(r.matches, m.session.ID)
	for _, c := range []*conn{m.white, m.black} {
		if c != nil && c.match == m {
			c.match = nil
		}
	}
	r.completed++
	r.mu.Unlock()

	r.log.Info("session_over",
		zap.String("session_id", m.session.ID),
		zap.String("winner", result.Winner),
		zap.String("reason", result.Reason))

	if m.engine != nil {
		_ = m.engine.Shutdown()
	}
}

// outcomeText renders the human-readable summary of a terminal result from
// the message catalog. Winnerless endings get their own templates.
func (r *Registry) outcomeText(result game.Result) string {
	key := "game.over"
	switch result.Winner {
	case game.WinnerDraw:
		key = "game.over_draw"
	case game.WinnerNone:
		key = "game.over_none"
	}
	text, err := r.cfg.Messages.Render(key, result)
	if err != nil {
		r.log.Warn("message_render_error", zap.String("key", key), zap.Error(err))
		return ""
	}
	return text
}

func (r *Registry) broadcast(m *match, msg wire.Outbound) {
	for _, c := range []*conn{m.white, m.black} {
		if c != nil {
			c.client.Send(msg)
		}
	}
}

// sweepLoop finalizes matches that outlived the inactivity timeout.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.baseCtx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	stale := make([]*match, 0)
	for _, m := range r.matches {
		if m.session.Age() > r.cfg.InactivityTimeout {
			stale = append(stale, m)
		}
	}
	r.mu.Unlock()

	for _, m := range stale {
		if result, first := m.session.Finalize(game.WinnerNone, game.ReasonInactivity); first {
			r.log.Warn("session_swept",
				zap.String("session_id", m.session.ID),
				zap.Duration("age", m.session.Age()))
			r.finishMatch(m, result)
		}
	}
}

// Shutdown ends every live match with a server_shutdown result and waits
// for engine goroutines to drain.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.waiting = nil
		live := make([]*match, 0, len(r.matches))
		for _, m := range r.matches {
			live = append(live, m)
		}
		r.mu.Unlock()

		for _, m := range live {
			if result, first := m.session.Finalize(game.WinnerNone, game.ReasonServerShutdown); first {
				r.finishMatch(m, result)
			}
		}
		r.cancel()
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Stats is a point-in-time view for the ops endpoint.
type Stats struct {
	Connections       int    `json:"connections"`
	ActiveSessions    int    `json:"active_sessions"`
	WaitingPlayers    int    `json:"waiting_players"`
	CompletedSessions uint64 `json:"completed_sessions"`
}

// Snapshot returns current counters.
func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Connections:       len(r.conns),
		ActiveSessions:    len(r.matches),
		CompletedSessions: r.completed,
	}
	if r.waiting != nil {
		s.WaitingPlayers = 1
	}
	return s
}
