package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chesskeep/matchserver/internal/game"
	"github.com/chesskeep/matchserver/internal/msgcat"
	"github.com/chesskeep/matchserver/internal/uci"
	"github.com/chesskeep/matchserver/internal/wire"
)

type fakeClient struct {
	mu   sync.Mutex
	msgs []wire.Outbound
}

func (f *fakeClient) Send(m wire.Outbound) {
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
}

func (f *fakeClient) ofType(typ string) []wire.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Outbound
	for _, m := range f.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// waitFor polls until the client saw at least n messages of the given type.
func (f *fakeClient) waitFor(t *testing.T, typ string, n int) []wire.Outbound {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := f.ofType(typ)
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %q messages, have %d", n, typ, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeEngine struct {
	mu       sync.Mutex
	moves    []string
	err      error
	shutdown bool
}

func (e *fakeEngine) BestMove(ctx context.Context, fen string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	if len(e.moves) == 0 {
		return "", fmt.Errorf("script exhausted at %q", fen)
	}
	mv := e.moves[0]
	e.moves = e.moves[1:]
	return mv, nil
}

func (e *fakeEngine) Shutdown() error {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) wasShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

func newTestRegistry(t *testing.T, eng Engine, launchErr error) *Registry {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	r := New(Config{
		Messages: cat,
		Launcher: func(ctx context.Context, opt uci.Options) (Engine, error) {
			if launchErr != nil {
				return nil, launchErr
			}
			return eng, nil
		},
		DefaultSkillLevel: 10,
		DefaultDepth:      12,
		InactivityTimeout: time.Hour,
		SweepInterval:     time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func initGameColor(t *testing.T, m wire.Outbound) string {
	t.Helper()
	p, ok := m.Payload.(wire.InitGamePayload)
	if !ok {
		t.Fatalf("payload = %T, want InitGamePayload", m.Payload)
	}
	return p.Color
}

func TestDualPairingAssignsOppositeColors(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	c1, c2 := &fakeClient{}, &fakeClient{}
	id1 := r.Register(c1)
	id2 := r.Register(c2)

	if err := r.RequestDualMatch(id1); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if got := c1.ofType(wire.TypeInitGame); len(got) != 0 {
		t.Fatalf("waiting player got init_game early: %v", got)
	}
	if s := r.Snapshot(); s.WaitingPlayers != 1 {
		t.Fatalf("waiting players = %d", s.WaitingPlayers)
	}

	if err := r.RequestDualMatch(id2); err != nil {
		t.Fatalf("second request: %v", err)
	}
	g1 := c1.waitFor(t, wire.TypeInitGame, 1)
	g2 := c2.waitFor(t, wire.TypeInitGame, 1)
	if initGameColor(t, g1[0]) != "white" || initGameColor(t, g2[0]) != "black" {
		t.Fatalf("colors = %s/%s, want white/black in queue order",
			initGameColor(t, g1[0]), initGameColor(t, g2[0]))
	}

	s := r.Snapshot()
	if s.ActiveSessions != 1 || s.WaitingPlayers != 0 {
		t.Fatalf("stats after pairing = %+v", s)
	}
}

func TestDualMatchRepeatRequestIgnored(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	c1 := &fakeClient{}
	id1 := r.Register(c1)

	if err := r.RequestDualMatch(id1); err != nil {
		t.Fatalf("request: %v", err)
	}
	// Same player again must not pair against itself.
	if err := r.RequestDualMatch(id1); err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if got := c1.ofType(wire.TypeInitGame); len(got) != 0 {
		t.Fatalf("self-pairing happened: %v", got)
	}
	if s := r.Snapshot(); s.WaitingPlayers != 1 || s.ActiveSessions != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestMoveRelayAndCheckmate(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	white, black := &fakeClient{}, &fakeClient{}
	wid := r.Register(white)
	bid := r.Register(black)
	r.RequestDualMatch(wid)
	r.RequestDualMatch(bid)
	white.waitFor(t, wire.TypeInitGame, 1)

	// Fool's mate.
	plies := []struct {
		id string
		mv string
	}{
		{wid, "f2f3"}, {bid, "e7e5"}, {wid, "g2g4"}, {bid, "d8h4"},
	}
	for _, p := range plies {
		mv, _ := wire.MoveFromUCI(p.mv)
		if err := r.RouteMove(p.id, mv); err != nil {
			t.Fatalf("RouteMove(%s): %v", p.mv, err)
		}
	}

	// Accepted moves are relayed to the opponent only, never echoed back.
	white.waitFor(t, wire.TypeMove, 2)
	black.waitFor(t, wire.TypeMove, 2)

	over := white.waitFor(t, wire.TypeGameOver, 1)
	p := over[0].Payload.(wire.GameOverPayload)
	if p.Winner != "black" || p.Reason != "checkmate" {
		t.Fatalf("game over = %+v", p)
	}
	if p.Message != "Game over: black wins by checkmate." {
		t.Fatalf("game over message = %q", p.Message)
	}
	black.waitFor(t, wire.TypeGameOver, 1)

	// game_over marks the end of the stream; no self-echoes ever arrived.
	if got := len(white.ofType(wire.TypeMove)); got != 2 {
		t.Fatalf("white saw %d moves, want 2 (black's only)", got)
	}
	if got := len(black.ofType(wire.TypeMove)); got != 2 {
		t.Fatalf("black saw %d moves, want 2 (white's only)", got)
	}

	s := r.Snapshot()
	if s.ActiveSessions != 0 || s.CompletedSessions != 1 {
		t.Fatalf("stats after mate = %+v", s)
	}

	// The match is gone; further moves have nowhere to go.
	mv, _ := wire.MoveFromUCI("a2a3")
	if err := r.RouteMove(wid, mv); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("post-game move err = %v, want ErrNoActiveSession", err)
	}
}

func TestRouteMoveErrors(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	c1, c2 := &fakeClient{}, &fakeClient{}
	id1 := r.Register(c1)
	id2 := r.Register(c2)
	mv, _ := wire.MoveFromUCI("e2e4")

	if err := r.RouteMove("nope", mv); !errors.Is(err, ErrUnknownConn) {
		t.Fatalf("unknown conn err = %v", err)
	}
	if err := r.RouteMove(id1, mv); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("idle conn err = %v", err)
	}

	r.RequestDualMatch(id1)
	r.RequestDualMatch(id2)
	c1.waitFor(t, wire.TypeInitGame, 1)

	black, _ := wire.MoveFromUCI("e7e5")
	if err := r.RouteMove(id2, black); !errors.Is(err, game.ErrNotYourTurn) {
		t.Fatalf("out-of-turn err = %v, want ErrNotYourTurn", err)
	}
	bad, _ := wire.MoveFromUCI("e2e5")
	if err := r.RouteMove(id1, bad); !errors.Is(err, game.ErrInvalidMove) {
		t.Fatalf("illegal move err = %v, want ErrInvalidMove", err)
	}
}

func TestDisconnectClearsWaitingSlot(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	c1, c2 := &fakeClient{}, &fakeClient{}
	id1 := r.Register(c1)
	id2 := r.Register(c2)

	r.RequestDualMatch(id1)
	r.Disconnect(id1)

	if err := r.RequestDualMatch(id2); err != nil {
		t.Fatalf("request after disconnect: %v", err)
	}
	// The departed player must not be paired; the new one waits instead.
	if got := c2.ofType(wire.TypeInitGame); len(got) != 0 {
		t.Fatalf("paired against a disconnected player: %v", got)
	}
	if s := r.Snapshot(); s.WaitingPlayers != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestDisconnectEndsMatchForRemainingPlayer(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	white, black := &fakeClient{}, &fakeClient{}
	wid := r.Register(white)
	bid := r.Register(black)
	r.RequestDualMatch(wid)
	r.RequestDualMatch(bid)
	black.waitFor(t, wire.TypeInitGame, 1)

	r.Disconnect(wid)

	over := black.waitFor(t, wire.TypeGameOver, 1)
	p := over[0].Payload.(wire.GameOverPayload)
	if p.Winner != "black" || p.Reason != game.ReasonDisconnect {
		t.Fatalf("game over = %+v", p)
	}
	if s := r.Snapshot(); s.ActiveSessions != 0 {
		t.Fatalf("stats = %+v", s)
	}

	// The remaining connection is idle again and may queue for a new game.
	if err := r.RequestDualMatch(bid); err != nil {
		t.Fatalf("requeue after game over: %v", err)
	}
}

func TestEngineMatchHumanWhite(t *testing.T) {
	eng := &fakeEngine{moves: []string{"e7e5", "b8c6"}}
	r := newTestRegistry(t, eng, nil)
	human := &fakeClient{}
	id := r.Register(human)

	if err := r.RequestEngineMatch(id, &wire.AIOptions{Color: "white"}); err != nil {
		t.Fatalf("RequestEngineMatch: %v", err)
	}
	g := human.waitFor(t, wire.TypeInitGame, 1)
	p := g[0].Payload.(wire.InitGamePayload)
	if p.Color != "white" || p.GameType != game.TypeEngine {
		t.Fatalf("init_game = %+v", p)
	}

	mv, _ := wire.MoveFromUCI("e2e4")
	if err := r.RouteMove(id, mv); err != nil {
		t.Fatalf("RouteMove: %v", err)
	}
	// Only the engine's asynchronous reply comes back; the human's own
	// move is never echoed.
	moves := human.waitFor(t, wire.TypeMove, 1)
	reply := moves[0].Payload.(wire.MovePayload)
	if reply.Move.UCI() != "e7e5" {
		t.Fatalf("engine reply = %q", reply.Move.UCI())
	}
}

func TestEngineMatchEngineMovesFirstAsWhite(t *testing.T) {
	eng := &fakeEngine{moves: []string{"d2d4"}}
	r := newTestRegistry(t, eng, nil)
	human := &fakeClient{}
	id := r.Register(human)

	color := "black"
	if err := r.RequestEngineMatch(id, &wire.AIOptions{Color: color}); err != nil {
		t.Fatalf("RequestEngineMatch: %v", err)
	}
	g := human.waitFor(t, wire.TypeInitGame, 1)
	if got := g[0].Payload.(wire.InitGamePayload).Color; got != "black" {
		t.Fatalf("human color = %q", got)
	}

	moves := human.waitFor(t, wire.TypeMove, 1)
	if got := moves[0].Payload.(wire.MovePayload).Move.UCI(); got != "d2d4" {
		t.Fatalf("first engine move = %q", got)
	}
}

func TestEngineOptionsClampedBeforeLaunch(t *testing.T) {
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	var got uci.Options
	r := New(Config{
		Messages: cat,
		Launcher: func(ctx context.Context, opt uci.Options) (Engine, error) {
			got = opt
			return &fakeEngine{moves: []string{"e7e5"}}, nil
		},
		DefaultSkillLevel: 10,
		DefaultDepth:      12,
		InactivityTimeout: time.Hour,
		SweepInterval:     time.Hour,
	})
	defer r.Shutdown(context.Background())

	human := &fakeClient{}
	id := r.Register(human)
	skill, depth := 25, 0
	if err := r.RequestEngineMatch(id, &wire.AIOptions{SkillLevel: &skill, SearchDepth: &depth, Color: "white"}); err != nil {
		t.Fatalf("RequestEngineMatch: %v", err)
	}
	if got.SkillLevel != uci.MaxSkillLevel || got.SearchDepth != uci.MinSearchDepth {
		t.Fatalf("launched with %+v", got)
	}
}

func TestDualRequestDuringEngineLaunchKeepsSlotConsistent(t *testing.T) {
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	eng := &fakeEngine{moves: []string{"e7e5"}}
	launching := make(chan struct{})
	release := make(chan struct{})
	r := New(Config{
		Messages: cat,
		Launcher: func(ctx context.Context, opt uci.Options) (Engine, error) {
			close(launching)
			<-release
			return eng, nil
		},
		DefaultSkillLevel: 10,
		DefaultDepth:      12,
		InactivityTimeout: time.Hour,
		SweepInterval:     time.Hour,
	})
	defer r.Shutdown(context.Background())

	human := &fakeClient{}
	id := r.Register(human)

	done := make(chan error, 1)
	go func() { done <- r.RequestEngineMatch(id, &wire.AIOptions{Color: "white"}) }()
	<-launching

	// The same connection queues for a human opponent while its engine is
	// still starting. The later request must win the connection.
	if err := r.RequestDualMatch(id); err != nil {
		t.Fatalf("RequestDualMatch during launch: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RequestEngineMatch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !eng.wasShutdown() {
		if time.Now().After(deadline) {
			t.Fatal("superseded engine never shut down")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := r.Snapshot(); s.ActiveSessions != 0 || s.WaitingPlayers != 1 {
		t.Fatalf("stats = %+v, want waiting-only", s)
	}
	if got := human.ofType(wire.TypeInitGame); len(got) != 0 {
		t.Fatalf("queued player got init_game from a dead engine match: %v", got)
	}

	// The connection still pairs normally, exactly once.
	opp := &fakeClient{}
	oid := r.Register(opp)
	if err := r.RequestDualMatch(oid); err != nil {
		t.Fatalf("opponent request: %v", err)
	}
	g := human.waitFor(t, wire.TypeInitGame, 1)
	if initGameColor(t, g[0]) != "white" {
		t.Fatalf("queued player color = %s", initGameColor(t, g[0]))
	}
	opp.waitFor(t, wire.TypeInitGame, 1)
	if got := human.ofType(wire.TypeInitGame); len(got) != 1 {
		t.Fatalf("init_game count = %d, want 1", len(got))
	}
}

func TestEngineLaunchFailure(t *testing.T) {
	r := newTestRegistry(t, nil, errors.New("no such binary"))
	human := &fakeClient{}
	id := r.Register(human)

	if err := r.RequestEngineMatch(id, nil); !errors.Is(err, ErrEngineInit) {
		t.Fatalf("err = %v, want ErrEngineInit", err)
	}
	if s := r.Snapshot(); s.ActiveSessions != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEngineFailureEndsMatchInHumansFavor(t *testing.T) {
	eng := &fakeEngine{err: errors.New("engine crashed")}
	r := newTestRegistry(t, eng, nil)
	human := &fakeClient{}
	id := r.Register(human)

	if err := r.RequestEngineMatch(id, &wire.AIOptions{Color: "white"}); err != nil {
		t.Fatalf("RequestEngineMatch: %v", err)
	}
	mv, _ := wire.MoveFromUCI("e2e4")
	if err := r.RouteMove(id, mv); err != nil {
		t.Fatalf("RouteMove: %v", err)
	}

	errs := human.waitFor(t, wire.TypeError, 1)
	ep := errs[0].Payload.(wire.ErrorPayload)
	if ep.Code != wire.CodeAIEngineError || ep.Message == "" {
		t.Fatalf("error payload = %+v", ep)
	}

	over := human.waitFor(t, wire.TypeGameOver, 1)
	op := over[0].Payload.(wire.GameOverPayload)
	if op.Winner != "white" || op.Reason != game.ReasonEngineFailure {
		t.Fatalf("game over = %+v", op)
	}
	if !eng.wasShutdown() {
		t.Fatal("engine not shut down after failure")
	}
}

func TestEngineShutdownOnHumanDisconnect(t *testing.T) {
	eng := &fakeEngine{moves: []string{"e7e5"}}
	r := newTestRegistry(t, eng, nil)
	human := &fakeClient{}
	id := r.Register(human)

	if err := r.RequestEngineMatch(id, &wire.AIOptions{Color: "white"}); err != nil {
		t.Fatalf("RequestEngineMatch: %v", err)
	}
	human.waitFor(t, wire.TypeInitGame, 1)

	r.Disconnect(id)
	deadline := time.Now().Add(2 * time.Second)
	for !eng.wasShutdown() {
		if time.Now().After(deadline) {
			t.Fatal("engine still running after human disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := r.Snapshot(); s.ActiveSessions != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestSweepFinalizesStaleSessions(t *testing.T) {
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	r := New(Config{
		Messages:          cat,
		InactivityTimeout: 10 * time.Millisecond,
		SweepInterval:     5 * time.Millisecond,
	})
	defer r.Shutdown(context.Background())

	white, black := &fakeClient{}, &fakeClient{}
	wid := r.Register(white)
	bid := r.Register(black)
	r.RequestDualMatch(wid)
	r.RequestDualMatch(bid)
	white.waitFor(t, wire.TypeInitGame, 1)

	over := white.waitFor(t, wire.TypeGameOver, 1)
	p := over[0].Payload.(wire.GameOverPayload)
	if p.Winner != game.WinnerNone || p.Reason != game.ReasonInactivity {
		t.Fatalf("swept game over = %+v", p)
	}
	if p.Message != "Game over: inactivity." {
		t.Fatalf("swept game over message = %q", p.Message)
	}
	black.waitFor(t, wire.TypeGameOver, 1)
}

func TestShutdownFinalizesEverything(t *testing.T) {
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	r := New(Config{
		Messages:          cat,
		InactivityTimeout: time.Hour,
		SweepInterval:     time.Hour,
	})

	white, black := &fakeClient{}, &fakeClient{}
	wid := r.Register(white)
	bid := r.Register(black)
	r.RequestDualMatch(wid)
	r.RequestDualMatch(bid)
	white.waitFor(t, wire.TypeInitGame, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, c := range []*fakeClient{white, black} {
		over := c.ofType(wire.TypeGameOver)
		if len(over) != 1 {
			t.Fatalf("game_over count = %d", len(over))
		}
		p := over[0].Payload.(wire.GameOverPayload)
		if p.Reason != game.ReasonServerShutdown {
			t.Fatalf("reason = %q", p.Reason)
		}
	}

	if err := r.RequestDualMatch(wid); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("post-shutdown request err = %v, want ErrShuttingDown", err)
	}
}
