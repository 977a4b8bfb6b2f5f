// Package uci drives a UCI chess engine process over stdin/stdout.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Stockfish accepts Skill Level 0-20.
	MinSkillLevel = 0
	MaxSkillLevel = 20
	// Search depth bounds keep a single move bounded in time.
	MinSearchDepth = 1
	MaxSearchDepth = 20

	defaultReadyTimeout = 4 * time.Second
)

var (
	// ErrEngineBusy rejects a move request while another is in flight.
	// The bridge serves one search at a time.
	ErrEngineBusy = errors.New("engine busy")
	// ErrEngineTerminated reports that the engine process is gone.
	ErrEngineTerminated = errors.New("engine terminated")
)

// Options selects engine strength. Out-of-range values are clamped.
type Options struct {
	SkillLevel  int
	SearchDepth int
}

// Clamped returns the options forced into engine-supported ranges.
func (o Options) Clamped() Options {
	if o.SkillLevel < MinSkillLevel {
		o.SkillLevel = MinSkillLevel
	}
	if o.SkillLevel > MaxSkillLevel {
		o.SkillLevel = MaxSkillLevel
	}
	if o.SearchDepth < MinSearchDepth {
		o.SearchDepth = MinSearchDepth
	}
	if o.SearchDepth > MaxSearchDepth {
		o.SearchDepth = MaxSearchDepth
	}
	return o
}

// Bridge owns one engine process. A single goroutine reads stdout into the
// lines channel; request methods consume from it, so at most one request may
// be in flight.
type Bridge struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string

	depth int

	writeMu   sync.Mutex
	busy      atomic.Bool
	closeOnce sync.Once
	closed    atomic.Bool
}

// Launch starts the engine binary and runs the UCI handshake.
func Launch(ctx context.Context, binaryPath string, opt Options) (*Bridge, error) {
	opt = opt.Clamped()

	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	b := newBridge(stdin, stdoutPipe, opt.SearchDepth)
	b.cmd = cmd

	if err := b.initialize(ctx, opt); err != nil {
		b.Shutdown()
		return nil, err
	}
	return b, nil
}

// newBridge wires the pipes and starts the reader. Tests use it directly
// with in-memory pipes instead of a real process.
func newBridge(stdin io.WriteCloser, stdout io.Reader, depth int) *Bridge {
	b := &Bridge{
		stdin: stdin,
		lines: make(chan string, 64),
		depth: depth,
	}
	go b.readLoop(stdout)
	return b
}

func (b *Bridge) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		b.lines <- line
	}
	close(b.lines)
}

func (b *Bridge) initialize(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := b.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := b.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}

	cmds := []string{
		"setoption name Threads value 1\n",
		"setoption name Hash value 128\n",
		fmt.Sprintf("setoption name Skill Level value %d\n", opt.SkillLevel),
		"setoption name Move Overhead value 100\n",
	}
	for _, cmd := range cmds {
		if err := b.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}

	if err := b.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := b.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

// BestMove searches the position and returns the engine's move in UCI
// coordinate notation. A second call while one is in flight fails fast with
// ErrEngineBusy rather than queueing.
func (b *Bridge) BestMove(ctx context.Context, fen string) (string, error) {
	if b.closed.Load() {
		return "", ErrEngineTerminated
	}
	if !b.busy.CompareAndSwap(false, true) {
		return "", ErrEngineBusy
	}
	defer b.busy.Store(false)

	if err := b.send(fmt.Sprintf("position fen %s\n", fen)); err != nil {
		return "", fmt.Errorf("send position: %w", err)
	}
	if err := b.send(fmt.Sprintf("go depth %d\n", b.depth)); err != nil {
		return "", fmt.Errorf("send go: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, searchTimeout(b.depth))
	defer cancel()

	for {
		line, err := b.readLine(searchCtx)
		if err != nil {
			return "", err
		}
		if !strings.HasPrefix(line, "bestmove") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 || parts[1] == "(none)" {
			return "", fmt.Errorf("engine returned no move for %q", fen)
		}
		return parts[1], nil
	}
}

// Shutdown closes stdin and kills the process. Safe to call more than once;
// requests after Shutdown fail with ErrEngineTerminated.
func (b *Bridge) Shutdown() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.stdin != nil {
			_, _ = io.WriteString(b.stdin, "quit\n")
			b.stdin.Close()
		}
		if b.cmd != nil && b.cmd.Process != nil {
			_ = b.cmd.Process.Kill()
		}
		if b.cmd != nil {
			err = b.cmd.Wait()
		}
	})
	return err
}

func (b *Bridge) send(msg string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed.Load() {
		return ErrEngineTerminated
	}
	if _, err := io.WriteString(b.stdin, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineTerminated, err)
	}
	return nil
}

func (b *Bridge) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := b.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (b *Bridge) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-b.lines:
		if !ok {
			return "", ErrEngineTerminated
		}
		return line, nil
	}
}

func searchTimeout(depth int) time.Duration {
	base := time.Duration(depth) * 300 * time.Millisecond
	if base < 6*time.Second {
		base = 6 * time.Second
	}
	if base > 20*time.Second {
		base = 20 * time.Second
	}
	return base
}
