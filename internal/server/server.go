// Package server exposes the websocket endpoint and translates frames into
// registry calls.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chesskeep/matchserver/internal/game"
	"github.com/chesskeep/matchserver/internal/msgcat"
	"github.com/chesskeep/matchserver/internal/obslog"
	"github.com/chesskeep/matchserver/internal/registry"
	"github.com/chesskeep/matchserver/internal/wire"
)

const (
	outboxSize   = 32
	writeTimeout = 5 * time.Second
)

// Server upgrades HTTP requests to websocket sessions.
type Server struct {
	reg     *registry.Registry
	msgs    *msgcat.Catalog
	origins []string
	log     *zap.Logger
}

// New builds the websocket front end. origins is the allow-list passed to
// the websocket handshake; empty means same-origin only.
func New(reg *registry.Registry, msgs *msgcat.Catalog, origins []string) *Server {
	return &Server{reg: reg, msgs: msgs, origins: origins, log: obslog.L()}
}

// Handler serves the websocket endpoint at the root path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// wsClient adapts one websocket connection to the registry's Client. Sends
// go through a buffered outbox consumed by the single writer goroutine;
// when the buffer is full the frame is dropped rather than stalling the
// registry.
type wsClient struct {
	out  chan wire.Outbound
	done <-chan struct{}
	log  *zap.Logger
}

func (c *wsClient) Send(msg wire.Outbound) {
	select {
	case c.out <- msg:
	case <-c.done:
	default:
		c.log.Warn("outbox_full_drop", zap.String("type", msg.Type))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.log.Warn("ws_accept_error", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &wsClient{
		out:  make(chan wire.Outbound, outboxSize),
		done: ctx.Done(),
		log:  s.log,
	}
	connID := s.reg.Register(client)
	defer s.reg.Disconnect(connID)

	// Single writer: everything outbound flows through the outbox.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-client.out:
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, conn, msg)
				wcancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					s.log.Debug("ws_read_error", zap.String("conn_id", connID), zap.Error(err))
				}
			}
			return
		}
		s.dispatch(client, connID, data)
	}
}

func (s *Server) dispatch(client *wsClient, connID string, data []byte) {
	in, err := wire.Decode(data)
	if err != nil {
		s.sendError(client, err)
		return
	}

	switch in.Type {
	case wire.TypeInitGame:
		err = s.reg.RequestDualMatch(connID)
	case wire.TypeInitAIGame:
		var opts *wire.AIOptions
		if opts, err = wire.DecodeAIOptions(in); err == nil {
			err = s.reg.RequestEngineMatch(connID, opts)
		}
	case wire.TypeMove:
		var mv wire.Move
		if mv, err = wire.DecodeMove(in); err == nil {
			err = s.reg.RouteMove(connID, mv)
		}
	}
	if err != nil {
		s.sendError(client, err)
	}
}

// sendError maps internal failures to wire error codes. The catalog keys
// mirror the codes, so the lookup is mechanical.
func (s *Server) sendError(client *wsClient, err error) {
	code := wire.CodeInvalidMessage
	switch {
	case errors.Is(err, game.ErrNotYourTurn):
		code = wire.CodeNotYourTurn
	case errors.Is(err, game.ErrInvalidMove):
		code = wire.CodeInvalidMove
	case errors.Is(err, registry.ErrNoActiveSession):
		code = wire.CodeNoActiveGame
	case errors.Is(err, registry.ErrEngineInit):
		code = wire.CodeAIInitializationFailed
	case errors.Is(err, wire.ErrInvalidMessage):
		code = wire.CodeInvalidMessage
	}
	client.Send(wire.ErrorMsg(code, s.msgs.Text("error."+code)))
}
