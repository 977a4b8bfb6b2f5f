// Package ops serves the operational HTTP endpoints, separate from the
// player-facing websocket listener.
package ops

import (
	"context"
	"encoding/json"
	"net"

	"github.com/valyala/fasthttp"

	"github.com/chesskeep/matchserver/internal/registry"
)

// Server exposes /healthz and /stats.
type Server struct {
	reg *registry.Registry
	srv *fasthttp.Server
}

func New(reg *registry.Registry) *Server {
	s := &Server{reg: reg}
	s.srv = &fasthttp.Server{
		Name:    "match-server-ops",
		Handler: s.handle,
	}
	return s
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case "/stats":
		ctx.SetContentType("application/json")
		if err := json.NewEncoder(ctx).Encode(s.reg.Snapshot()); err != nil {
			ctx.Error("encode stats", fasthttp.StatusInternalServerError)
		}
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

// ListenAndServe blocks serving addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve blocks serving the given listener. Tests pass an in-memory one.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}
