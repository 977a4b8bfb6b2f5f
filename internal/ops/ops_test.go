package ops

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/chesskeep/matchserver/internal/msgcat"
	"github.com/chesskeep/matchserver/internal/registry"
	"github.com/chesskeep/matchserver/internal/wire"
)

type noopClient struct{}

func (noopClient) Send(wire.Outbound) {}

func newOpsClient(t *testing.T, reg *registry.Registry) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := New(reg)
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ln.Close()
	})
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	reg := registry.New(registry.Config{
		Messages:          cat,
		InactivityTimeout: time.Hour,
		SweepInterval:     time.Hour,
	})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return reg
}

func TestHealthz(t *testing.T) {
	client := newOpsClient(t, newRegistry(t))

	resp, err := client.Get("http://ops/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	reg := newRegistry(t)
	client := newOpsClient(t, reg)

	reg.Register(noopClient{})

	resp, err := client.Get("http://ops/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var stats registry.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Connections != 1 || stats.ActiveSessions != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestUnknownPath(t *testing.T) {
	client := newOpsClient(t, newRegistry(t))

	resp, err := client.Get("http://ops/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
