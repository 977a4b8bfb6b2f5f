package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	appcfg "github.com/chesskeep/matchserver/internal/config"
	"github.com/chesskeep/matchserver/internal/msgcat"
	"github.com/chesskeep/matchserver/internal/obslog"
	"github.com/chesskeep/matchserver/internal/ops"
	"github.com/chesskeep/matchserver/internal/registry"
	"github.com/chesskeep/matchserver/internal/server"
	"github.com/chesskeep/matchserver/internal/uci"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	cat, err := msgcat.New(cfg.MsgOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	launcher := func(ctx context.Context, opt uci.Options) (registry.Engine, error) {
		return uci.Launch(ctx, cfg.StockfishPath, opt)
	}

	reg := registry.New(registry.Config{
		Messages:          cat,
		Launcher:          launcher,
		DefaultSkillLevel: cfg.DefaultSkillLevel,
		DefaultDepth:      cfg.DefaultSearchDepth,
		InactivityTimeout: time.Duration(cfg.InactivityTimeoutSec) * time.Second,
		SweepInterval:     time.Duration(cfg.SweepIntervalSec) * time.Second,
	})

	ws := server.New(reg, cat, cfg.AllowedOrigins)
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: ws.Handler(),
	}
	go func() {
		obslog.L().Info("ws_listen", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Fatal("ws_listen_error", zap.Error(err))
		}
	}()

	var opsSrv *ops.Server
	if cfg.OpsAddr != "" {
		opsSrv = ops.New(reg)
		go func() {
			obslog.L().Info("ops_listen", zap.String("addr", cfg.OpsAddr))
			if err := opsSrv.ListenAndServe(cfg.OpsAddr); err != nil {
				obslog.L().Error("ops_listen_error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	obslog.L().Info("shutdown_signal", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Stop accepting traffic before finalizing live matches, so the
	// game_over frames reach connections that are still draining.
	if err := httpSrv.Shutdown(ctx); err != nil {
		obslog.L().Warn("ws_shutdown_error", zap.Error(err))
	}
	if opsSrv != nil {
		if err := opsSrv.Shutdown(ctx); err != nil {
			obslog.L().Warn("ops_shutdown_error", zap.Error(err))
		}
	}
	if err := reg.Shutdown(ctx); err != nil {
		obslog.L().Warn("registry_shutdown_error", zap.Error(err))
	}
}
