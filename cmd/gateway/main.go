// Command gateway runs the realtime voice-assistant gateway: the
// browser-facing WebSocket relay, the session lifecycle HTTP surface,
// and (when configured) the supplemental single-turn chat pipeline.
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

	"github.com/joho/godotenv"

	"github.com/nsxzhou/realtime-voice-gateway/internal/config"
	"github.com/nsxzhou/realtime-voice-gateway/internal/httpapi"
	"github.com/nsxzhou/realtime-voice-gateway/internal/journal"
	"github.com/nsxzhou/realtime-voice-gateway/internal/legacy"
	"github.com/nsxzhou/realtime-voice-gateway/internal/relay"
	"github.com/nsxzhou/realtime-voice-gateway/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	j := journal.New(cfg.Journal.BaseDir, cfg.Journal.SaveHistory)
	registry := session.NewRegistry()
	rl := relay.New(registry, j, cfg.Upstream)

	var legacySvc *legacy.Service
	if cfg.Legacy.Enabled() {
		legacySvc, err = legacy.NewService(ctx, j, cfg.Legacy)
		if err != nil {
			log.Printf("warning: failed to initialize legacy chat pipeline: %v", err)
			log.Println("continuing without the legacy single-turn pipeline")
			legacySvc = nil
		} else {
			log.Println("legacy single-turn chat pipeline initialized")
		}
	} else {
		log.Println("legacy chat model not configured, skipping legacy pipeline")
	}

	api := httpapi.New(registry, j, rl, cfg.Session, legacySvc)

	startServer(ctx, cfg.Server, api.Router())
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("realtime voice gateway listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
