// hub runs the Governance Hub: the authoritative policy, audit, and
// revocation service kernels call out to.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/acp-systems/control-plane/internal/hub"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx := context.Background()

	var store hub.Store
	if dsn := os.Getenv("HUB_DATABASE_URL"); dsn != "" {
		pg, err := hub.NewPgStore(ctx, dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect governance hub store")
		}
		store = pg
		defer pg.Close()
	} else {
		log.Warn().Msg("HUB_DATABASE_URL not set, using in-memory store (non-durable)")
		store = hub.NewMemoryStore()
	}

	pepper := os.Getenv("HUB_HMAC_PEPPER")
	if pepper == "" {
		log.Fatal().Msg("HUB_HMAC_PEPPER must be set")
	}

	server := hub.NewServer(store, pepper)

	port := envOr("HUB_PORT", "8091")
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("shutting down governance hub")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", port).Msg("governance hub listening")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("governance hub server failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
