// kve runs the Key-Vault Executor: credential resolution and the
// proxy boundary between tenant actions and external services.
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

	"github.com/acp-systems/control-plane/internal/kve"
	"github.com/acp-systems/control-plane/internal/kve/integrations/example"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx := context.Background()

	var store kve.Store
	var secrets kve.SecretResolver
	if dsn := os.Getenv("KVE_DATABASE_URL"); dsn != "" {
		pg, err := kve.NewPgStore(ctx, dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect key-vault executor store")
		}
		store = pg
		defer pg.Close()
		log.Warn().Msg("KVE_DATABASE_URL set but no external secret backend wired; falling back to in-memory secret resolver")
		secrets = kve.NewMemoryStore()
	} else {
		log.Warn().Msg("KVE_DATABASE_URL not set, using in-memory store (non-durable)")
		mem := kve.NewMemoryStore()
		store = mem
		secrets = mem
	}

	pepper := os.Getenv("KVE_HMAC_PEPPER")
	if pepper == "" {
		log.Fatal().Msg("KVE_HMAC_PEPPER must be set")
	}

	executor := kve.NewExecutor(store, secrets, pepper)
	executor.RegisterIntegration("example", example.Handler(nil, envOr("EXAMPLE_INTEGRATION_BASE_URL", "https://example.invalid")))

	server := kve.NewServer(executor)

	port := envOr("KVE_PORT", "8092")
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
		log.Info().Msg("shutting down key-vault executor")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", port).Msg("key-vault executor listening")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("key-vault executor server failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
