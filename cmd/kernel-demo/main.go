// kernel-demo embeds the kernel runtime in a minimal host application,
// the way an installer would wire it into a tenant app. It uses the
// in-memory adapters throughout — a real host supplies HTTP adapters
// pointed at a Governance Hub and Key-Vault Executor deployment.
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

	"github.com/acp-systems/control-plane/internal/kernel"
	"github.com/acp-systems/control-plane/internal/kernel/packs/domain"
	"github.com/acp-systems/control-plane/internal/kernel/packs/iam"
	"github.com/acp-systems/control-plane/pkg/acptypes"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := kernel.LoadConfig()
	bindings := acptypes.KernelBindings{
		Integration:    envOr("ACP_INTEGRATION", "kernel-demo"),
		KernelID:       cfg.KernelID,
		BasePath:       "/api",
		EndpointPath:   "/manage",
		AuthPrefixLen:  8,
		AuthHashColumn: "hash",
		FailMode:       string(cfg.FailMode),
	}

	db := kernel.NewMemoryDbAdapter()
	auditAdapter := kernel.NewMemoryAuditAdapter()
	idempotency := kernel.NewMemoryIdempotencyAdapter()
	rateLimit := kernel.NewMemoryRateLimitAdapter()
	ceilings := kernel.NewMemoryCeilingsAdapter(map[string]float64{"per_transfer": 5000, "per_day": 20000})
	controlPlane := kernel.NewMemoryControlPlaneAdapter()
	executor := kernel.NewMemoryExecutorAdapter()

	registry, err := kernel.NewActionRegistry(iam.Pack(db), domain.Pack(domain.NewStore()))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build action registry")
	}

	router, err := kernel.NewRouter(registry, bindings, db, auditAdapter, idempotency, rateLimit, ceilings, controlPlane, executor, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build kernel router")
	}

	handler := kernel.NewHTTPHandler(router, bindings)

	port := 8090
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("shutting down kernel-demo")
		shutdownCtx, cancel := shutdownContext()
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", port).Bool("enabled", cfg.Enabled).Msg("kernel-demo listening")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("kernel-demo server failed")
	}
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
