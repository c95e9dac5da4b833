package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/autoeda/chart-engine/internal/api/http"
	"github.com/autoeda/chart-engine/internal/config"
	"github.com/autoeda/chart-engine/internal/engine"
	"github.com/autoeda/chart-engine/internal/metrics"
	"github.com/autoeda/chart-engine/internal/platform/logger"
)

func main() {
	log := logger.New("chart-engine")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	metricsStore := metrics.NewStore(cfg.MetricsLog, log)
	metricsStore.BootstrapFromEvents(metrics.LoadEventLog(cfg.MetricsLog))

	eng := engine.New(cfg, metricsStore, log)
	eng.Start()

	server := &http.Server{
		Addr:         cfg.GetHTTPAddr(),
		Handler:      httpapi.NewRouter(eng, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server…")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	eng.Stop()
	log.Info().Msg("Server exited")
}
