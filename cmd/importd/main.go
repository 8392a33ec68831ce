// Command importd runs one rate-limited bulk import and serves run
// progress over HTTP while it executes. Many importd processes may run
// against the same Redis instance; they coordinate cooldowns and share
// metric attribution through it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/DanielCoulbourne/rate-limited-imports/internal/config"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/importer"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/logging"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to importd.yaml")
	outputDir := flag.String("output", "./imported", "directory for imported records")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup(logging.DefaultConfig())
		bootLogger := logging.NewLogger("importd")
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.Logging.Level)
	logCfg.Pretty = cfg.Logging.Pretty
	logging.Setup(logCfg)
	logger := logging.NewLogger("importd")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	source, err := newAPISource(cfg.API.BaseURL, *outputDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to prepare import source")
	}

	imp, err := importer.New(
		cfg.ImporterConfig(),
		store.NewRedisStore(redisClient),
		store.NewRedisRunStore(redisClient),
		source,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create importer")
	}

	runID := uuid.NewString()
	srv := startReportingServer(cfg.Server.ListenAddr, imp, runID, logger)

	logger.Info().
		Str("run_id", runID).
		Str("api", cfg.API.BaseURL).
		Msg("Starting import run")

	report, err := imp.RunWithID(ctx, runID)
	if err != nil {
		logger.Error().Err(err).Msg("Import run did not complete")
	} else {
		logger.Info().
			Int64("imported", report.ItemsImportedCount).
			Int64("total", report.ItemsCount).
			Int64("permanently_failed", report.PermanentlyFailedCount).
			Int64("sleep_seconds", report.TotalSleepSeconds).
			Float64("efficiency", report.Efficiency()).
			Msg("Import run finished")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Reporting server shutdown failed")
	}

	if err != nil {
		os.Exit(1)
	}
}

// startReportingServer serves run progress for dashboards and CLIs.
func startReportingServer(addr string, imp *importer.Importer, currentRunID string, logger zerolog.Logger) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/runs/current", func(w http.ResponseWriter, r *http.Request) {
		serveReport(w, r, imp, currentRunID)
	})
	router.HandleFunc("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		serveReport(w, r, imp, mux.Vars(r)["id"])
	})

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		logger.Info().Str("addr", addr).Msg("Reporting server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Reporting server failed")
		}
	}()
	return srv
}

func serveReport(w http.ResponseWriter, r *http.Request, imp *importer.Importer, runID string) {
	report, err := imp.Report(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
