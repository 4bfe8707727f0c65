package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/genai"

	"github.com/dvloznov/txnquery/internal/api/handlers"
	"github.com/dvloznov/txnquery/internal/api/middleware"
	"github.com/dvloznov/txnquery/internal/cache"
	"github.com/dvloznov/txnquery/internal/config"
	"github.com/dvloznov/txnquery/internal/corpus"
	"github.com/dvloznov/txnquery/internal/engine"
	"github.com/dvloznov/txnquery/internal/filter"
	"github.com/dvloznov/txnquery/internal/gateway"
	"github.com/dvloznov/txnquery/internal/history"
	"github.com/dvloznov/txnquery/internal/jobs"
	"github.com/dvloznov/txnquery/internal/jobs/inmemory"
	"github.com/dvloznov/txnquery/internal/logger"
	"github.com/dvloznov/txnquery/internal/service"
	"github.com/dvloznov/txnquery/internal/stream"
	"github.com/dvloznov/txnquery/internal/vectorindex"
)

func main() {
	var configPath = flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()

	// Gemini client for embeddings and generation. Credentials come from
	// GEMINI_API_KEY or application default credentials.
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create genai client")
	}

	embedder := gateway.NewGenAIEmbedder(genaiClient, cfg.Embedder.Model,
		cfg.Embedder.BatchSize, cfg.Embedder.Timeout, cfg.Embedder.RetryBackoff)
	generator := gateway.NewGenAIGenerator(genaiClient, cfg.Generator.Model,
		cfg.Generator.Timeout, cfg.Generator.RetryBackoff)

	highValue, err := decimal.NewFromString(cfg.Retrieval.HighValueThreshold)
	if err != nil {
		log.Fatal().Err(err).Str("threshold", cfg.Retrieval.HighValueThreshold).
			Msg("Invalid high-value threshold")
	}

	corpusStore := corpus.NewStore(cfg.Corpus.IdleEviction)
	index := vectorindex.New(embedder, cfg.Retrieval.TopK)
	respCache := cache.New(cfg.Cache.TTL)
	streams := stream.NewManager(cfg.Generator.StreamTimeout)

	histStore, err := history.NewStore(cfg.History.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history store")
	}
	defer histStore.Close()

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, 2, jobStore)

	svc := service.New(
		corpusStore,
		index,
		engine.New(index, cfg.Retrieval.TopK, cfg.Retrieval.ContextCap),
		filter.NewExtractor(highValue),
		generator,
		respCache,
		streams,
		histStore,
		jobQueue,
		service.Options{
			PageSize:        cfg.Retrieval.DefaultPageSize,
			Temperature:     cfg.Generator.Temperature,
			MaxOutputTokens: cfg.Generator.MaxOutputTokens,
		},
		log,
	)

	// Background workers: index rebuilds, cache sweep, corpus eviction.
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	jobHandler := func(ctx context.Context, job jobs.Job) error {
		rebuild, ok := job.(*jobs.RebuildIndexJob)
		if !ok {
			log.Error().Str("type", string(job.GetType())).Msg("Unexpected job type")
			return nil
		}
		log.Info().Str("job_id", rebuild.JobID).Str("user_id", rebuild.UserID).
			Uint64("version", rebuild.Version).Msg("Rebuilding index")
		return svc.RebuildIndex(ctx, rebuild.UserID)
	}
	go func() {
		log.Info().Msg("Starting index rebuild worker")
		if err := jobQueue.Start(workerCtx, jobHandler); err != nil {
			log.Error().Err(err).Msg("Index rebuild worker stopped with error")
		}
	}()
	respCache.StartSweeper(workerCtx, cfg.Cache.SweepInterval)
	corpusStore.StartEvictionSweeper(workerCtx, cfg.Corpus.SweepInterval)

	queryHandler := handlers.NewQueryHandler(svc, log)
	usersHandler := handlers.NewUsersHandler(svc, log)
	historyHandler := handlers.NewHistoryHandler(histStore, log)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/ingest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			queryHandler.Ingest(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			queryHandler.Query(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/query/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			queryHandler.QueryStream(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			usersHandler.ListUsers(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/users/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			userID := strings.TrimPrefix(r.URL.Path, "/api/users/")
			if userID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "User ID is required")
				return
			}
			usersHandler.DeleteUser(w, r, userID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			historyHandler.ListHistory(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/health", handlers.Health)

	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(mux),
			),
		),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Server exited")
}
