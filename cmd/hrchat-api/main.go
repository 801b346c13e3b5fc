package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hellio/hrchat/internal/api"
	"github.com/hellio/hrchat/internal/audit"
	"github.com/hellio/hrchat/internal/auth"
	"github.com/hellio/hrchat/internal/chat"
	"github.com/hellio/hrchat/internal/config"
	"github.com/hellio/hrchat/internal/database"
	"github.com/hellio/hrchat/internal/llm"
	"github.com/hellio/hrchat/internal/observability"
	"github.com/hellio/hrchat/internal/query/sqldb"
	"github.com/hellio/hrchat/internal/schema"
	"github.com/hellio/hrchat/internal/sqlguard"
	s3store "github.com/hellio/hrchat/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("hrchat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.FromConfig(cfg.Database))
	if err != nil {
		logger.Error("failed to open database",
			slog.String("driver", cfg.Database.Driver),
			slog.String("dsn", observability.MaskDSN(cfg.Database.DSN)),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	schemaName := cfg.Schema.Name
	if schemaName == "" {
		schemaName = config.DefaultSchemaName(cfg.Database.Driver)
	}
	schemaCache := schema.NewCache(
		schema.NewCatalogSource(db, schemaName, cfg.Schema.ExcludeTables),
		schema.CacheOptions{TTL: cfg.Schema.RefreshInterval, Logger: logger},
	)

	completer, err := llm.FromConfig(cfg.AI)
	if err != nil {
		logger.Error("failed to initialize text generation", slog.Any("error", err))
		os.Exit(1)
	}
	var classifier chat.Classifier = chat.RuleClassifier{}
	if cfg.Chat.Classifier == config.ClassifierLLM {
		classifier = chat.LLMClassifier{Completer: completer, Timeout: cfg.AI.Timeout, Logger: logger}
	}

	examples, err := chat.LoadExamples(cfg.Chat.ExamplesFile)
	if err != nil {
		logger.Error("failed to load example questions", slog.String("path", cfg.Chat.ExamplesFile), slog.Any("error", err))
		os.Exit(1)
	}

	policy := sqlguard.DefaultPolicy()
	policy.MaxRows = cfg.Query.MaxRows
	policy.MaxLength = cfg.Query.MaxSQLLength

	readiness := []api.ReadinessCheck{api.CheckDatabase(db), api.CheckSchema(schemaCache)}
	sinks := audit.Multi{audit.LogSink{Logger: logger}}
	archiverCtx, stopArchiver := context.WithCancel(context.Background())
	defer stopArchiver()
	archiverDone := make(chan struct{})
	if cfg.Audit.ArchiveEnabled {
		store, err := s3store.New(ctx, s3store.FromConfig(cfg.ObjectStore))
		if err != nil {
			logger.Error("failed to initialize audit object store", slog.Any("error", err))
			os.Exit(1)
		}
		archiver := &audit.ParquetArchiver{
			Store:  store,
			Config: audit.ArchiverConfig{FlushInterval: cfg.Audit.FlushInterval, BatchSize: cfg.Audit.BatchSize},
			Logger: logger,
		}
		sinks = append(sinks, archiver)
		readiness = append(readiness, api.CheckObjectStore(store))
		go func() {
			defer close(archiverDone)
			if err := archiver.Run(archiverCtx); err != nil {
				logger.Error("final audit flush failed", slog.Int("pending", archiver.Pending()), slog.Any("error", err))
			}
		}()
	} else {
		close(archiverDone)
	}

	service, err := chat.NewService(chat.Dependencies{
		Schema:     schemaCache,
		Generator:  completer,
		Executor:   sqldb.NewExecutor(db, sqldb.DialectForDriver(cfg.Database.Driver), cfg.Query.Timeout),
		Validator:  sqlguard.NewValidator(policy),
		Classifier: classifier,
		Audit:      sinks,
		Logger:     logger,
	}, chat.ConfigFrom(cfg))
	if err != nil {
		logger.Error("failed to initialize chat service", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:            logger,
		Chat:              service,
		Schema:            schemaCache,
		SchemaRefresher:   schemaCache,
		Examples:          examples,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: 2 * time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	warmCtx, cancelWarm := context.WithTimeout(ctx, 10*time.Second)
	if descriptor, err := schemaCache.Refresh(warmCtx); err != nil {
		logger.Warn("schema not loaded at startup, will retry on first request", slog.Any("error", err))
	} else {
		logger.Info("schema whitelist loaded", slog.String("schema", descriptor.SchemaName), slog.Any("tables", descriptor.TableNames()))
	}
	cancelWarm()

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("ai_provider", cfg.AI.Provider),
			slog.Bool("auth_required", cfg.Auth.Required),
			slog.Bool("audit_archive", cfg.Audit.ArchiveEnabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
	stopArchiver()
	<-archiverDone
}
