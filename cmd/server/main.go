package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"forma/internal/auth"
	"forma/internal/compiler"
	"forma/internal/config"
	"forma/internal/handler"
	"forma/internal/handler/sse"
	"forma/internal/middleware"
	"forma/internal/repository/postgres"
	postgresCad "forma/internal/repository/postgres/cad"
	"forma/internal/service/activity"
	"forma/internal/service/build"
	"forma/internal/service/conversation"
	"forma/internal/service/repair"
	"forma/internal/service/voice"
	"forma/internal/storage"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}

	logOutput := io.Writer(os.Stdout)
	if cfg.Debug {
		logFile, err := config.SetupLogFile("./logs", 5)
		if err != nil {
			log.Printf("warning: debug log file disabled: %v", err)
		} else {
			defer logFile.Close()
			logOutput = io.MultiWriter(os.Stdout, logFile)
		}
	}

	logger := slog.New(slog.NewJSONHandler(logOutput, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger) // Set as default logger

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	// Create JWT verifier
	jwtVerifier, err := auth.NewJWTVerifier(cfg.JWKSURL, logger)
	if err != nil {
		log.Fatalf("Failed to create JWT verifier: %v", err)
	}
	defer jwtVerifier.Close()

	// Create pgx connection pool
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	logger.Info("database connected",
		"max_conns", 25,
		"min_conns", 5,
	)

	// Create table names
	tables := postgres.NewTableNames(cfg.TablePrefix)

	// Create repositories
	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}
	conversationRepo := postgresCad.NewConversationRepository(repoConfig)
	turnRepo := postgresCad.NewTurnRepository(repoConfig)
	voiceRepo := postgresCad.NewVoiceSessionRepository(repoConfig)
	txManager := postgres.NewTransactionManager(pool)

	// Artifact blob storage
	blobStore, err := storage.NewLocalBlobStore(cfg.BlobDir)
	if err != nil {
		log.Fatalf("Failed to create blob store: %v", err)
	}

	// Compiler output profiles (embedded YAML)
	profiles, err := compiler.NewProfileRegistry()
	if err != nil {
		log.Fatalf("Failed to load compiler profiles: %v", err)
	}

	// Code-repair client and regeneration policy
	repairClient := repair.NewClient(cfg.RepairServiceURL, cfg.RepairServiceKey, 60*time.Second, logger)
	regen := build.NewRegenerationController(repairClient, cfg.MaxAutoAttempts, logger)

	// Build sessions: one sandboxed compiler worker per conversation
	workerFactory := compiler.NewProcessWorkerFactory(cfg.CompilerCommand, cfg.CompilerArgs, logger)
	buildHub := build.NewHub(logger)
	buildManager := build.NewManager(
		workerFactory,
		cfg.WorkerTimeout,
		profiles,
		regen,
		blobStore,
		turnRepo,
		buildHub,
		logger,
	)
	defer buildManager.CloseAll()

	// Create services
	conversationService := conversation.NewService(conversationRepo, turnRepo, txManager, buildManager, logger)
	voiceService := voice.NewService(voiceRepo, conversationRepo, turnRepo, buildManager, logger)
	activityService := activity.NewService(conversationRepo, voiceRepo, logger)

	// Create handlers
	conversationHandler := handler.NewConversationHandler(conversationService, logger)
	turnHandler := handler.NewTurnHandler(conversationService, logger)
	buildHandler := handler.NewBuildHandler(conversationService, logger)
	voiceHandler := handler.NewVoiceHandler(voiceService, logger)
	activityHandler := handler.NewActivityHandler(activityService, logger)
	streamHandler := handler.NewStreamHandler(buildHub, sse.DefaultConfig(), logger)

	logger.Info("services initialized")

	// Create HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Conversation routes
	mux.HandleFunc("GET /api/conversations", conversationHandler.ListConversations)
	mux.HandleFunc("POST /api/conversations", conversationHandler.CreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", conversationHandler.GetConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", conversationHandler.RenameConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", conversationHandler.DeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/tree", conversationHandler.GetTree)
	mux.HandleFunc("POST /api/conversations/{id}/prompts", conversationHandler.SendPrompt)

	// Version tree navigation routes
	mux.HandleFunc("GET /api/conversations/{id}/turns/{turnID}/path", turnHandler.GetTurnPath)
	mux.HandleFunc("GET /api/conversations/{id}/turns/{turnID}/siblings", turnHandler.GetTurnSiblings)
	mux.HandleFunc("POST /api/conversations/{id}/turns/{turnID}/select", turnHandler.SelectLeaf)
	mux.HandleFunc("POST /api/conversations/{id}/turns/{turnID}/step", turnHandler.StepBranch)
	mux.HandleFunc("POST /api/conversations/{id}/turns/{turnID}/edit", turnHandler.EditPrompt)

	// Build routes
	mux.HandleFunc("POST /api/conversations/{id}/turns/{turnID}/compile", buildHandler.Compile)
	mux.HandleFunc("POST /api/conversations/{id}/turns/{turnID}/retry-fix", buildHandler.RetryFix)

	// Build progress streaming (SSE)
	mux.HandleFunc("GET /api/turns/{id}/stream", streamHandler.StreamBuild)

	// Voice session routes
	mux.HandleFunc("POST /api/voice-sessions", voiceHandler.StartSession)
	mux.HandleFunc("GET /api/voice-sessions/{id}", voiceHandler.GetSession)
	mux.HandleFunc("POST /api/voice-sessions/{id}/transcripts", voiceHandler.AppendTranscript)
	mux.HandleFunc("POST /api/voice-sessions/{id}/end", voiceHandler.EndSession)

	// Activity feed
	mux.HandleFunc("GET /api/activity", activityHandler.RecentActivity)

	// Build middleware chain
	var httpHandler http.Handler = mux

	// Apply middleware in reverse order (they wrap each other)
	// Order: CORS → Recovery → Auth → Routes
	httpHandler = middleware.AuthMiddleware(jwtVerifier)(httpHandler)
	httpHandler = middleware.Recovery(logger)(httpHandler)

	// CORS - Must be before auth to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
	})
	httpHandler = corsHandler.Handler(httpHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	logger.Info("server listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}
