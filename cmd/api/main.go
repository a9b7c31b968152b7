// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/config"
	"github.com/capitalize-ai/chatsync/internal/handler"
	"github.com/capitalize-ai/chatsync/internal/history"
	"github.com/capitalize-ai/chatsync/internal/llm"
	"github.com/capitalize-ai/chatsync/internal/middleware"
	natsclient "github.com/capitalize-ai/chatsync/internal/nats"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/internal/streaming"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.NewForEnv(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatsync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Lifecycle publishing is optional; without NATS the publisher stays nil
	// and every publish is a no-op.
	var natsClient *natsclient.Client
	var publisher *natsclient.Publisher
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsClient.Close()

		publisher = natsclient.NewPublisher(natsClient)
		if err := publisher.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		go publisher.RunStats(ctx, 30*time.Second)
	}

	providers := newRegistry(cfg, log)

	opts := []streaming.PersisterOption{
		streaming.WithPersistence(cfg.PersistenceEnabled),
		streaming.WithCheckpointPolicy(streaming.CheckpointPolicy(cfg.Checkpoint())),
		streaming.WithLimits(streaming.Limits{
			MaxConversationsPerUser:    cfg.MaxConversationsPerUser,
			MaxMessagesPerConversation: cfg.MaxMessagesPerConversation,
		}),
	}
	if publisher != nil {
		opts = append(opts, streaming.WithPublisher(publisher))
	}

	var titles *streaming.TitleGenerator
	if cfg.TitleGenerationEnabled && len(providers.Providers()) > 0 {
		titles = streaming.NewTitleGenerator(st, service.NewLLMTitler(providers, "", cfg.TitleModel), log, cfg.TitleTimeout,
			func(conversationID, title string) {
				log.Debug("conversation titled", zap.String("conversation_id", conversationID), zap.String("title", title))
			})
		opts = append(opts, streaming.WithTitleGenerator(titles))
	}

	orchestrator := history.NewOrchestrator(st, log, history.WithMinOverlap(cfg.AlignmentMinOverlap))
	persister := streaming.NewPersister(st, orchestrator, log, opts...)

	// Initialize services
	conversationSvc := service.NewConversationService(st, log, cfg.MaxConversationsPerUser)
	chatSvc := service.NewChatService(st, persister, providers, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(st, natsClient)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(conversationSvc, log)
	chatHandler := handler.NewChatHandler(chatSvc, log)
	streamHandler := handler.NewStreamHandler(publisher, conversationSvc, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.IPRateLimitRequests, cfg.RateLimitWindow))
		r.Use(middleware.Auth(middleware.AuthConfig{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		}))
		if cfg.RequiredScope != "" {
			r.Use(middleware.RequireScope(cfg.RequiredScope))
		}
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/chat", chatHandler.Chat)

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Put("/", conversationHandler.Update)
				r.Delete("/", conversationHandler.Delete)

				// Messages
				r.Get("/messages", messageHandler.List)
				r.Get("/messages/{messageID}/events", messageHandler.Events)

				// Lifecycle stream
				r.Get("/lifecycle", streamHandler.Lifecycle)
			})
		})
	})

	// Create HTTP server. Chat turns stream for as long as the provider
	// does, so there is no write timeout.
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ServerReadTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if titles != nil {
		titles.Wait()
	}
	stop()

	log.Info("server stopped")
	return nil
}

// newRegistry builds a client for every provider with a configured key.
func newRegistry(cfg *config.Config, log *logger.Logger) *llm.Registry {
	keys := map[llm.Provider]string{
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
	}
	var clients []llm.Client
	for provider, key := range keys {
		if key == "" {
			continue
		}
		client, err := llm.NewClient(provider, key)
		if err != nil {
			log.Warn("failed to create LLM client", zap.String("provider", string(provider)), zap.Error(err))
			continue
		}
		clients = append(clients, llm.WithBreaker(client, llm.BreakerConfig{
			MaxFailures: uint32(cfg.LLMBreakerMaxFailures),
			Timeout:     cfg.LLMBreakerTimeout,
			Interval:    time.Minute,
		}, log))
	}
	if len(clients) == 0 {
		log.Warn("no LLM provider configured, chat turns will fail")
	}
	return llm.NewRegistry(llm.Provider(cfg.DefaultLLM), clients...)
}
