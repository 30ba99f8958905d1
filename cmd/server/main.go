package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	cors "github.com/rs/cors/wrapper/gin"
	"golang.org/x/sync/errgroup"

	"github.com/veritaslegal/chatstream/internal/auth"
	"github.com/veritaslegal/chatstream/internal/background"
	"github.com/veritaslegal/chatstream/internal/chat"
	"github.com/veritaslegal/chatstream/internal/config"
	"github.com/veritaslegal/chatstream/internal/logger"
	"github.com/veritaslegal/chatstream/internal/metrics"
	"github.com/veritaslegal/chatstream/internal/model"
	"github.com/veritaslegal/chatstream/internal/ops"
	"github.com/veritaslegal/chatstream/internal/sse"
	"github.com/veritaslegal/chatstream/internal/storage/pg"
	"github.com/veritaslegal/chatstream/internal/streaming"
	"github.com/veritaslegal/chatstream/internal/usage"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatstream:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logger.FromConfig(cfg.LogLevel, cfg.LogFormat, cfg.Environment)
	gin.SetMode(cfg.GinMode)

	m := metrics.New()

	// Session store: postgres when configured, otherwise in-memory.
	var (
		store chat.Store
		sink  usage.Sink = usage.NopSink{}
	)
	if cfg.DatabaseURL != "" {
		db, err := pg.InitDatabase(cfg)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer db.Close()
		store = db.Store
		sink = db.Store
		log.Info("postgres session store ready")
	} else {
		store = chat.NewMemoryStore()
		log.Warn("DATABASE_URL not set, sessions are kept in memory only")
	}

	// Model backend: OpenAI when a key is configured, otherwise the echo
	// client so the service stays usable offline.
	var client model.Client
	if cfg.OpenAIAPIKey != "" {
		client = model.NewOpenAIClient(model.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.OpenAIModel,
			Timeout:     time.Duration(cfg.OpenAITimeout) * time.Second,
			MaxTokens:   cfg.OpenAIMaxTokens,
			Temperature: cfg.OpenAITemperature,
		}, log)
	} else {
		client = model.NewEchoClient(log)
		log.Warn("OPENAI_API_KEY not set, using the built-in echo backend")
	}
	log.Info("model client ready", slog.String("model", client.ModelName()))

	recorder := usage.NewRecorder(usage.Config{
		BufferSize: cfg.UsageBufferSize,
		Workers:    cfg.UsageWorkerPoolSize,
		Timeout:    time.Duration(cfg.UsageTimeoutSeconds) * time.Second,
	}, sink, log, m)

	streamCfg := streaming.Config{
		BufferSize:        cfg.StreamBufferSize,
		FlushInterval:     cfg.StreamFlushInterval,
		KeepaliveInterval: cfg.KeepaliveInterval,
		MaxRetries:        cfg.MaxRetries,
		BatchSize:         cfg.BatchSize,
		BatchTimeout:      cfg.BatchTimeout,
	}
	handler := streaming.NewStreamHandler(streamCfg, log, m)
	batching := streaming.NewBatchingStreamHandler(streamCfg, log, m)

	events := sse.NewStreamManager(sse.Config{
		KeepaliveInterval: cfg.KeepaliveInterval,
		RetryInterval:     cfg.SSERetryInterval,
		MaxMessageSize:    cfg.MaxMessageSize,
	}, log, m)

	service := chat.NewService(chat.ServiceConfig{
		MaxTokens:   cfg.OpenAIMaxTokens,
		Temperature: cfg.OpenAITemperature,
	}, store, client, handler, batching, events, recorder, m, log)
	chatHandler := chat.NewHandler(service, log)

	retention := background.NewRetentionService(background.RetentionConfig{
		Schedule:   cfg.RetentionSchedule,
		SessionTTL: cfg.SessionTTL,
	}, store, log)
	if err := retention.Start(); err != nil {
		return fmt.Errorf("starting retention schedule: %w", err)
	}

	apiServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:           newRouter(cfg, log, chatHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	opsServer := ops.NewServer(net.JoinHostPort(cfg.Host, cfg.OpsPort), m, func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		if err := client.ValidateConnection(ctx); err != nil {
			return fmt.Errorf("model: %w", err)
		}
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api server listening", slog.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("ops server listening", slog.String("addr", opsServer.Addr))
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		var errs []error
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("ops shutdown: %w", err))
		}

		// Stop producers before draining the usage queue.
		retention.Stop()
		recorder.Shutdown()
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server exited")
	return nil
}

func newRouter(cfg *config.Config, log *logger.Logger, chatHandler *chat.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.RequestLoggingMiddleware(log))
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Cache-Control"},
		AllowCredentials: true,
	}))

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "AI Legal Assistant API",
			"version": version,
			"status":  "running",
		})
	})
	router.GET("/health", chatHandler.Health)

	api := router.Group("/api")
	if cfg.AuthEnabled() {
		guard := auth.NewMiddleware(auth.NewValidator(cfg.AuthJWTSecret))
		api.Use(guard.RequireAuth())
		log.Info("bearer auth enabled on /api")
	}
	chatHandler.RegisterRoutes(api)

	return router
}
