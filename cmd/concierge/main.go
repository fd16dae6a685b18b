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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/wellvoice/adapters"
	"github.com/satriahrh/wellvoice/adapters/llm"
	"github.com/satriahrh/wellvoice/adapters/mongo"
	"github.com/satriahrh/wellvoice/adapters/tts"
	"github.com/satriahrh/wellvoice/domain/repositories"
	"github.com/satriahrh/wellvoice/internal/api"
	"github.com/satriahrh/wellvoice/internal/auth"
	"github.com/satriahrh/wellvoice/internal/config"
	"github.com/satriahrh/wellvoice/internal/observe"
	"github.com/satriahrh/wellvoice/internal/websocket"
	"github.com/satriahrh/wellvoice/usecase"
)

func main() {
	envFile := pflag.String("env", ".env", "path to an optional .env file")
	addr := pflag.String("addr", "", "listen address (overrides CONCIERGE_ADDR)")
	pflag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := config.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.ConciergeFromEnv()
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Concierge stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(ctx context.Context, cfg config.ConciergeConfig, logger *zap.Logger) error {
	shutdownMetrics, err := observe.InitProvider(ctx, "wellvoice-concierge")
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer shutdownMetrics(context.Background())

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	// Initialize adapters
	var sessionRepo repositories.SessionRepository
	if cfg.MongoURI != "" {
		client, err := mongo.NewClient(ctx, mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}, logger)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())
		sessionRepo = mongo.NewSessionRepository(client.Database, logger)
	} else {
		logger.Info("Keeping sessions in memory")
		sessionRepo = adapters.NewMemorySessionRepository()
	}

	responder, err := newResponder(ctx, cfg, logger)
	if err != nil {
		return err
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		return err
	}

	// Initialize usecase services
	sessions := usecase.NewSessionService(sessionRepo, issuer, logger)
	conversations := usecase.NewConversationService(sessionRepo, responder, issuer, logger)
	cleanup := usecase.NewSessionCleanupService(sessionRepo, cfg.CleanupInterval, time.Minute, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitConciergeRoutes(e, sessions, conversations,
		websocket.NewStreamHandler(conversations, metrics, logger),
		metrics, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Concierge listening", zap.String("addr", cfg.Addr))
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return cleanup.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Server is shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newResponder(ctx context.Context, cfg config.ConciergeConfig, logger *zap.Logger) (repositories.Responder, error) {
	var responder repositories.Responder
	if cfg.MockResponder() {
		logger.Info("Using mock responder")
		responder = llm.NewMockResponder()
	} else {
		gemini, err := llm.NewGeminiResponder(ctx, llm.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create gemini responder: %w", err)
		}
		responder = gemini
	}

	ttsConfig := tts.NewElevenLabsConfigFromEnv()
	if ttsConfig.APIKey == "" {
		return responder, nil
	}
	synth, err := tts.NewElevenLabsSynthesizer(ttsConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create synthesizer: %w", err)
	}
	return usecase.NewVoicedResponder(responder, synth, logger), nil
}
