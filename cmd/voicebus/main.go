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

	"github.com/satriahrh/wellvoice/adapters/capture"
	"github.com/satriahrh/wellvoice/adapters/endpoint"
	"github.com/satriahrh/wellvoice/adapters/mongo"
	"github.com/satriahrh/wellvoice/adapters/storage"
	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
	"github.com/satriahrh/wellvoice/internal/api"
	"github.com/satriahrh/wellvoice/internal/config"
	"github.com/satriahrh/wellvoice/internal/observe"
	"github.com/satriahrh/wellvoice/internal/voicebus"
	"github.com/satriahrh/wellvoice/internal/websocket"
	"github.com/satriahrh/wellvoice/usecase"
)

func main() {
	envFile := pflag.String("env", ".env", "path to an optional .env file")
	addr := pflag.String("addr", "", "control API listen address (overrides VOICEBUS_ADDR)")
	captureFlag := pflag.String("capture", "", `audio source: "mic" or a WAV/MP3 path (overrides VOICEBUS_CAPTURE)`)
	loop := pflag.Bool("loop", false, "replay the capture file forever")
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

	cfg := config.BusFromEnv()
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *captureFlag != "" {
		cfg.Capture = *captureFlag
	}
	if *loop {
		cfg.Loop = true
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Voice bus stopped with error", zap.Error(err))
	}
	logger.Info("Voice bus exited")
}

func run(ctx context.Context, cfg config.BusConfig, logger *zap.Logger) error {
	shutdownMetrics, err := observe.InitProvider(ctx, "wellvoice-bus")
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer shutdownMetrics(context.Background())

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	httpEndpoint := endpoint.NewHTTPEndpoint(endpoint.HTTPConfig{BaseURL: cfg.ConciergeURL}, logger)
	var streaming repositories.StreamingEndpoint = httpEndpoint
	if cfg.Transport == config.TransportWebSocket {
		ws := endpoint.NewWebSocketEndpoint(cfg.StreamURL(), logger)
		defer ws.Close()
		streaming = ws
	}

	source, err := newCaptureSource(cfg, logger)
	if err != nil {
		return err
	}

	bus := voicebus.New(cfg.BusSettings(), store, streaming, metrics, logger)
	control := usecase.NewBusControlService(bus, httpEndpoint, logger)
	hub := websocket.NewHub(control, logger)

	unsubscribe := bus.Subscribe(hub.PublishState)
	defer unsubscribe()
	bus.SetResponseHandler(func(resp entities.StreamResponse) {
		logger.Info("Concierge response",
			zap.String("text", resp.Text),
			zap.Int("functionCalls", len(resp.FunctionCalls)),
			zap.Bool("turnComplete", resp.TurnComplete))
		hub.PublishResponse(resp)
	})

	bus.Initialize(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	api.InitBusRoutes(e, control, hub, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Voice bus control API listening", zap.String("addr", cfg.Addr))
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.AutoConnect {
		g.Go(func() error {
			connectWithRetry(gctx, control, logger)
			return nil
		})
	}
	if source != nil {
		g.Go(func() error {
			return source.Run(gctx, bus.OnChunk)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Voice bus is shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := bus.Close(closeCtx); closeErr != nil {
		logger.Error("Failed to flush voice bus state", zap.Error(closeErr))
	}
	return err
}

func newStore(ctx context.Context, cfg config.BusConfig, logger *zap.Logger) (repositories.KeyValueStore, func(), error) {
	switch cfg.Storage {
	case config.StorageMongo:
		client, err := mongo.NewClient(ctx, mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() { client.Close(context.Background()) }
		return mongo.NewKeyValueStore(client.Database, "", logger), closeFn, nil
	case config.StorageMemory:
		logger.Warn("Voice bus state is not durable with memory storage")
		return storage.NewMemoryStore(), func() {}, nil
	default:
		store, err := storage.NewSQLiteStore(cfg.StoragePath, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close state database", zap.Error(err))
			}
		}
		return store, closeFn, nil
	}
}

func newCaptureSource(cfg config.BusConfig, logger *zap.Logger) (repositories.CaptureSource, error) {
	switch cfg.Capture {
	case "":
		return nil, nil
	case "mic":
		return capture.NewMicrophoneSource(cfg.ChunkDuration, logger)
	default:
		return capture.NewFileSource(cfg.Capture, cfg.ChunkDuration, cfg.Loop, logger), nil
	}
}

// connectWithRetry keeps trying to establish a session until it succeeds or
// ctx ends. Chunks captured meanwhile stay queued.
func connectWithRetry(ctx context.Context, control *usecase.BusControlService, logger *zap.Logger) {
	backoff := time.Second
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := control.Connect(attemptCtx)
		cancel()
		if err == nil || errors.Is(err, voicebus.ErrConnectInProgress) {
			return
		}
		logger.Warn("Initial connect failed, retrying",
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
