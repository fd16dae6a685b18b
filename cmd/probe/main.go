// Command probe streams a recorded clip straight to a concierge, bypassing
// the voice bus, and prints every response. Useful for checking a concierge
// deployment end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/satriahrh/wellvoice/adapters/capture"
	"github.com/satriahrh/wellvoice/adapters/endpoint"
	"github.com/satriahrh/wellvoice/domain/entities"
	"github.com/satriahrh/wellvoice/domain/repositories"
	"github.com/satriahrh/wellvoice/internal/config"
)

func main() {
	server := pflag.String("server", "http://localhost:8080", "concierge base URL")
	device := pflag.String("device", "probe-device", "device ID used for the session")
	file := pflag.String("file", "", "WAV or MP3 clip to stream (required)")
	chunk := pflag.Duration("chunk", 500*time.Millisecond, "audio per chunk")
	transport := pflag.String("transport", config.TransportWebSocket, "http or websocket")
	pflag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *file == "" {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	httpEndpoint := endpoint.NewHTTPEndpoint(endpoint.HTTPConfig{BaseURL: *server}, logger)
	session, err := httpEndpoint.Establish(ctx, *device)
	if err != nil {
		logger.Fatal("Failed to establish session", zap.Error(err))
	}
	fmt.Printf("session %s\n", session.String("sessionId"))

	var streaming repositories.StreamingEndpoint = httpEndpoint
	if *transport == config.TransportWebSocket {
		cfg := config.BusConfig{ConciergeURL: *server}
		ws := endpoint.NewWebSocketEndpoint(cfg.StreamURL(), logger)
		defer ws.Close()
		streaming = ws
	}

	source := capture.NewFileSource(*file, *chunk, false, logger)
	sent := 0
	err = source.Run(ctx, func(payload entities.AudioPayload) {
		sent++
		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		start := time.Now()
		resp, err := streaming.Send(sendCtx, entities.StreamRequest{Media: payload, Config: session})
		if err != nil {
			fmt.Printf("#%d error after %s: %v\n", sent, time.Since(start).Round(time.Millisecond), err)
			return
		}
		printResponse(sent, time.Since(start), resp)
	})
	if err != nil {
		logger.Fatal("Failed to stream clip", zap.Error(err))
	}
}

func printResponse(n int, took time.Duration, resp *entities.StreamResponse) {
	var parts []string
	if resp.Text != "" {
		parts = append(parts, fmt.Sprintf("text=%q", resp.Text))
	}
	for _, call := range resp.FunctionCalls {
		parts = append(parts, fmt.Sprintf("call=%s%v", call.Name, call.Args))
	}
	if resp.Audio != "" {
		parts = append(parts, fmt.Sprintf("audio=%d chars (%s)", len(resp.Audio), resp.AudioMimeType))
	}
	parts = append(parts, fmt.Sprintf("turnComplete=%t", resp.TurnComplete))
	fmt.Printf("#%d ok in %s: %s\n", n, took.Round(time.Millisecond), strings.Join(parts, " "))
}
