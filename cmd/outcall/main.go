// Command outcall places an outbound phone call and runs a realtime voice
// agent on it: Telnyx carries the audio, Deepgram recognises and synthesises
// speech, and Bedrock drives the conversation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outcall-ai/outcall/internal/config"
	"github.com/outcall-ai/outcall/internal/observe"
	"github.com/outcall-ai/outcall/internal/server"
	"github.com/outcall-ai/outcall/internal/session"
	"github.com/outcall-ai/outcall/internal/telephony"
	"github.com/outcall-ai/outcall/pkg/provider/llm"
	"github.com/outcall-ai/outcall/pkg/provider/llm/bedrock"
	"github.com/outcall-ai/outcall/pkg/provider/stt"
	dgstt "github.com/outcall-ai/outcall/pkg/provider/stt/deepgram"
	"github.com/outcall-ai/outcall/pkg/provider/tts"
	dgtts "github.com/outcall-ai/outcall/pkg/provider/tts/deepgram"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	to := flag.String("to", "", "destination phone number in E.164 form")
	from := flag.String("from", "", "caller ID override in E.164 form")
	purpose := flag.String("purpose", "", "what the call is about, e.g. \"confirm tomorrow's appointment\"")
	systemPrompt := flag.String("system-prompt", "", "override the generated system prompt")
	voice := flag.String("voice", "", "override the synthesis voice")
	serverOnly := flag.Bool("server-only", false, "serve the media endpoint without placing a call")
	host := flag.String("host", "", "bind address override")
	port := flag.Int("port", 0, "listen port override")
	debug := flag.Bool("debug", false, "force debug logging")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "outcall: %v\n", err)
		return 1
	}
	if *debug {
		cfg.Server.LogLevel = config.LogDebug
	}
	if *voice != "" {
		cfg.Deepgram.TTSModel = *voice
	}
	if *from != "" {
		cfg.Telnyx.PhoneNumber = *from
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if !*serverOnly && *to == "" {
		fmt.Fprintln(os.Stderr, "outcall: --to is required unless --server-only is set")
		return 1
	}
	if !*serverOnly && *purpose == "" {
		fmt.Fprintln(os.Stderr, "outcall: --purpose is required unless --server-only is set")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("outcall starting",
		"listen_addr", cfg.Server.ListenAddr(),
		"public_ws_url", cfg.Server.PublicWSURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "outcall"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Prompt pre-generation ─────────────────────────────────────────────────
	// The system prompt and greeting are produced before dialing so the agent
	// can speak the instant the callee answers.
	pre := session.Pregenerated{SystemPrompt: *systemPrompt}
	if *purpose != "" {
		bootstrap, err := newBedrock(cfg, *systemPrompt, *purpose)
		if err != nil {
			slog.Error("failed to create language model client", "err", err)
			return 1
		}
		start := time.Now()
		pre.SystemPrompt, pre.Greeting = bootstrap.InitializeForCall(ctx, *purpose)
		slog.Info("call prompts generated",
			"elapsed", time.Since(start).Round(time.Millisecond),
			"greeting", pre.Greeting,
		)
	}

	// ── Provider factories ────────────────────────────────────────────────────
	factories := session.Factories{
		STT: func() (stt.Recognizer, error) {
			return dgstt.New(cfg.Deepgram.APIKey,
				dgstt.WithModel(cfg.Deepgram.STTModel),
				dgstt.WithEndpointing(time.Duration(cfg.Deepgram.EndpointingMS)*time.Millisecond),
				dgstt.WithUtteranceEnd(time.Duration(cfg.Deepgram.UtteranceEndMS)*time.Millisecond),
			)
		},
		TTS: func() (tts.Synthesizer, error) {
			return dgtts.New(cfg.Deepgram.APIKey, dgtts.WithVoice(cfg.Deepgram.TTSModel))
		},
		LLM: func() (llm.Generator, error) {
			gen, err := newBedrock(cfg, pre.SystemPrompt, *purpose)
			if err != nil {
				return nil, err
			}
			gen.SetGreeting(pre.Greeting)
			return gen, nil
		},
	}

	manager, err := session.NewManager(factories, logger, metrics)
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		return 1
	}
	manager.SetPregenerated(pre)

	// ── HTTP server ───────────────────────────────────────────────────────────
	telnyx, err := telephony.New(cfg.Telnyx.APIKey, cfg.Telnyx.ConnectionID)
	if err != nil {
		slog.Error("failed to create carrier client", "err", err)
		return 1
	}

	srv := server.New(manager, telnyx, cfg.Server.PublicWSURL, logger, metrics)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr(),
		Handler: srv.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// ── Place the call ────────────────────────────────────────────────────────
	if !*serverOnly {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		call, err := telnyx.Dial(dialCtx, *to, cfg.Telnyx.PhoneNumber, cfg.Server.PublicWSURL)
		cancel()
		if err != nil {
			slog.Error("failed to place call", "to", *to, "err", err)
			return 1
		}
		slog.Info("call placed", "to", *to, "call_control_id", call.CallControlID)
	} else {
		slog.Info("server-only mode, not placing a call")
	}

	slog.Info("ready, press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("http server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	manager.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newBedrock builds a Bedrock client from config, with optional overrides for
// the system prompt and call purpose.
func newBedrock(cfg *config.Config, systemPrompt, purpose string) (*bedrock.Client, error) {
	opts := []bedrock.Option{
		bedrock.WithRegion(cfg.Bedrock.Region),
		bedrock.WithModel(cfg.Bedrock.ModelID),
		bedrock.WithMaxTokens(cfg.Bedrock.MaxTokens),
		bedrock.WithTemperature(cfg.Bedrock.Temperature),
	}
	if systemPrompt != "" {
		opts = append(opts, bedrock.WithSystemPrompt(systemPrompt))
	}
	if purpose != "" {
		opts = append(opts, bedrock.WithPurpose(purpose))
	}
	return bedrock.New(cfg.Bedrock.APIKey, opts...)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
