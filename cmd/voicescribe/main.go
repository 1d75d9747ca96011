package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"voicescribe/pkg/bus"
	"voicescribe/pkg/channels/telegram"
	"voicescribe/pkg/config"
	"voicescribe/pkg/janitor"
	"voicescribe/pkg/logging"
	"voicescribe/pkg/media"
	"voicescribe/pkg/pipeline"
	"voicescribe/pkg/providers"
	"voicescribe/pkg/relay"
	"voicescribe/pkg/staging"

	"github.com/manifoldco/promptui"
	"github.com/rs/zerolog/log"
)

// shutdownGrace bounds how long in-flight requests may take to clean up after
// a termination signal.
const shutdownGrace = 30 * time.Second

func prompt(label, def string, secret bool) string {
	p := promptui.Prompt{Label: label, Default: def}
	if secret {
		p.Mask = '*'
	}
	v, err := p.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			fmt.Println("Configuration cancelled.")
			os.Exit(1)
		}
		return def
	}
	return strings.TrimSpace(v)
}

func selectEngine(label string, items []string, def string) string {
	cursor := 0
	for i, it := range items {
		if it == def {
			cursor = i
		}
	}
	s := promptui.Select{Label: label, Items: items, CursorPos: cursor}
	_, v, err := s.Run()
	if err != nil {
		fmt.Println("Configuration cancelled.")
		os.Exit(1)
	}
	return v
}

func runConfigure() {
	fmt.Println("🎙️ Voicescribe Configuration Wizard")
	fmt.Println("-----------------------------------")

	cfg, err := config.Load()
	if err != nil {
		cfg = &config.AppConfig{}
		cfg.ApplyDefaults()
	}

	cfg.TelegramToken = prompt("Telegram Bot Token", cfg.TelegramToken, true)
	cfg.TelegramAllowedUser = prompt("Allowed Telegram user IDs (comma-separated, empty for everyone)", cfg.TelegramAllowedUser, false)

	engines := providers.EngineNames()
	cfg.PrimaryEngine = selectEngine("Primary engine", engines, cfg.PrimaryEngine)
	cfg.SecondaryEngine = selectEngine("Fallback engine", append(engines, config.EngineNone), cfg.SecondaryEngine)
	cfg.Language = prompt("Language code", cfg.Language, false)

	for _, engine := range []string{cfg.PrimaryEngine, cfg.SecondaryEngine} {
		switch engine {
		case "gemini":
			cfg.GeminiAPIKey = prompt("Gemini API Key", cfg.GeminiAPIKey, true)
			cfg.GeminiModel = prompt("Gemini model", cfg.GeminiModel, false)
		case "google-speech":
			cfg.SpeechAPIKey = prompt("Speech-to-Text API Key (empty to reuse the Gemini key)", cfg.SpeechAPIKey, true)
		case "openai":
			cfg.OpenAIAPIKey = prompt("OpenAI API Key", cfg.OpenAIAPIKey, true)
			cfg.OpenAIModel = prompt("Transcription model (empty for whisper-1)", cfg.OpenAIModel, false)
		case "groq":
			cfg.GroqAPIKey = prompt("Groq API Key", cfg.GroqAPIKey, true)
			cfg.OpenAIModel = prompt("Transcription model (empty for whisper-large-v3)", cfg.OpenAIModel, false)
		case "whisper-cli":
			cfg.WhisperBinary = prompt("whisper binary", cfg.WhisperBinary, false)
			cfg.WhisperModel = prompt("whisper model", cfg.WhisperModel, false)
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("❌ Invalid configuration:\n%v\n", err)
		os.Exit(1)
	}
	if err := cfg.Save(); err != nil {
		fmt.Printf("❌ Failed to save config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✅ Configuration saved successfully to ~/.voicescribe/config.json!")
	fmt.Println("You can now run 'voicescribe' to start the bot.")
}

func runReset() {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.FromEnv()
	}

	confirm := promptui.Prompt{
		Label:     fmt.Sprintf("🗑️ Delete every staged audio file in %s", cfg.StagingDir),
		IsConfirm: true,
	}
	if _, err := confirm.Run(); err != nil {
		fmt.Println("Reset cancelled.")
		return
	}

	if err := os.RemoveAll(cfg.StagingDir); err != nil {
		fmt.Printf("❌ Failed to reset staging directory: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ Staging directory has been reset!")
}

func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, config.ErrNotFound) {
		return nil, err
	}
	log.Warn().Msg("⚠️ No config.json found, using .env / environment. Consider running 'voicescribe configure'.")
	return config.LoadEnv()
}

func engineOptions(cfg *config.AppConfig) providers.Options {
	return providers.Options{
		Language:          cfg.Language,
		GeminiAPIKey:      cfg.GeminiAPIKey,
		GeminiModel:       cfg.GeminiModel,
		GeminiInstruction: cfg.GeminiInstruction,
		SpeechAPIKey:      cfg.SpeechAPIKey,
		OpenAIAPIKey:      cfg.OpenAIAPIKey,
		GroqAPIKey:        cfg.GroqAPIKey,
		OpenAIModel:       cfg.OpenAIModel,
		WhisperBinary:     cfg.WhisperBinary,
		WhisperCLIModel:   cfg.WhisperModel,
	}
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "configure":
			runConfigure()
			return
		case "reset":
			runReset()
			return
		}
	}

	logging.InitFromEnv()
	log.Info().Msg("🎙️ Starting Voicescribe...")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Could not load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("⚠️ Incomplete configuration, run 'voicescribe configure'")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Media and staging
	store, err := staging.NewStore(cfg.StagingDir, media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath))
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to prepare staging directory")
	}

	// 2. Transcription engines
	opts := engineOptions(cfg)
	primary, err := providers.NewEngine(ctx, cfg.PrimaryEngine, opts)
	if err != nil {
		log.Fatal().Err(err).Str("engine", cfg.PrimaryEngine).Msg("❌ Failed to initialize primary engine")
	}
	var secondary providers.TranscriptionProvider
	if cfg.SecondaryEngine != config.EngineNone {
		secondary, err = providers.NewEngine(ctx, cfg.SecondaryEngine, opts)
		if err != nil {
			log.Fatal().Err(err).Str("engine", cfg.SecondaryEngine).Msg("❌ Failed to initialize fallback engine")
		}
	}
	log.Info().Str("primary", cfg.PrimaryEngine).Str("secondary", cfg.SecondaryEngine).Msg("🤖 Transcription engines ready")

	// 3. Channel and handler
	msgBus := bus.NewMessageBus()
	tgChannel := telegram.NewChannel(cfg.TelegramToken, cfg.AllowedUsers(), msgBus)
	handler := relay.NewHandler(tgChannel, store, pipeline.New(primary, secondary),
		relay.WithTimeout(cfg.RequestTimeout()),
		relay.WithMaxFileSize(telegram.MaxDownloadBytes),
	)

	// 4. Background janitor
	sweeper := janitor.New(store.Root(), cfg.JanitorSchedule, cfg.JanitorMaxAge())
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to start staging janitor")
	}

	// 5. Telegram listener
	if err := tgChannel.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to start Telegram channel")
	}
	log.Info().Msg("✅ Telegram channel started successfully. Listening for voice messages...")

	// 6. Dispatch, one goroutine per request
	served := make(chan struct{})
	go func() {
		handler.Serve(ctx, msgBus.Inbound)
		close(served)
	}()

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down Voicescribe...")
	cancel()

	// In-flight requests still reply, delete their status and uploads, and purge staging.
	select {
	case <-served:
		log.Info().Msg("✅ All in-flight requests finished")
	case <-time.After(shutdownGrace):
		log.Warn().Dur("grace", shutdownGrace).Msg("⚠️ Gave up waiting for in-flight requests")
	}
}
