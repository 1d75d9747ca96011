package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EngineNone disables the secondary tier.
const EngineNone = "none"

// ErrNotFound is returned by Load when no config file exists yet.
var ErrNotFound = errors.New("config not found")

// AppConfig holds the bot's credentials and pipeline settings.
type AppConfig struct {
	TelegramToken       string `json:"telegram_token"`
	TelegramAllowedUser string `json:"telegram_allowed_user"` // comma-separated user IDs, empty = everyone

	GeminiAPIKey      string `json:"gemini_apikey"`
	GeminiModel       string `json:"gemini_model"`
	GeminiInstruction string `json:"gemini_instruction,omitempty"` // empty = built from Language
	SpeechAPIKey      string `json:"speech_apikey"`                // falls back to the Gemini key
	OpenAIAPIKey      string `json:"openai_apikey,omitempty"`
	GroqAPIKey        string `json:"groq_apikey,omitempty"`
	OpenAIModel       string `json:"openai_model,omitempty"` // openai/groq transcription model

	PrimaryEngine   string `json:"primary_engine"`   // e.g. "gemini"
	SecondaryEngine string `json:"secondary_engine"` // e.g. "google-speech", or "none"
	Language        string `json:"language"`         // BCP-47, e.g. "fa-IR"

	FFmpegPath    string `json:"ffmpeg_path"`
	FFprobePath   string `json:"ffprobe_path"`
	WhisperBinary string `json:"whisper_binary,omitempty"`
	WhisperModel  string `json:"whisper_model,omitempty"`

	StagingDir            string `json:"staging_dir"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	JanitorSchedule       string `json:"janitor_schedule"`
	JanitorMaxAgeMinutes  int    `json:"janitor_max_age_minutes"`
}

// BaseDir returns ~/.voicescribe.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find home directory: %w", err)
	}
	return filepath.Join(home, ".voicescribe"), nil
}

// getConfigPath returns the absolute path to ~/.voicescribe/config.json
func getConfigPath() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("could not create voicescribe directory: %w", err)
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from disk.
func Load() (*AppConfig, error) {
	path, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads a config file at path and applies defaults.
func LoadFile(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s, run 'voicescribe configure' first", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadEnv loads .env files (if present) into the process environment and
// builds a config from it.
func LoadEnv(files ...string) (*AppConfig, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	return FromEnv(), nil
}

// FromEnv builds a config from environment variables.
func FromEnv() *AppConfig {
	cfg := &AppConfig{
		TelegramToken:         os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAllowedUser:   os.Getenv("TELEGRAM_ALLOWED_USER_ID"),
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		GeminiModel:           os.Getenv("GEMINI_MODEL"),
		GeminiInstruction:     os.Getenv("GEMINI_INSTRUCTION"),
		SpeechAPIKey:          os.Getenv("GOOGLE_SPEECH_API_KEY"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		GroqAPIKey:            os.Getenv("GROQ_API_KEY"),
		OpenAIModel:           os.Getenv("OPENAI_TRANSCRIPTION_MODEL"),
		PrimaryEngine:         os.Getenv("PRIMARY_ENGINE"),
		SecondaryEngine:       os.Getenv("SECONDARY_ENGINE"),
		Language:              os.Getenv("TRANSCRIBE_LANGUAGE"),
		FFmpegPath:            os.Getenv("FFMPEG_PATH"),
		FFprobePath:           os.Getenv("FFPROBE_PATH"),
		WhisperBinary:         os.Getenv("WHISPER_BINARY"),
		WhisperModel:          os.Getenv("WHISPER_MODEL"),
		StagingDir:            os.Getenv("STAGING_DIR"),
		RequestTimeoutSeconds: envInt("REQUEST_TIMEOUT_SECONDS"),
		JanitorSchedule:       os.Getenv("JANITOR_SCHEDULE"),
		JanitorMaxAgeMinutes:  envInt("JANITOR_MAX_AGE_MINUTES"),
	}
	cfg.ApplyDefaults()
	return cfg
}

func envInt(key string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	return n
}

// ApplyDefaults fills unset fields.
func (cfg *AppConfig) ApplyDefaults() {
	if cfg.PrimaryEngine == "" {
		cfg.PrimaryEngine = "gemini"
	}
	if cfg.SecondaryEngine == "" {
		cfg.SecondaryEngine = "google-speech"
	}
	if cfg.Language == "" {
		cfg.Language = "fa-IR"
	}
	if cfg.GeminiModel == "" {
		cfg.GeminiModel = "gemini-2.5-flash"
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "voicescribe")
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 300
	}
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = "@every 10m"
	}
	if minAge := cfg.RequestTimeoutSeconds/60 + 5; cfg.JanitorMaxAgeMinutes < minAge {
		cfg.JanitorMaxAgeMinutes = max(60, minAge)
	}
}

// Validate reports missing credentials for the selected engines.
func (cfg *AppConfig) Validate() error {
	var errs []error
	if cfg.TelegramToken == "" {
		errs = append(errs, errors.New("missing Telegram token"))
	}
	if cfg.PrimaryEngine == cfg.SecondaryEngine {
		errs = append(errs, fmt.Errorf("primary and secondary engine are both %q", cfg.PrimaryEngine))
	}
	for _, engine := range []string{cfg.PrimaryEngine, cfg.SecondaryEngine} {
		switch engine {
		case "gemini":
			if cfg.GeminiAPIKey == "" {
				errs = append(errs, errors.New("gemini engine needs a Gemini API key"))
			}
		case "google-speech":
			if cfg.SpeechAPIKey == "" && cfg.GeminiAPIKey == "" {
				errs = append(errs, errors.New("google-speech engine needs a Speech or Gemini API key"))
			}
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				errs = append(errs, errors.New("openai engine needs an OpenAI API key"))
			}
		case "groq":
			if cfg.GroqAPIKey == "" {
				errs = append(errs, errors.New("groq engine needs a Groq API key"))
			}
		}
	}
	return errors.Join(errs...)
}

// AllowedUsers splits TelegramAllowedUser.
func (cfg *AppConfig) AllowedUsers() []string {
	var out []string
	for _, u := range strings.Split(cfg.TelegramAllowedUser, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// RequestTimeout returns the per-request budget.
func (cfg *AppConfig) RequestTimeout() time.Duration {
	return time.Duration(cfg.RequestTimeoutSeconds) * time.Second
}

// JanitorMaxAge returns how old a staging directory must be before it is swept.
func (cfg *AppConfig) JanitorMaxAge() time.Duration {
	return time.Duration(cfg.JanitorMaxAgeMinutes) * time.Minute
}

// Save writes the config back to disk securely.
func (cfg *AppConfig) Save() error {
	path, err := getConfigPath()
	if err != nil {
		return err
	}
	return cfg.SaveFile(path)
}

// SaveFile writes the config to path.
func (cfg *AppConfig) SaveFile(path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	// Save with strict permissions since it contains API keys (rw-------)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to disk: %w", err)
	}
	return nil
}
