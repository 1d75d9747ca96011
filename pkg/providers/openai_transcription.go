package providers

import (
	"context"
	"fmt"
	"strings"

	"voicescribe/pkg/media"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	groqBaseURL   = "https://api.groq.com/openai/v1"
)

// OpenAIConfig configures an OpenAI-compatible transcription endpoint.
type OpenAIConfig struct {
	Name     string // "openai" or "groq"
	BaseURL  string
	APIKey   string
	Model    string
	Language string // BCP-47, e.g. "fa-IR"
	Label    string
}

// OpenAITranscriptionProvider implements TranscriptionProvider for OpenAI-compatible APIs
// (OpenAI Whisper, Groq, local servers).
type OpenAITranscriptionProvider struct {
	name     string
	label    string
	model    string
	language string
	baseURL  string
	client   *openai.Client
}

// NewOpenAITranscriptionProvider creates a new OpenAI transcription provider.
func NewOpenAITranscriptionProvider(cfg OpenAIConfig) *OpenAITranscriptionProvider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAIBaseURL
		if cfg.Name == "groq" {
			cfg.BaseURL = groqBaseURL
		}
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
		if cfg.Name == "groq" {
			cfg.Model = "whisper-large-v3"
		}
	}
	if cfg.Label == "" {
		cfg.Label = fmt.Sprintf("🎙️ Whisper (%s)", cfg.Name)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/audio/transcriptions")

	return &OpenAITranscriptionProvider{
		name:     cfg.Name,
		label:    cfg.Label,
		model:    cfg.Model,
		language: whisperLanguage(cfg.Language),
		baseURL:  clientCfg.BaseURL,
		client:   openai.NewClientWithConfig(clientCfg),
	}
}

func (p *OpenAITranscriptionProvider) Name() string         { return p.name }
func (p *OpenAITranscriptionProvider) Label() string        { return p.label }
func (p *OpenAITranscriptionProvider) Format() media.Format { return media.FormatMP3 }

func (p *OpenAITranscriptionProvider) Transcribe(ctx context.Context, audioPath string) (string, error) {
	log.Debug().Str("endpoint", p.baseURL).Str("model", p.model).Msg("🎙️ transcribing via OpenAI-compatible API")
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.model,
		FilePath: audioPath,
		Language: p.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("%s transcription failed: %w", p.name, err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyResult
	}
	return text, nil
}

// whisperLanguage maps "fa-IR" to the ISO-639-1 code Whisper expects.
func whisperLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}
