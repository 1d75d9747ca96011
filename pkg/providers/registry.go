package providers

import (
	"context"
	"fmt"
	"sort"
)

// Options carries every credential and knob an engine may need.
type Options struct {
	Language string

	GeminiAPIKey      string
	GeminiModel       string
	GeminiInstruction string

	SpeechAPIKey string

	OpenAIAPIKey string
	GroqAPIKey   string
	OpenAIModel  string // shared by openai and groq

	WhisperBinary   string
	WhisperCLIModel string
}

type factory func(ctx context.Context, o Options) (TranscriptionProvider, error)

var factories = map[string]factory{
	"gemini": func(ctx context.Context, o Options) (TranscriptionProvider, error) {
		return NewGeminiTranscriptionProvider(ctx, GeminiConfig{
			APIKey:      o.GeminiAPIKey,
			Model:       o.GeminiModel,
			Language:    o.Language,
			Instruction: o.GeminiInstruction,
		})
	},
	"google-speech": func(ctx context.Context, o Options) (TranscriptionProvider, error) {
		key := o.SpeechAPIKey
		if key == "" {
			key = o.GeminiAPIKey
		}
		return NewGoogleSpeechTranscriptionProvider(GoogleSpeechConfig{APIKey: key, Language: o.Language}), nil
	},
	"openai": func(ctx context.Context, o Options) (TranscriptionProvider, error) {
		if o.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai: missing API key")
		}
		return NewOpenAITranscriptionProvider(OpenAIConfig{Name: "openai", APIKey: o.OpenAIAPIKey, Model: o.OpenAIModel, Language: o.Language}), nil
	},
	"groq": func(ctx context.Context, o Options) (TranscriptionProvider, error) {
		if o.GroqAPIKey == "" {
			return nil, fmt.Errorf("groq: missing API key")
		}
		return NewOpenAITranscriptionProvider(OpenAIConfig{Name: "groq", APIKey: o.GroqAPIKey, Model: o.OpenAIModel, Language: o.Language}), nil
	},
	"whisper-cli": func(ctx context.Context, o Options) (TranscriptionProvider, error) {
		return NewWhisperCLITranscriptionProvider(WhisperCLIConfig{Binary: o.WhisperBinary, Model: o.WhisperCLIModel, Language: o.Language}), nil
	},
}

// NewEngine builds the named transcription engine.
func NewEngine(ctx context.Context, name string, o Options) (TranscriptionProvider, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown transcription engine %q (available: %v)", name, EngineNames())
	}
	return f(ctx, o)
}

// EngineNames lists the supported engine identifiers.
func EngineNames() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
