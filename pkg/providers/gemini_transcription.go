package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"voicescribe/pkg/media"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"google.golang.org/genai"
)

const (
	defaultGeminiModel       = "gemini-2.5-flash"
	defaultGeminiLabel       = "✨ هوش مصنوعی Google Gemini 2.5"
	defaultGeminiInstruction = "فایل صوتی زیر را دقیقاً به متن فارسی تبدیل کن. هیچ توضیح اضافه‌ای نده، فقط متن گفته شده را بنویس."
	geminiInstructionFormat  = "Transcribe the following audio verbatim into %s. Output only the spoken text, no commentary."

	geminiPollInterval = 500 * time.Millisecond
	geminiMaxPolls     = 40
	geminiDeleteBudget = 15 * time.Second
)

// remoteFile is the part of an uploaded Gemini file the provider cares about.
type remoteFile struct {
	Name     string
	URI      string
	MIMEType string
	State    string
}

// geminiAPI is the slice of the Gemini SDK used for a transcription.
type geminiAPI interface {
	Upload(ctx context.Context, path, mimeType string) (*remoteFile, error)
	Get(ctx context.Context, name string) (*remoteFile, error)
	Delete(ctx context.Context, name string) error
	Generate(ctx context.Context, model, instruction string, file *remoteFile) (string, error)
}

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Language    string // BCP-47; picks the default Instruction
	Instruction string
	Label       string
	// BaseURL overrides the Gemini API endpoint.
	BaseURL string
}

// GeminiTranscriptionProvider uploads the audio to the Gemini Files API and asks
// the model for a verbatim transcript. The uploaded copy is always deleted.
type GeminiTranscriptionProvider struct {
	api         geminiAPI
	model       string
	instruction string
	label       string
	pollEvery   time.Duration
}

// NewGeminiTranscriptionProvider creates a Gemini-backed provider.
func NewGeminiTranscriptionProvider(ctx context.Context, cfg GeminiConfig) (*GeminiTranscriptionProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: missing API key")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to init client: %w", err)
	}
	return newGeminiProvider(&sdkGemini{client: client}, cfg), nil
}

func newGeminiProvider(api geminiAPI, cfg GeminiConfig) *GeminiTranscriptionProvider {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Instruction == "" {
		cfg.Instruction = instructionFor(cfg.Language)
	}
	if cfg.Label == "" {
		cfg.Label = defaultGeminiLabel
	}
	return &GeminiTranscriptionProvider{
		api:         api,
		model:       cfg.Model,
		instruction: cfg.Instruction,
		label:       cfg.Label,
		pollEvery:   geminiPollInterval,
	}
}

// instructionFor builds the transcription prompt for a language tag. Persian
// (and an unparseable or empty tag) keeps the bot's original Persian prompt.
func instructionFor(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil || lang == "" {
		return defaultGeminiInstruction
	}
	if base, _ := tag.Base(); base.String() == "fa" {
		return defaultGeminiInstruction
	}
	name := display.English.Languages().Name(tag)
	if name == "" {
		name = lang
	}
	return fmt.Sprintf(geminiInstructionFormat, name)
}

func (p *GeminiTranscriptionProvider) Name() string         { return "gemini" }
func (p *GeminiTranscriptionProvider) Label() string        { return p.label }
func (p *GeminiTranscriptionProvider) Format() media.Format { return media.FormatMP3 }

func (p *GeminiTranscriptionProvider) Transcribe(ctx context.Context, audioPath string) (string, error) {
	file, err := p.api.Upload(ctx, audioPath, media.FormatMP3.MIMEType())
	if err != nil {
		return "", fmt.Errorf("gemini upload failed: %w", err)
	}
	defer p.release(ctx, file.Name)

	file, err = p.waitActive(ctx, file)
	if err != nil {
		return "", err
	}

	text, err := p.api.Generate(ctx, p.model, p.instruction, file)
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResult
	}
	return text, nil
}

// release deletes the uploaded copy even when ctx is already cancelled.
func (p *GeminiTranscriptionProvider) release(ctx context.Context, name string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), geminiDeleteBudget)
	defer cancel()
	if err := p.api.Delete(delCtx, name); err != nil {
		log.Error().Err(err).Str("file", name).Msg("🗑️ failed to delete uploaded audio from Gemini")
		return
	}
	log.Debug().Str("file", name).Msg("🗑️ deleted uploaded audio from Gemini")
}

func (p *GeminiTranscriptionProvider) waitActive(ctx context.Context, file *remoteFile) (*remoteFile, error) {
	for i := 0; file.State == string(genai.FileStateProcessing); i++ {
		if i >= geminiMaxPolls {
			return nil, fmt.Errorf("gemini: file %s still processing", file.Name)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollEvery):
		}
		next, err := p.api.Get(ctx, file.Name)
		if err != nil {
			return nil, fmt.Errorf("gemini file status: %w", err)
		}
		file = next
	}
	if file.State == string(genai.FileStateFailed) {
		return nil, fmt.Errorf("gemini: processing of %s failed", file.Name)
	}
	return file, nil
}

// sdkGemini adapts *genai.Client to geminiAPI.
type sdkGemini struct {
	client *genai.Client
}

func toRemote(f *genai.File) *remoteFile {
	return &remoteFile{Name: f.Name, URI: f.URI, MIMEType: f.MIMEType, State: string(f.State)}
}

func (s *sdkGemini) Upload(ctx context.Context, path, mimeType string) (*remoteFile, error) {
	f, err := s.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: mimeType})
	if err != nil {
		return nil, err
	}
	return toRemote(f), nil
}

func (s *sdkGemini) Get(ctx context.Context, name string) (*remoteFile, error) {
	f, err := s.client.Files.Get(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	return toRemote(f), nil
}

func (s *sdkGemini) Delete(ctx context.Context, name string) error {
	_, err := s.client.Files.Delete(ctx, name, nil)
	return err
}

func (s *sdkGemini) Generate(ctx context.Context, model, instruction string, file *remoteFile) (string, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(instruction),
		genai.NewPartFromURI(file.URI, file.MIMEType),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := s.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
