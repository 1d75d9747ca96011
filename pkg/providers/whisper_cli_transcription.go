package providers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"voicescribe/pkg/media"

	"github.com/rs/zerolog/log"
)

// WhisperCLIConfig configures the local whisper binary.
type WhisperCLIConfig struct {
	Binary   string
	Model    string
	Language string
	Label    string
}

// WhisperCLITranscriptionProvider implements TranscriptionProvider using the local whisper CLI.
// Nothing leaves the host, which makes it a reasonable offline fallback.
type WhisperCLITranscriptionProvider struct {
	binary   string
	model    string
	language string
	label    string
}

// NewWhisperCLITranscriptionProvider creates a new Whisper CLI transcription provider.
func NewWhisperCLITranscriptionProvider(cfg WhisperCLIConfig) *WhisperCLITranscriptionProvider {
	if cfg.Binary == "" {
		cfg.Binary = "whisper"
	}
	if cfg.Model == "" {
		cfg.Model = "small"
	}
	if cfg.Label == "" {
		cfg.Label = "💻 Whisper محلی"
	}
	return &WhisperCLITranscriptionProvider{
		binary:   cfg.Binary,
		model:    cfg.Model,
		language: whisperLanguage(cfg.Language),
		label:    cfg.Label,
	}
}

func (p *WhisperCLITranscriptionProvider) Name() string         { return "whisper-cli" }
func (p *WhisperCLITranscriptionProvider) Label() string        { return p.label }
func (p *WhisperCLITranscriptionProvider) Format() media.Format { return media.FormatWAV }

func (p *WhisperCLITranscriptionProvider) args(audioPath, outDir string) []string {
	args := []string{
		audioPath,
		"--model", p.model,
		"--output_dir", outDir,
		"--output_format", "txt",
	}
	if p.language != "" {
		args = append(args, "--language", p.language)
	}
	return args
}

func (p *WhisperCLITranscriptionProvider) Transcribe(ctx context.Context, audioPath string) (string, error) {
	// Whisper writes <audio_basename>.txt into its output dir.
	tmpDir, err := os.MkdirTemp("", "whisper_out_*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir for whisper: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	args := p.args(audioPath, tmpDir)
	log.Debug().Str("cmd", p.binary+" "+strings.Join(args, " ")).Msg("🎙️ running whisper CLI")
	cmd := exec.CommandContext(ctx, p.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("whisper CLI failed: %w\nOutput: %s", err, string(output))
	}

	base := filepath.Base(audioPath)
	txtFile := filepath.Join(tmpDir, strings.TrimSuffix(base, filepath.Ext(base))+".txt")
	content, err := os.ReadFile(txtFile)
	if err != nil {
		return "", fmt.Errorf("failed to read whisper output file: %w", err)
	}

	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", ErrEmptyResult
	}
	return text, nil
}
