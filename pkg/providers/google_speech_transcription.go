package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"voicescribe/pkg/media"
)

const (
	defaultSpeechEndpoint = "https://speech.googleapis.com/v1/speech:recognize"
	defaultSpeechLabel    = "🌐 موتور تشخیص گفتار گوگل (روش جایگزین)"
	defaultSpeechLanguage = "fa-IR"
)

// GoogleSpeechConfig configures the Speech-to-Text provider.
type GoogleSpeechConfig struct {
	APIKey   string
	Language string
	Label    string
	Endpoint string
	Timeout  time.Duration
}

// GoogleSpeechTranscriptionProvider implements TranscriptionProvider with the
// Google Cloud Speech-to-Text v1 synchronous recognize call.
type GoogleSpeechTranscriptionProvider struct {
	APIKey     string
	Language   string
	Endpoint   string
	label      string
	HTTPClient *http.Client
}

// NewGoogleSpeechTranscriptionProvider creates a new Speech-to-Text provider.
func NewGoogleSpeechTranscriptionProvider(cfg GoogleSpeechConfig) *GoogleSpeechTranscriptionProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultSpeechEndpoint
	}
	if cfg.Language == "" {
		cfg.Language = defaultSpeechLanguage
	}
	if cfg.Label == "" {
		cfg.Label = defaultSpeechLabel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &GoogleSpeechTranscriptionProvider{
		APIKey:     cfg.APIKey,
		Language:   cfg.Language,
		Endpoint:   cfg.Endpoint,
		label:      cfg.Label,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *GoogleSpeechTranscriptionProvider) Name() string         { return "google-speech" }
func (p *GoogleSpeechTranscriptionProvider) Label() string        { return p.label }
func (p *GoogleSpeechTranscriptionProvider) Format() media.Format { return media.FormatWAV }

type speechRequest struct {
	Config speechConfig `json:"config"`
	Audio  speechAudio  `json:"audio"`
}

type speechConfig struct {
	Encoding              string `json:"encoding"`
	SampleRateHertz       int    `json:"sampleRateHertz"`
	LanguageCode          string `json:"languageCode"`
	EnableAutoPunctuation bool   `json:"enableAutomaticPunctuation"`
}

type speechAudio struct {
	Content string `json:"content"`
}

type speechResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"results"`
}

func (p *GoogleSpeechTranscriptionProvider) Transcribe(ctx context.Context, audioPath string) (string, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("failed to read audio file: %w", err)
	}

	apiReq := speechRequest{
		Config: speechConfig{
			Encoding:              "LINEAR16",
			SampleRateHertz:       16000,
			LanguageCode:          p.Language,
			EnableAutoPunctuation: true,
		},
		Audio: speechAudio{Content: base64.StdEncoding.EncodeToString(audio)},
	}
	bodyBytes, err := json.Marshal(apiReq)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := p.Endpoint
	if p.APIKey != "" {
		endpoint += "?key=" + url.QueryEscape(p.APIKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("Speech API error %d: %s", resp.StatusCode, string(respBody))
	}

	var speechResp speechResponse
	if err := json.NewDecoder(resp.Body).Decode(&speechResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	var parts []string
	for _, r := range speechResp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		if t := strings.TrimSpace(r.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return "", ErrNoSpeech
	}
	return strings.Join(parts, " "), nil
}
