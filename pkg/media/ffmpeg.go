package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrDecode is returned when the native container cannot be read.
var ErrDecode = errors.New("cannot decode audio")

// Format is an audio container the pipeline can stage.
type Format string

const (
	FormatNative Format = "native"
	FormatMP3    Format = "mp3"
	FormatWAV    Format = "wav"
)

// Ext returns the file extension used for staged files of this format.
func (f Format) Ext() string {
	switch f {
	case FormatMP3:
		return ".mp3"
	case FormatWAV:
		return ".wav"
	default:
		return ".ogg"
	}
}

// MIMEType returns the content type sent to remote engines.
func (f Format) MIMEType() string {
	switch f {
	case FormatMP3:
		return "audio/mp3"
	case FormatWAV:
		return "audio/wav"
	default:
		return "audio/ogg"
	}
}

// Transcoder validates and converts staged audio files.
type Transcoder interface {
	Probe(ctx context.Context, path string) error
	Convert(ctx context.Context, src, dst string, to Format) error
}

// FFmpeg shells out to the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpeg returns a transcoder; empty paths resolve to the binaries on $PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// Probe checks that path holds at least one decodable audio stream.
func (f *FFmpeg) Probe(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name",
		"-of", "csv=p=0",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("%w: ffprobe: %v: %s", ErrDecode, err, strings.TrimSpace(stderr.String()))
	}
	codec := strings.TrimSpace(string(out))
	if codec == "" {
		return fmt.Errorf("%w: no audio stream in %s", ErrDecode, path)
	}
	log.Debug().Str("codec", codec).Str("path", path).Msg("🔎 probed native audio")
	return nil
}

// Convert transcodes src into dst using the target format's encoding settings.
func (f *FFmpeg) Convert(ctx context.Context, src, dst string, to Format) error {
	args, err := convertArgs(src, dst, to)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, f.FFmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg %s failed: %w\nOutput: %s", to, err, tail(output, 512))
	}
	return nil
}

func convertArgs(src, dst string, to Format) ([]string, error) {
	base := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", src, "-vn"}
	switch to {
	case FormatMP3:
		return append(base, "-codec:a", "libmp3lame", "-q:a", "4", "-f", "mp3", dst), nil
	case FormatWAV:
		// LINEAR16 mono 16 kHz, what the speech recognizer expects.
		return append(base, "-ac", "1", "-ar", "16000", "-acodec", "pcm_s16le", "-f", "wav", dst), nil
	default:
		return nil, fmt.Errorf("unsupported target format %q", to)
	}
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
