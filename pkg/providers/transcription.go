package providers

import (
	"context"
	"errors"

	"voicescribe/pkg/media"
)

var (
	// ErrEmptyResult means the engine answered but produced no usable text.
	ErrEmptyResult = errors.New("empty transcription result")
	// ErrNoSpeech means the recognizer found no speech in the audio.
	ErrNoSpeech = errors.New("no speech detected")
)

// TranscriptionProvider converts a local audio file into text.
type TranscriptionProvider interface {
	// Name is the stable identifier used in config and logs.
	Name() string
	// Label is shown to the user next to the transcript.
	Label() string
	// Format is the container the engine needs the audio staged in.
	Format() media.Format
	// Transcribe takes a local path to an audio file and returns its transcription.
	Transcribe(ctx context.Context, audioPath string) (string, error)
}
