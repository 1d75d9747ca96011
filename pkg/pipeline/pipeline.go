// Package pipeline runs the two-tier transcription fallback: the primary engine
// first, the secondary engine only when the primary fails or comes back empty.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voicescribe/pkg/media"
	"voicescribe/pkg/providers"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is a pipeline state.
type State int

const (
	Idle State = iota
	PrimaryInFlight
	SecondaryInFlight
	Done
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PrimaryInFlight:
		return "primary_in_flight"
	case SecondaryInFlight:
		return "secondary_in_flight"
	case Done:
		return "done"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == Done || s == Exhausted }

// Source yields the staged audio in the format an engine needs.
type Source interface {
	Materialize(ctx context.Context, f media.Format) (string, error)
}

// Attempt is the outcome of invoking one engine.
type Attempt struct {
	Engine   string
	Text     string
	Err      error
	Duration time.Duration
}

// Result is the terminal outcome of a run.
type Result struct {
	State    State
	Text     string
	Engine   string
	Label    string
	Attempts []Attempt
}

// OK reports whether a transcript was produced.
func (r Result) OK() bool { return r.State == Done }

// Observer is notified on every state entered, with the engine about to run
// (nil for terminal states).
type Observer func(ctx context.Context, to State, engine providers.TranscriptionProvider)

// Pipeline holds the two engines. It is safe for concurrent use: each Run keeps
// its state on the stack.
type Pipeline struct {
	primary   providers.TranscriptionProvider
	secondary providers.TranscriptionProvider
}

// New builds a pipeline. secondary may be nil, in which case a primary failure
// is terminal.
func New(primary, secondary providers.TranscriptionProvider) *Pipeline {
	return &Pipeline{primary: primary, secondary: secondary}
}

type run struct {
	state    State
	observer Observer
	logger   zerolog.Logger
	result   Result
}

func (r *run) enter(ctx context.Context, to State, engine providers.TranscriptionProvider) {
	ev := r.logger.Debug().Str("from", r.state.String()).Str("to", to.String())
	if engine != nil {
		ev = ev.Str("engine", engine.Name())
	}
	ev.Msg("🔀 pipeline transition")
	r.state = to
	r.result.State = to
	if r.observer != nil {
		r.observer(ctx, to, engine)
	}
}

// Run drives the state machine to Done or Exhausted. Engine and transcoding
// errors are recorded in the attempts, never returned.
func (p *Pipeline) Run(ctx context.Context, src Source, observer Observer) Result {
	r := &run{
		state:    Idle,
		observer: observer,
		logger:   log.Ctx(ctx).With().Str("component", "pipeline").Logger(),
	}
	if r.logger.GetLevel() == zerolog.Disabled {
		r.logger = log.With().Str("component", "pipeline").Logger()
	}

	r.enter(ctx, PrimaryInFlight, p.primary)
	if p.attempt(ctx, r, p.primary, src) {
		r.enter(ctx, Done, nil)
		return r.result
	}

	if p.secondary == nil {
		r.enter(ctx, Exhausted, nil)
		return r.result
	}

	r.enter(ctx, SecondaryInFlight, p.secondary)
	if p.attempt(ctx, r, p.secondary, src) {
		r.enter(ctx, Done, nil)
		return r.result
	}
	r.enter(ctx, Exhausted, nil)
	return r.result
}

// attempt runs one tier and reports whether it produced text.
func (p *Pipeline) attempt(ctx context.Context, r *run, engine providers.TranscriptionProvider, src Source) bool {
	start := time.Now()
	text, err := transcribe(ctx, engine, src)
	a := Attempt{Engine: engine.Name(), Text: text, Err: err, Duration: time.Since(start)}
	r.result.Attempts = append(r.result.Attempts, a)

	if err != nil {
		r.logger.Error().Err(err).Str("engine", a.Engine).Dur("took", a.Duration).Msg("❌ transcription attempt failed")
		return false
	}
	r.logger.Info().Str("engine", a.Engine).Dur("took", a.Duration).Int("chars", len([]rune(text))).Msg("✅ transcription attempt succeeded")
	r.result.Text = text
	r.result.Engine = engine.Name()
	r.result.Label = engine.Label()
	return true
}

func transcribe(ctx context.Context, engine providers.TranscriptionProvider, src Source) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine %s panicked: %v", engine.Name(), rec)
		}
	}()

	path, err := src.Materialize(ctx, engine.Format())
	if err != nil {
		return "", fmt.Errorf("prepare %s audio: %w", engine.Format(), err)
	}
	text, err = engine.Transcribe(ctx, path)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", providers.ErrEmptyResult
	}
	return text, nil
}

// IsEmpty reports whether an attempt failed only because nothing was recognized.
func IsEmpty(err error) bool {
	return errors.Is(err, providers.ErrEmptyResult) || errors.Is(err, providers.ErrNoSpeech)
}
