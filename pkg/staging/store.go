package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"voicescribe/pkg/media"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store hands out per-request artifact sessions under a shared root directory.
type Store struct {
	root       string
	transcoder media.Transcoder
}

// NewStore creates the staging root if needed.
func NewStore(root string, transcoder media.Transcoder) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	return &Store{root: root, transcoder: transcoder}, nil
}

// Root returns the staging directory.
func (s *Store) Root() string { return s.root }

// Session allocates a fresh, collision-free artifact set. Nothing touches disk until Stage.
func (s *Store) Session() *Artifacts {
	key := uuid.NewString()
	return &Artifacts{
		key:        key,
		dir:        filepath.Join(s.root, key),
		transcoder: s.transcoder,
		paths:      make(map[media.Format]string),
		remove:     os.Remove,
	}
}

// Artifacts is the staged audio of one request: the native file plus any
// formats materialized from it.
type Artifacts struct {
	key        string
	dir        string
	transcoder media.Transcoder

	mu     sync.Mutex
	paths  map[media.Format]string
	order  []media.Format
	remove func(string) error
}

// Key is the request-unique identifier used in artifact paths.
func (a *Artifacts) Key() string { return a.key }

// Dir is the session directory.
func (a *Artifacts) Dir() string { return a.dir }

// Stage writes the native bytes and verifies they decode.
func (a *Artifacts) Stage(ctx context.Context, native []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.paths[media.FormatNative]; ok {
		return errors.New("native audio already staged")
	}
	if err := os.MkdirAll(a.dir, 0700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	path := a.pathFor(media.FormatNative)
	a.track(media.FormatNative, path)
	if err := os.WriteFile(path, native, 0600); err != nil {
		return fmt.Errorf("failed to write native audio: %w", err)
	}
	return a.transcoder.Probe(ctx, path)
}

// Materialize returns the path of the audio in format f, transcoding on first use.
func (a *Artifacts) Materialize(ctx context.Context, f media.Format) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	native, ok := a.paths[media.FormatNative]
	if !ok {
		return "", errors.New("native audio not staged")
	}
	if f == media.FormatNative {
		return native, nil
	}
	if path, ok := a.paths[f]; ok {
		return path, nil
	}

	path := a.pathFor(f)
	a.track(f, path)
	if err := a.transcoder.Convert(ctx, native, path, f); err != nil {
		// Left tracked so a partial output file is still purged.
		return "", err
	}
	return path, nil
}

// Formats lists the formats staged so far, in creation order.
func (a *Artifacts) Formats() []media.Format {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]media.Format(nil), a.order...)
}

// Purge deletes every staged file and the session directory. Missing files are
// not errors; other failures are logged per path. It returns the number of
// artifact removals performed.
func (a *Artifacts) Purge() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	purged := 0
	for _, f := range a.order {
		path := a.paths[f]
		purged++
		if err := a.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("🧹 failed to remove staged artifact")
		}
	}
	a.paths = make(map[media.Format]string)
	a.order = nil

	if err := os.Remove(a.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("dir", a.dir).Msg("🧹 failed to remove session dir")
	}
	return purged
}

func (a *Artifacts) pathFor(f media.Format) string {
	return filepath.Join(a.dir, "voice_"+string(f)+f.Ext())
}

// track must hold mu.
func (a *Artifacts) track(f media.Format, path string) {
	a.paths[f] = path
	a.order = append(a.order, f)
}
