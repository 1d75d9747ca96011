package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"voicescribe/pkg/bus"
	"voicescribe/pkg/media"
	"voicescribe/pkg/pipeline"
	"voicescribe/pkg/providers"
	"voicescribe/pkg/staging"
)

type sentMessage struct {
	chatID   int64
	text     string
	markdown bool
}

type fakeMessenger struct {
	mu          sync.Mutex
	downloadErr map[string]error
	downloads   int
	nextID      int
	sent        []sentMessage
	edits       map[int64][]string
	deletes     map[int64][]int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		downloadErr: make(map[string]error),
		edits:       make(map[int64][]string),
		deletes:     make(map[int64][]int),
	}
}

func (f *fakeMessenger) Send(ctx context.Context, chatID int64, replyTo int, text string, markdown bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, markdown: markdown})
	return f.nextID, nil
}

func (f *fakeMessenger) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[chatID] = append(f.edits[chatID], text)
	return nil
}

func (f *fakeMessenger) Delete(ctx context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes[chatID] = append(f.deletes[chatID], messageID)
	return nil
}

func (f *fakeMessenger) Download(ctx context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	f.downloads++
	err := f.downloadErr[fileID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []byte("OggS-" + fileID), nil
}

// final returns the last message sent to chatID (the status is always first).
func (f *fakeMessenger) final(chatID int64) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.chatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

type copyTranscoder struct{}

func (copyTranscoder) Probe(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(string(data), "OggS") {
		return media.ErrDecode
	}
	return nil
}

func (copyTranscoder) Convert(ctx context.Context, src, dst string, to media.Format) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}

type fakeEngine struct {
	name   string
	format media.Format
	text   string
	err    error
	panics bool

	mu    sync.Mutex
	paths []string
}

func (f *fakeEngine) Name() string         { return f.name }
func (f *fakeEngine) Label() string        { return "label-" + f.name }
func (f *fakeEngine) Format() media.Format { return f.format }

func (f *fakeEngine) Transcribe(ctx context.Context, audioPath string) (string, error) {
	f.mu.Lock()
	f.paths = append(f.paths, audioPath)
	f.mu.Unlock()
	if f.panics {
		panic("engine exploded")
	}
	if _, err := os.Stat(audioPath); err != nil {
		return "", err
	}
	return f.text, f.err
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

type fixture struct {
	msgr      *fakeMessenger
	store     *staging.Store
	primary   *fakeEngine
	secondary *fakeEngine
	handler   *Handler
}

func newFixture(t *testing.T, primary, secondary *fakeEngine) *fixture {
	t.Helper()
	store, err := staging.NewStore(t.TempDir(), copyTranscoder{})
	if err != nil {
		t.Fatal(err)
	}
	msgr := newFakeMessenger()
	var second providers.TranscriptionProvider
	if secondary != nil {
		second = secondary
	}
	h := NewHandler(msgr, store, pipeline.New(primary, second), WithTimeout(5*time.Second))
	return &fixture{msgr: msgr, store: store, primary: primary, secondary: secondary, handler: h}
}

func (fx *fixture) assertClean(t *testing.T, chatID int64) {
	t.Helper()
	if n := len(fx.msgr.deletes[chatID]); n != 1 {
		t.Errorf("expected status deleted exactly once, got %d", n)
	}
	entries, err := os.ReadDir(fx.store.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no staged artifacts left, found %d", len(entries))
	}
}

func gemini(text string, err error) *fakeEngine {
	return &fakeEngine{name: "gemini", format: media.FormatMP3, text: text, err: err}
}

func speech(text string, err error) *fakeEngine {
	return &fakeEngine{name: "google-speech", format: media.FormatWAV, text: text, err: err}
}

func request(chatID int64, fileID string) bus.VoiceRequest {
	return bus.VoiceRequest{Channel: "telegram", SenderID: chatID, ChatID: chatID, MessageID: 10, FileID: fileID}
}

func TestHandle_FetchFails(t *testing.T) {
	fx := newFixture(t, gemini("x", nil), speech("y", nil))
	fx.msgr.downloadErr["f1"] = errors.New("file is too big")

	err := fx.handler.Handle(context.Background(), request(1, "f1"))

	if !errors.Is(err, ErrFetch) {
		t.Errorf("expected ErrFetch, got %v", err)
	}
	msgs := fx.msgr.final(1)
	if len(msgs) != 2 || msgs[1].text != DefaultMessages().Failure {
		t.Fatalf("expected status + failure notice, got %+v", msgs)
	}
	if fx.primary.callCount() != 0 || fx.secondary.callCount() != 0 {
		t.Error("expected no transcription attempts")
	}
	fx.assertClean(t, 1)
}

func TestHandle_OversizedAttachmentNotDownloaded(t *testing.T) {
	fx := newFixture(t, gemini("x", nil), speech("y", nil))
	fx.handler.maxSize = 1024
	req := request(1, "f1")
	req.FileSize = 4096

	err := fx.handler.Handle(context.Background(), req)

	if !errors.Is(err, ErrFetch) {
		t.Errorf("expected ErrFetch, got %v", err)
	}
	if fx.msgr.downloads != 0 {
		t.Errorf("expected no download, got %d", fx.msgr.downloads)
	}
	msgs := fx.msgr.final(1)
	if len(msgs) != 2 || msgs[1].text != DefaultMessages().Failure {
		t.Fatalf("expected status + failure notice, got %+v", msgs)
	}
	fx.assertClean(t, 1)

	req.FileSize = 512
	if err := fx.handler.Handle(context.Background(), req); err != nil {
		t.Errorf("expected attachment under the limit to pass, got %v", err)
	}
}

func TestHandle_DecodeFails(t *testing.T) {
	fx := newFixture(t, gemini("x", nil), speech("y", nil))
	fx.handler.messenger = &corruptMessenger{fx.msgr}

	err := fx.handler.Handle(context.Background(), request(1, "bad"))

	if !errors.Is(err, media.ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}
	if fx.primary.callCount() != 0 {
		t.Error("expected no transcription attempts")
	}
	fx.assertClean(t, 1)
}

type corruptMessenger struct{ *fakeMessenger }

func (c *corruptMessenger) Download(ctx context.Context, fileID string) ([]byte, error) {
	return []byte("not audio"), nil
}

func TestHandle_PrimarySucceeds(t *testing.T) {
	fx := newFixture(t, gemini("سلام دنیا", nil), speech("unused", nil))

	if err := fx.handler.Handle(context.Background(), request(1, "f1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	msgs := fx.msgr.final(1)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.text, "سلام دنیا") || !strings.Contains(last.text, "label-gemini") {
		t.Errorf("expected transcript with primary label, got %q", last.text)
	}
	if !last.markdown {
		t.Error("expected markdown transcript")
	}
	if fx.secondary.callCount() != 0 {
		t.Error("expected secondary not called")
	}
	if edits := fx.msgr.edits[1]; len(edits) != 1 || !strings.Contains(edits[0], "label-gemini") {
		t.Errorf("expected a single processing edit, got %v", edits)
	}
	fx.assertClean(t, 1)
}

func TestHandle_FallbackAfterQuotaError(t *testing.T) {
	fx := newFixture(t, gemini("", errors.New("429 resource exhausted: quota")), speech("خروجی آزمایشی", nil))

	if err := fx.handler.Handle(context.Background(), request(1, "f1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	edits := fx.msgr.edits[1]
	if len(edits) != 2 || !strings.HasPrefix(edits[1], "⚠️") {
		t.Errorf("expected fallback status edit, got %v", edits)
	}
	msgs := fx.msgr.final(1)
	last := msgs[len(msgs)-1].text
	if !strings.Contains(last, "خروجی آزمایشی") || !strings.Contains(last, "label-google-speech") {
		t.Errorf("expected secondary transcript, got %q", last)
	}
	if fx.secondary.callCount() != 1 || filepath.Ext(fx.secondary.paths[0]) != ".wav" {
		t.Errorf("expected one wav call to secondary, got %v", fx.secondary.paths)
	}
	if strings.Contains(last, "429") {
		t.Error("raw provider error leaked to user")
	}
	fx.assertClean(t, 1)
}

func TestHandle_BothFail(t *testing.T) {
	fx := newFixture(t, gemini("", nil), speech("", providers.ErrNoSpeech))

	if err := fx.handler.Handle(context.Background(), request(1, "f1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	msgs := fx.msgr.final(1)
	if len(msgs) != 2 || msgs[1].text != DefaultMessages().Failure {
		t.Errorf("expected exactly one failure notice, got %+v", msgs)
	}
	if fx.primary.callCount() != 1 || fx.secondary.callCount() != 1 {
		t.Error("expected both engines attempted once")
	}
	fx.assertClean(t, 1)
}

func TestHandle_PanicStillCleansUp(t *testing.T) {
	fx := newFixture(t, gemini("", nil), nil)
	fx.handler.pipeline = nil

	err := fx.handler.Handle(context.Background(), request(1, "f1"))

	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
	msgs := fx.msgr.final(1)
	if msgs[len(msgs)-1].text != DefaultMessages().Failure {
		t.Errorf("expected failure notice, got %+v", msgs)
	}
	fx.assertClean(t, 1)
}

func TestHandle_ConcurrentRequestsIsolated(t *testing.T) {
	fx := newFixture(t, gemini("متن", nil), speech("", nil))
	fx.msgr.downloadErr["broken"] = errors.New("network")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, fileID := range []string{"good", "broken"} {
		wg.Add(1)
		go func(i int, fileID string) {
			defer wg.Done()
			errs[i] = fx.handler.Handle(context.Background(), request(int64(i+1), fileID))
		}(i, fileID)
	}
	wg.Wait()

	if errs[0] != nil {
		t.Errorf("expected good request to succeed, got %v", errs[0])
	}
	if !errors.Is(errs[1], ErrFetch) {
		t.Errorf("expected broken request to fail fetch, got %v", errs[1])
	}
	good := fx.msgr.final(1)
	if !strings.Contains(good[len(good)-1].text, "متن") {
		t.Errorf("expected transcript for chat 1, got %+v", good)
	}
	fx.assertClean(t, 1)
	fx.assertClean(t, 2)
}

func TestHandle_SameRequesterDistinctArtifacts(t *testing.T) {
	fx := newFixture(t, gemini("a", nil), nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.handler.Handle(context.Background(), request(7, "same"))
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, p := range fx.primary.paths {
		dir := filepath.Dir(p)
		if seen[dir] {
			t.Errorf("artifact dir %s reused across requests", dir)
		}
		seen[dir] = true
	}
	if len(seen) != 4 {
		t.Errorf("expected 4 distinct artifact dirs, got %d", len(seen))
	}
}

func TestFormatTranscript_EscapesMarkdown(t *testing.T) {
	h := &Handler{messages: DefaultMessages()}
	out := h.formatTranscript(pipeline.Result{Text: "a_b*c", Label: "x"})
	if !strings.Contains(out, `a\_b\*c`) {
		t.Errorf("expected escaped transcript, got %q", out)
	}
}

type blockingMessenger struct {
	*fakeMessenger
	started chan struct{}
}

func (b *blockingMessenger) Download(ctx context.Context, fileID string) ([]byte, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestServe_ShutdownWaitsForCleanup(t *testing.T) {
	fx := newFixture(t, gemini("x", nil), speech("y", nil))
	msgr := &blockingMessenger{fakeMessenger: fx.msgr, started: make(chan struct{})}
	fx.handler.messenger = msgr

	inbound := make(chan bus.VoiceRequest, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.handler.Serve(ctx, inbound)
		close(done)
	}()

	inbound <- request(1, "f1")
	select {
	case <-msgr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("request was never dispatched")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	msgs := fx.msgr.final(1)
	if len(msgs) != 2 || msgs[1].text != DefaultMessages().Failure {
		t.Errorf("expected the interrupted request to get the failure notice, got %+v", msgs)
	}
	fx.assertClean(t, 1)
}
