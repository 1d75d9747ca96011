package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeGemini struct {
	uploadErr   error
	generateErr error
	text        string
	states      []string

	uploads int
	deletes []string
	gets    int
}

func (f *fakeGemini) Upload(ctx context.Context, path, mimeType string) (*remoteFile, error) {
	f.uploads++
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	state := "ACTIVE"
	if len(f.states) > 0 {
		state = f.states[0]
	}
	return &remoteFile{Name: "files/abc", URI: "https://files/abc", MIMEType: mimeType, State: state}, nil
}

func (f *fakeGemini) Get(ctx context.Context, name string) (*remoteFile, error) {
	f.gets++
	state := "ACTIVE"
	if f.gets < len(f.states) {
		state = f.states[f.gets]
	}
	return &remoteFile{Name: name, URI: "https://files/abc", MIMEType: "audio/mp3", State: state}, nil
}

func (f *fakeGemini) Delete(ctx context.Context, name string) error {
	f.deletes = append(f.deletes, name)
	return nil
}

func (f *fakeGemini) Generate(ctx context.Context, model, instruction string, file *remoteFile) (string, error) {
	return f.text, f.generateErr
}

func newFakeProvider(api *fakeGemini) *GeminiTranscriptionProvider {
	p := newGeminiProvider(api, GeminiConfig{})
	p.pollEvery = time.Millisecond
	return p
}

func TestGemini_SuccessDeletesUpload(t *testing.T) {
	api := &fakeGemini{text: "  سلام دنیا \n"}
	text, err := newFakeProvider(api).Transcribe(context.Background(), "voice.mp3")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if text != "سلام دنیا" {
		t.Errorf("expected trimmed text, got %q", text)
	}
	if len(api.deletes) != 1 || api.deletes[0] != "files/abc" {
		t.Errorf("expected uploaded file deleted once, got %v", api.deletes)
	}
}

func TestGemini_FailureDeletesUpload(t *testing.T) {
	api := &fakeGemini{generateErr: errors.New("429 quota exceeded")}
	if _, err := newFakeProvider(api).Transcribe(context.Background(), "voice.mp3"); err == nil {
		t.Fatal("expected error")
	}
	if len(api.deletes) != 1 {
		t.Errorf("expected 1 delete, got %d", len(api.deletes))
	}
}

func TestGemini_WhitespaceIsEmpty(t *testing.T) {
	api := &fakeGemini{text: " \n\t "}
	_, err := newFakeProvider(api).Transcribe(context.Background(), "voice.mp3")
	if !errors.Is(err, ErrEmptyResult) {
		t.Errorf("expected ErrEmptyResult, got %v", err)
	}
}

func TestGemini_UploadFailureSkipsDelete(t *testing.T) {
	api := &fakeGemini{uploadErr: errors.New("network down")}
	if _, err := newFakeProvider(api).Transcribe(context.Background(), "voice.mp3"); err == nil {
		t.Fatal("expected error")
	}
	if len(api.deletes) != 0 {
		t.Errorf("expected no delete, got %v", api.deletes)
	}
}

func TestGemini_WaitsForProcessing(t *testing.T) {
	api := &fakeGemini{text: "ok", states: []string{"PROCESSING", "PROCESSING", "ACTIVE"}}
	if _, err := newFakeProvider(api).Transcribe(context.Background(), "voice.mp3"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if api.gets != 2 {
		t.Errorf("expected 2 status polls, got %d", api.gets)
	}
}

func TestGemini_ProcessingFailed(t *testing.T) {
	api := &fakeGemini{states: []string{"PROCESSING", "FAILED"}}
	if _, err := newFakeProvider(api).Transcribe(context.Background(), "voice.mp3"); err == nil {
		t.Fatal("expected error")
	}
	if len(api.deletes) != 1 {
		t.Errorf("expected failed upload still deleted, got %v", api.deletes)
	}
}

func TestGemini_DeleteSurvivesCancelledContext(t *testing.T) {
	api := &fakeGemini{states: []string{"PROCESSING"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newFakeProvider(api).Transcribe(ctx, "voice.mp3"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(api.deletes) != 1 {
		t.Errorf("expected delete despite cancellation, got %v", api.deletes)
	}
}
