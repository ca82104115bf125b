package transcriber

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalTranscriber_Transcribe(t *testing.T) {
	dir := t.TempDir()
	audioPath := filepath.Join(dir, "clip.wav")
	if err := os.WriteFile(audioPath, []byte("fake-audio-bytes"), 0o600); err != nil {
		t.Fatalf("write test audio: %v", err)
	}

	lt := NewLocalTranscriber()
	text, err := lt.Transcribe(context.Background(), audioPath, Options{Model: "large-v3", Timestamps: true})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !strings.Contains(text, "large-v3") {
		t.Errorf("expected model name in stub output, got %q", text)
	}
	if !strings.Contains(text, "timestamps=true") {
		t.Errorf("expected timestamps flag in stub output, got %q", text)
	}
}

func TestLocalTranscriber_Transcribe_DefaultsModel(t *testing.T) {
	dir := t.TempDir()
	audioPath := filepath.Join(dir, "clip.wav")
	if err := os.WriteFile(audioPath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write test audio: %v", err)
	}

	lt := NewLocalTranscriber()
	text, err := lt.Transcribe(context.Background(), audioPath, Options{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !strings.Contains(text, "model=base") {
		t.Errorf("expected default model 'base', got %q", text)
	}
}

func TestLocalTranscriber_Transcribe_MissingFile(t *testing.T) {
	lt := NewLocalTranscriber()
	_, err := lt.Transcribe(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), Options{})
	if err == nil {
		t.Error("expected error for missing audio file")
	}
}

func TestLocalTranscriber_Transcribe_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	audioPath := filepath.Join(dir, "clip.wav")
	if err := os.WriteFile(audioPath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write test audio: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lt := NewLocalTranscriber()
	_, err := lt.Transcribe(ctx, audioPath, Options{})
	if err == nil {
		t.Error("expected error for cancelled context")
	}
}
