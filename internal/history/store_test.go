package history

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/afeding/whisper-cheap/internal/audio"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	audioDir := filepath.Join(dir, "audio")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewStore(filepath.Join(dir, "history.db"), audioDir, 16000, logger)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, audioDir
}

func TestStoreSaveAndList(t *testing.T) {
	store, audioDir := newTestStore(t)

	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = 0.1
	}

	recordedAt := time.Now().Add(-time.Minute)
	if err := store.Save(samples, "hello world", recordedAt); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := store.List(10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry.Text != "hello world" {
		t.Errorf("Expected text 'hello world', got %q", entry.Text)
	}
	if entry.DurationSec != 1.0 {
		t.Errorf("Expected 1s duration, got %f", entry.DurationSec)
	}
	if entry.AudioFile == "" {
		t.Fatal("Expected an audio file name")
	}

	// The saved WAV must decode back to the same length.
	data, err := os.ReadFile(filepath.Join(audioDir, entry.AudioFile))
	if err != nil {
		t.Fatalf("Failed to read audio file: %v", err)
	}
	decoded, _, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("Failed to decode saved audio: %v", err)
	}
	if len(decoded) != len(samples) {
		t.Errorf("Expected %d decoded samples, got %d", len(samples), len(decoded))
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)

	base := time.Now()
	for i, text := range []string{"oldest", "middle", "newest"} {
		recordedAt := base.Add(time.Duration(i) * time.Minute)
		if err := store.Save(nil, text, recordedAt); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	entries, err := store.List(2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected limit of 2 entries, got %d", len(entries))
	}
	if entries[0].Text != "newest" || entries[1].Text != "middle" {
		t.Errorf("Expected newest first, got %q then %q", entries[0].Text, entries[1].Text)
	}
}

func TestStoreSaveWithoutAudio(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Save(nil, "text only", time.Now()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := store.List(1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if entries[0].AudioFile != "" {
		t.Errorf("Expected no audio file, got %q", entries[0].AudioFile)
	}
}

func TestStoreGetAndDelete(t *testing.T) {
	store, audioDir := newTestStore(t)

	if err := store.Save(make([]float32, 8000), "to delete", time.Now()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, _ := store.List(1)
	entry, err := store.Get(entries[0].ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	audioPath := filepath.Join(audioDir, entry.AudioFile)
	if _, err := os.Stat(audioPath); err != nil {
		t.Fatalf("Expected audio file on disk: %v", err)
	}

	if err := store.Delete(entry.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := store.Get(entry.ID); err == nil {
		t.Error("Expected entry gone after delete")
	}
	if _, err := os.Stat(audioPath); !os.IsNotExist(err) {
		t.Error("Expected audio file removed after delete")
	}

	if n, _ := store.Count(); n != 0 {
		t.Errorf("Expected 0 entries, got %d", n)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Get("nope"); err == nil {
		t.Error("Expected error for missing entry")
	}
}

func TestNewStoreValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := NewStore("", "audio", 16000, logger); err == nil {
		t.Error("Expected error for empty db path")
	}
	if _, err := NewStore("db", "", 16000, logger); err == nil {
		t.Error("Expected error for empty audio dir")
	}
}
