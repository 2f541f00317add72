package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Info describes one entry of the model catalog.
type Info struct {
	ID      string
	DirName string
	// Files are required for the model to count as downloaded.
	Files []string
}

// catalog lists the models the engine knows how to run. The Parakeet
// entries use the three-session ONNX layout plus a vocab file.
var catalog = map[string]Info{
	"parakeet-v3-int8": {
		ID:      "parakeet-v3-int8",
		DirName: "parakeet-tdt-0.6b-v3-int8",
		Files: []string{
			"nemo128.onnx",
			"encoder-model.int8.onnx",
			"decoder_joint-model.int8.onnx",
			"vocab.txt",
		},
	},
	"parakeet-v2-int8": {
		ID:      "parakeet-v2-int8",
		DirName: "parakeet-tdt-0.6b-v2-int8",
		Files: []string{
			"nemo128.onnx",
			"encoder-model.int8.onnx",
			"decoder_joint-model.int8.onnx",
			"vocab.txt",
		},
	},
	"silero-vad": {
		ID:      "silero-vad",
		DirName: "silero-vad",
		Files:   []string{"silero_vad.onnx"},
	},
}

// Store locates models under a base directory. Downloading is out of
// scope; models are placed on disk by the user or an installer.
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at baseDir, creating it if missing.
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("models directory is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Known reports whether modelID is in the catalog.
func (s *Store) Known(modelID string) bool {
	_, ok := catalog[modelID]
	return ok
}

// List returns the catalog ids in stable order.
func (s *Store) List() []string {
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsDownloaded reports whether every required file of the model is
// present on disk.
func (s *Store) IsDownloaded(modelID string) bool {
	info, ok := catalog[modelID]
	if !ok {
		return false
	}

	dir := filepath.Join(s.baseDir, info.DirName)
	for _, name := range info.Files {
		stat, err := os.Stat(filepath.Join(dir, name))
		if err != nil || stat.IsDir() || stat.Size() == 0 {
			return false
		}
	}
	return true
}

// ModelPath returns the model's directory.
func (s *Store) ModelPath(modelID string) (string, error) {
	info, ok := catalog[modelID]
	if !ok {
		return "", fmt.Errorf("unknown model %q", modelID)
	}
	return filepath.Join(s.baseDir, info.DirName), nil
}

// FilePath returns the path of one file inside the model directory,
// verifying the file belongs to the catalog entry.
func (s *Store) FilePath(modelID, name string) (string, error) {
	info, ok := catalog[modelID]
	if !ok {
		return "", fmt.Errorf("unknown model %q", modelID)
	}
	for _, f := range info.Files {
		if f == name {
			return filepath.Join(s.baseDir, info.DirName, name), nil
		}
	}
	return "", fmt.Errorf("model %q has no file %q", modelID, name)
}
