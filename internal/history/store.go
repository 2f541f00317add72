package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/afeding/whisper-cheap/internal/audio"
)

// Entry is one transcribed recording.
type Entry struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	AudioFile   string    `json:"audio_file,omitempty"`
	DurationSec float64   `json:"duration_sec"`
	RecordedAt  time.Time `json:"recorded_at"`
	CreatedAt   time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id          TEXT PRIMARY KEY,
	text        TEXT NOT NULL,
	audio_file  TEXT NOT NULL DEFAULT '',
	duration_sec REAL NOT NULL DEFAULT 0,
	recorded_at TIMESTAMP NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_recorded_at ON entries(recorded_at DESC);
`

// Store persists transcriptions in SQLite and the recorded audio as
// WAV files next to it.
type Store struct {
	db         *sql.DB
	audioDir   string
	sampleRate int
	logger     *slog.Logger
}

// NewStore opens (and migrates) the history database and ensures the
// audio directory exists.
func NewStore(dbPath, audioDir string, sampleRate int, logger *slog.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if audioDir == "" {
		return nil, fmt.Errorf("audio directory is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(audioDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audio directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// A single writer keeps modernc/sqlite happy under concurrency.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}

	return &Store{
		db:         db,
		audioDir:   audioDir,
		sampleRate: sampleRate,
		logger:     logger,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the audio as a WAV file and inserts a history row. An
// audio write failure is logged and the row is inserted without a
// file; a database failure is returned to the caller.
func (s *Store) Save(samples []float32, text string, recordedAt time.Time) error {
	id := uuid.NewString()
	durationSec := float64(len(samples)) / float64(s.sampleRate)

	audioFile := ""
	if len(samples) > 0 {
		name := id + ".wav"
		data, err := audio.EncodeWAV(samples, s.sampleRate)
		if err == nil {
			err = os.WriteFile(filepath.Join(s.audioDir, name), data, 0644)
		}
		if err != nil {
			s.logger.Warn("Failed to save recording audio", "id", id, "error", err)
		} else {
			audioFile = name
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO entries (id, text, audio_file, duration_sec, recorded_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, text, audioFile, durationSec, recordedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}

	s.logger.Debug("History entry saved", "id", id, "duration_sec", durationSec)
	return nil
}

// List returns up to limit entries, newest first.
func (s *Store) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, text, audio_file, duration_sec, recorded_at, created_at
		 FROM entries ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Text, &e.AudioFile, &e.DurationSec,
			&e.RecordedAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns one entry by id.
func (s *Store) Get(id string) (*Entry, error) {
	var e Entry
	err := s.db.QueryRow(
		`SELECT id, text, audio_file, duration_sec, recorded_at, created_at
		 FROM entries WHERE id = ?`, id).
		Scan(&e.ID, &e.Text, &e.AudioFile, &e.DurationSec, &e.RecordedAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("history entry %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history entry: %w", err)
	}
	return &e, nil
}

// Delete removes an entry and its audio file.
func (s *Store) Delete(id string) error {
	entry, err := s.Get(id)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(`DELETE FROM entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete history entry: %w", err)
	}

	if entry.AudioFile != "" {
		if err := os.Remove(filepath.Join(s.audioDir, entry.AudioFile)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove audio file", "id", id, "error", err)
		}
	}
	return nil
}

// AudioPath returns the on-disk path for an entry's audio file.
func (s *Store) AudioPath(entry *Entry) string {
	if entry.AudioFile == "" {
		return ""
	}
	return filepath.Join(s.audioDir, entry.AudioFile)
}

// Count returns the number of stored entries.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count history entries: %w", err)
	}
	return n, nil
}
