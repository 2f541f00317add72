package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	Audio       AudioConfig       `yaml:"audio"`
	VAD         VADConfig         `yaml:"vad"`
	Segmenter   SegmenterConfig   `yaml:"segmenter"`
	ASR         ASRConfig         `yaml:"asr"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	History     HistoryConfig     `yaml:"history"`
	Postprocess PostprocessConfig `yaml:"postprocess"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AudioConfig contains microphone capture parameters
type AudioConfig struct {
	SampleRate          int     `yaml:"sample_rate"`           // 16000 Hz
	Channels            int     `yaml:"channels"`              // 1 (mono)
	FrameSize           int     `yaml:"frame_size"`            // samples per callback (512 = 32ms at 16kHz)
	DeviceID            int     `yaml:"device_id"`             // -1 means default input device
	MaxRecordingSeconds int     `yaml:"max_recording_seconds"` // buffer cap, oldest frames dropped beyond this
	AlwaysOnStream      bool    `yaml:"always_on_stream"`      // keep the stream open between recordings
	VADThreshold        float32 `yaml:"vad_threshold"`
	UseVAD              bool    `yaml:"use_vad"`
}

// VADConfig contains Voice Activity Detection configuration. The
// speech threshold lives in AudioConfig (vad_threshold) next to the
// use_vad switch.
type VADConfig struct {
	ModelPath string `yaml:"model_path"` // Silero VAD ONNX file; empty disables the neural path
}

// SegmenterConfig contains utterance segmentation parameters
type SegmenterConfig struct {
	MinChunkDuration   float64 `yaml:"min_chunk_duration"`   // seconds, never emit before this
	MaxChunkDuration   float64 `yaml:"max_chunk_duration"`   // seconds, emit at this cap given some silence
	SilenceThresholdMs float64 `yaml:"silence_threshold_ms"` // natural-pause emission trigger
	CapSilenceMs       float64 `yaml:"cap_silence_ms"`       // minimum silence required at the hard cap
}

// ASRConfig contains the local transcription pipeline configuration
type ASRConfig struct {
	ModelsDir            string            `yaml:"models_dir"`
	ModelID              string            `yaml:"model_id"`
	Provider             string            `yaml:"provider"` // "auto", "cpu", "cuda" or "tensorrt"
	FallbackToCPU        bool              `yaml:"fallback_to_cpu"`
	ORTLibraryPath       string            `yaml:"ort_library_path"`       // onnxruntime shared library; empty uses the default lookup
	TranscribeTimeout    int               `yaml:"transcribe_timeout"`     // seconds
	ChunkThreshold       float64           `yaml:"chunk_threshold"`        // seconds, audio beyond this is windowed
	ChunkSize            float64           `yaml:"chunk_size"`             // seconds per window
	ChunkOverlap         float64           `yaml:"chunk_overlap"`          // seconds of overlap between windows
	MaxTokensPerStep     int               `yaml:"max_tokens_per_step"`    // RNNT emission bound per encoder frame
	MaxConsecutiveBlanks int               `yaml:"max_consecutive_blanks"` // early-exit threshold
	UnloadTimeout        int               `yaml:"unload_timeout"`         // seconds of inactivity before unload, 0 disables
	CustomWords          map[string]string `yaml:"custom_words"`
}

// SchedulerConfig contains recording state machine configuration
type SchedulerConfig struct {
	DebounceMs      int `yaml:"debounce_ms"`
	QueueCapacity   int `yaml:"queue_capacity"`
	ShutdownTimeout int `yaml:"shutdown_timeout"` // seconds to wait for the worker on stop
}

// HistoryConfig contains transcription history persistence configuration
type HistoryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DBPath   string `yaml:"db_path"`
	AudioDir string `yaml:"audio_dir"`
}

// PostprocessConfig contains optional LLM text cleanup configuration
type PostprocessConfig struct {
	Enabled      bool    `yaml:"enabled"`
	APIKey       string  `yaml:"api_key"` // falls back to OPENAI_API_KEY
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	Template     string  `yaml:"template"` // must contain ${output}
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float32 `yaml:"temperature"`
	Timeout      int     `yaml:"timeout"` // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration populated with the engine defaults.
// Load starts from these values so a minimal YAML file only needs to
// override what actually differs.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			SampleRate:          16000,
			Channels:            1,
			FrameSize:           512,
			DeviceID:            -1,
			MaxRecordingSeconds: 120,
			AlwaysOnStream:      true,
			VADThreshold:        0.5,
			UseVAD:              true,
		},
		VAD: VADConfig{},
		Segmenter: SegmenterConfig{
			MinChunkDuration:   3.0,
			MaxChunkDuration:   6.0,
			SilenceThresholdMs: 400,
			CapSilenceMs:       50,
		},
		ASR: ASRConfig{
			ModelID:              "parakeet-v3-int8",
			Provider:             "auto",
			FallbackToCPU:        true,
			TranscribeTimeout:    120,
			ChunkThreshold:       30,
			ChunkSize:            30,
			ChunkOverlap:         2,
			MaxTokensPerStep:     10,
			MaxConsecutiveBlanks: 50,
		},
		Scheduler: SchedulerConfig{
			DebounceMs:      150,
			QueueCapacity:   32,
			ShutdownTimeout: 10,
		},
		Postprocess: PostprocessConfig{
			Template: "${output}",
			Timeout:  30,
		},
		HTTP: HTTPConfig{
			Port:    8090,
			Address: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	if err := c.ASR.Validate(); err != nil {
		return fmt.Errorf("asr config: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}

	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history config: %w", err)
	}

	if err := c.Postprocess.Validate(); err != nil {
		return fmt.Errorf("postprocess config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for the RNNT pipeline, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.FrameSize < 128 || a.FrameSize > 4096 {
		return fmt.Errorf("frame_size must be between 128 and 4096 samples, got %d", a.FrameSize)
	}

	if a.MaxRecordingSeconds < 1 {
		return fmt.Errorf("max_recording_seconds must be at least 1, got %d", a.MaxRecordingSeconds)
	}

	if a.VADThreshold < 0 || a.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1, got %f", a.VADThreshold)
	}

	return nil
}

// Validate validates segmenter configuration
func (s *SegmenterConfig) Validate() error {
	if s.MinChunkDuration <= 0 {
		return fmt.Errorf("min_chunk_duration must be positive, got %f", s.MinChunkDuration)
	}

	if s.MaxChunkDuration <= s.MinChunkDuration {
		return fmt.Errorf("max_chunk_duration (%f) must be greater than min_chunk_duration (%f)",
			s.MaxChunkDuration, s.MinChunkDuration)
	}

	if s.SilenceThresholdMs <= 0 {
		return fmt.Errorf("silence_threshold_ms must be positive, got %f", s.SilenceThresholdMs)
	}

	if s.CapSilenceMs < 0 {
		return fmt.Errorf("cap_silence_ms cannot be negative, got %f", s.CapSilenceMs)
	}

	return nil
}

// Validate validates ASR configuration
func (a *ASRConfig) Validate() error {
	if a.ModelID == "" {
		return fmt.Errorf("model_id cannot be empty")
	}

	switch a.Provider {
	case "auto", "cpu", "cuda", "tensorrt":
	default:
		return fmt.Errorf("provider must be one of [auto, cpu, cuda, tensorrt], got '%s'", a.Provider)
	}

	if a.TranscribeTimeout < 1 {
		return fmt.Errorf("transcribe_timeout must be at least 1 second, got %d", a.TranscribeTimeout)
	}

	if a.ChunkThreshold <= 0 {
		return fmt.Errorf("chunk_threshold must be positive, got %f", a.ChunkThreshold)
	}

	if a.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %f", a.ChunkSize)
	}

	if a.ChunkOverlap < 0 || a.ChunkOverlap >= a.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %f", a.ChunkOverlap)
	}

	if a.MaxTokensPerStep < 1 {
		return fmt.Errorf("max_tokens_per_step must be at least 1, got %d", a.MaxTokensPerStep)
	}

	if a.MaxConsecutiveBlanks < 1 {
		return fmt.Errorf("max_consecutive_blanks must be at least 1, got %d", a.MaxConsecutiveBlanks)
	}

	if a.UnloadTimeout < 0 {
		return fmt.Errorf("unload_timeout cannot be negative, got %d", a.UnloadTimeout)
	}

	return nil
}

// Validate validates scheduler configuration
func (s *SchedulerConfig) Validate() error {
	if s.DebounceMs < 0 {
		return fmt.Errorf("debounce_ms cannot be negative, got %d", s.DebounceMs)
	}

	if s.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", s.QueueCapacity)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates history configuration
func (h *HistoryConfig) Validate() error {
	if h.Enabled {
		if h.DBPath == "" {
			return fmt.Errorf("db_path cannot be empty when history is enabled")
		}

		if h.AudioDir == "" {
			return fmt.Errorf("audio_dir cannot be empty when history is enabled")
		}
	}

	return nil
}

// Validate validates postprocess configuration
func (p *PostprocessConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.Model == "" {
		return fmt.Errorf("model cannot be empty when postprocessing is enabled")
	}

	if p.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", p.Timeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetMaxRecordingDuration returns the buffer cap as a time.Duration
func (a *AudioConfig) GetMaxRecordingDuration() time.Duration {
	return time.Duration(a.MaxRecordingSeconds) * time.Second
}

// GetMinChunkDuration returns the minimum chunk duration as a time.Duration
func (s *SegmenterConfig) GetMinChunkDuration() time.Duration {
	return time.Duration(s.MinChunkDuration * float64(time.Second))
}

// GetMaxChunkDuration returns the maximum chunk duration as a time.Duration
func (s *SegmenterConfig) GetMaxChunkDuration() time.Duration {
	return time.Duration(s.MaxChunkDuration * float64(time.Second))
}

// GetSilenceThreshold returns the pause emission trigger as a time.Duration
func (s *SegmenterConfig) GetSilenceThreshold() time.Duration {
	return time.Duration(s.SilenceThresholdMs * float64(time.Millisecond))
}

// GetCapSilence returns the hard-cap silence window as a time.Duration
func (s *SegmenterConfig) GetCapSilence() time.Duration {
	return time.Duration(s.CapSilenceMs * float64(time.Millisecond))
}

// GetTranscribeTimeout returns the per-transcription wall clock limit as a time.Duration
func (a *ASRConfig) GetTranscribeTimeout() time.Duration {
	return time.Duration(a.TranscribeTimeout) * time.Second
}

// GetUnloadTimeout returns the idle unload threshold as a time.Duration (0 disables)
func (a *ASRConfig) GetUnloadTimeout() time.Duration {
	return time.Duration(a.UnloadTimeout) * time.Second
}

// GetDebounce returns the state transition debounce as a time.Duration
func (s *SchedulerConfig) GetDebounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// GetShutdownTimeout returns the worker join limit as a time.Duration
func (s *SchedulerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetTimeout returns the postprocess request timeout as a time.Duration
func (p *PostprocessConfig) GetTimeout() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}
