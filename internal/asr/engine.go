package asr

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afeding/whisper-cheap/internal/onnx"
)

// ErrTranscribeTimeout is returned when a transcription exceeds the
// configured wall clock limit. The inference goroutine is abandoned;
// it observes the cancel flag at the next frame boundary and exits.
var ErrTranscribeTimeout = errors.New("transcription timeout")

// ErrModelNotLoaded is returned by Transcribe before LoadModel succeeds.
var ErrModelNotLoaded = errors.New("model is not loaded")

// Model file names within a model directory.
const (
	preprocessorFile = "nemo128.onnx"
	encoderFile      = "encoder-model.int8.onnx"
	decoderJointFile = "decoder_joint-model.int8.onnx"
	vocabFile        = "vocab.txt"
)

// Store locates downloaded models on disk.
type Store interface {
	IsDownloaded(modelID string) bool
	ModelPath(modelID string) (string, error)
}

// EngineConfig contains transcription pipeline settings.
type EngineConfig struct {
	TranscribeTimeout    time.Duration
	ChunkThresholdSec    float64
	ChunkSizeSec         float64
	ChunkOverlapSec      float64
	MaxTokensPerStep     int
	MaxConsecutiveBlanks int
	UnloadTimeout        time.Duration // 0 disables idle unloading
	CustomWords          map[string]string
}

// Result is a completed transcription.
type Result struct {
	Text          string        `json:"text"`
	Tokens        []int         `json:"tokens,omitempty"`
	AudioDuration time.Duration `json:"audio_duration"`
	ProcessTime   time.Duration `json:"process_time"`
}

// Engine owns the loaded model and runs transcriptions. Loading is
// single-flight: concurrent LoadModel calls for the same model block
// on the first one instead of loading twice. Inference itself is
// serialized because the ONNX sessions are not thread safe.
type Engine struct {
	store   Store
	factory onnx.SessionFactory
	cfg     EngineConfig
	logger  *slog.Logger
	onEvent func(string)

	mu       sync.Mutex
	cond     *sync.Cond
	loading  bool
	pipe     *pipeline
	generic  onnx.Session // fallback for single-file model exports
	vocab    *Vocabulary
	modelID  string
	lastUsed time.Time

	// runMu serializes inference across transcriptions, including
	// ones abandoned by timeout. Session teardown also happens under
	// runMu, so sessions captured while holding it stay valid until
	// it is released.
	runMu sync.Mutex
}

// EngineStats represents engine state for monitoring
type EngineStats struct {
	ModelID  string    `json:"model_id,omitempty"`
	Loaded   bool      `json:"loaded"`
	Loading  bool      `json:"loading"`
	LastUsed time.Time `json:"last_used,omitempty"`
}

// NewEngine creates a transcription engine. onEvent, when non-nil,
// receives lifecycle events (loading-started, loading-completed,
// loading-failed, unloaded) and is always invoked outside engine locks.
func NewEngine(store Store, factory onnx.SessionFactory, cfg EngineConfig, logger *slog.Logger, onEvent func(string)) *Engine {
	e := &Engine{
		store:   store,
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		onEvent: onEvent,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// LoadModel loads the model if it is not already resident. When
// another goroutine is mid-load, the call waits for that load and
// returns without loading again if it brought in the same model.
func (e *Engine) LoadModel(modelID string) error {
	e.mu.Lock()
	if e.isLoadedLocked(modelID) {
		e.mu.Unlock()
		return nil
	}
	for e.loading {
		e.cond.Wait()
	}
	if e.isLoadedLocked(modelID) {
		e.mu.Unlock()
		return nil
	}
	e.loading = true
	e.mu.Unlock()

	e.emit("loading-started")
	e.logger.Info("Loading model", "model_id", modelID)
	start := time.Now()

	pipe, generic, vocab, err := e.loadSessions(modelID)

	var oldPipe *pipeline
	var oldGeneric onnx.Session

	e.mu.Lock()
	e.loading = false
	if err == nil {
		oldPipe, oldGeneric = e.detachLocked()
		e.pipe = pipe
		e.generic = generic
		e.vocab = vocab
		e.modelID = modelID
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	e.closeSessions(oldPipe, oldGeneric)

	if err != nil {
		e.emit("loading-failed")
		e.logger.Error("Model loading failed", "model_id", modelID, "error", err)
		return err
	}

	e.emit("loading-completed")
	e.logger.Info("Model loaded", "model_id", modelID, "duration", time.Since(start))
	return nil
}

// PreloadAsync starts loading in the background.
func (e *Engine) PreloadAsync(modelID string) {
	go func() {
		if err := e.LoadModel(modelID); err != nil {
			e.logger.Error("Background model load failed", "model_id", modelID, "error", err)
		}
	}()
}

// Unload releases the model sessions. An in-flight transcription
// finishes first; the sessions are only destroyed once the inference
// lock is free.
func (e *Engine) Unload() {
	e.mu.Lock()
	pipe, generic := e.detachLocked()
	e.modelID = ""
	e.lastUsed = time.Time{}
	e.mu.Unlock()

	e.closeSessions(pipe, generic)

	e.emit("unloaded")
	e.logger.Info("Model unloaded")
}

// ShouldUnload reports whether the idle unload timeout has elapsed
// since the last transcription.
func (e *Engine) ShouldUnload() bool {
	if e.cfg.UnloadTimeout <= 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pipe == nil && e.generic == nil {
		return false
	}
	if e.lastUsed.IsZero() {
		return false
	}
	return time.Since(e.lastUsed) >= e.cfg.UnloadTimeout
}

// Loaded reports whether a model is resident.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pipe != nil || e.generic != nil
}

// GetStats returns current engine state
func (e *Engine) GetStats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EngineStats{
		ModelID:  e.modelID,
		Loaded:   e.pipe != nil || e.generic != nil,
		Loading:  e.loading,
		LastUsed: e.lastUsed,
	}
}

// Warmup runs half a second of silence through the pipeline so the
// first real transcription does not pay kernel initialization costs.
func (e *Engine) Warmup() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	pipe := e.pipe
	e.mu.Unlock()
	if pipe == nil {
		return
	}

	dummy := make([]float32, SampleRate/2)
	if _, _, err := pipe.transcribe(PadAudio(dummy), nil); err != nil {
		e.logger.Warn("Warmup transcription failed", "error", err)
	}
}

// Transcribe converts audio samples to text, enforcing the configured
// wall clock timeout. On timeout the inference goroutine is abandoned
// with its cancel flag set and ErrTranscribeTimeout is returned.
func (e *Engine) Transcribe(samples []float32) (*Result, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("audio samples are required")
	}

	audio := NormalizeAudio(samples)
	audioDuration := time.Duration(float64(len(audio)) / float64(SampleRate) * float64(time.Second))

	cancel := &atomic.Bool{}
	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	start := time.Now()
	go func() {
		result, err := e.transcribeInternal(audio, audioDuration, cancel)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(e.cfg.TranscribeTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		out.result.ProcessTime = time.Since(start)
		return out.result, nil
	case <-timer.C:
		cancel.Store(true)
		e.logger.Error("Transcription timeout",
			"timeout", e.cfg.TranscribeTimeout,
			"audio_duration", audioDuration)
		return nil, fmt.Errorf("%w after %v for %.1fs audio",
			ErrTranscribeTimeout, e.cfg.TranscribeTimeout, audioDuration.Seconds())
	}
}

// ApplyCustomWords performs the configured literal replacements on a
// transcription.
func (e *Engine) ApplyCustomWords(text string) string {
	for src, dst := range e.cfg.CustomWords {
		text = strings.ReplaceAll(text, src, dst)
	}
	return text
}

func (e *Engine) transcribeInternal(audio []float32, audioDuration time.Duration, cancel *atomic.Bool) (*Result, error) {
	// Take the inference lock before capturing the sessions: teardown
	// also runs under it, so the sessions cannot be closed while the
	// transcription is in flight.
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	pipe := e.pipe
	generic := e.generic
	vocab := e.vocab
	e.lastUsed = time.Now()
	e.mu.Unlock()

	if pipe == nil && generic == nil {
		return nil, ErrModelNotLoaded
	}

	if cancel != nil && cancel.Load() {
		return nil, fmt.Errorf("transcription cancelled")
	}

	var text string
	var tokens []int
	var err error

	switch {
	case pipe != nil && audioDuration.Seconds() > e.cfg.ChunkThresholdSec:
		e.logger.Info("Long audio, using chunked transcription",
			"audio_duration", audioDuration)
		text, tokens, err = e.transcribeChunked(pipe, audio, cancel)
	case pipe != nil:
		text, tokens, err = pipe.transcribe(PadAudio(audio), cancel)
	default:
		text, tokens, err = e.transcribeGeneric(generic, vocab, audio)
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.lastUsed = time.Now()
	e.mu.Unlock()

	return &Result{
		Text:          text,
		Tokens:        tokens,
		AudioDuration: audioDuration,
	}, nil
}

// transcribeChunked splits long audio into overlapping windows,
// transcribes them sequentially and merges the texts.
func (e *Engine) transcribeChunked(pipe *pipeline, audio []float32, cancel *atomic.Bool) (string, []int, error) {
	chunks := SplitChunks(audio, e.cfg.ChunkSizeSec, e.cfg.ChunkOverlapSec)
	e.logger.Info("Split audio into chunks", "chunks", len(chunks))

	texts := make([]string, 0, len(chunks))
	var allTokens []int

	for i, chunk := range chunks {
		if cancel != nil && cancel.Load() {
			return "", nil, fmt.Errorf("transcription cancelled at chunk %d/%d", i+1, len(chunks))
		}

		start := time.Now()
		text, tokens, err := pipe.transcribe(PadAudio(chunk), cancel)
		if err != nil {
			return "", nil, fmt.Errorf("chunk %d/%d failed: %w", i+1, len(chunks), err)
		}

		texts = append(texts, text)
		allTokens = append(allTokens, tokens...)

		e.logger.Debug("Chunk transcribed",
			"chunk", i+1,
			"total", len(chunks),
			"duration", time.Since(start))
	}

	return MergeTranscriptions(texts), allTokens, nil
}

// transcribeGeneric handles single-file model exports by inspecting
// the input shape to choose waveform or log-mel features. Exports
// that emit token ids are detokenized when a vocabulary is present.
func (e *Engine) transcribeGeneric(session onnx.Session, vocab *Vocabulary, audio []float32) (string, []int, error) {
	feed, err := PrepareInput(session, PadAudio(audio))
	if err != nil {
		return "", nil, err
	}

	outputs, err := session.Run(feed)
	if err != nil {
		return "", nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(outputs) == 0 {
		return "", nil, nil
	}

	var tokens []int
	switch outputs[0].DType {
	case onnx.Int64:
		for _, id := range outputs[0].Int64s {
			tokens = append(tokens, int(id))
		}
	case onnx.Int32:
		for _, id := range outputs[0].Int32s {
			tokens = append(tokens, int(id))
		}
	}

	if vocab != nil && len(tokens) > 0 {
		return vocab.Detokenize(tokens), tokens, nil
	}
	return "", tokens, nil
}

// loadSessions opens the model sessions. The three-file Parakeet
// layout is preferred; a single-file export is the fallback.
func (e *Engine) loadSessions(modelID string) (*pipeline, onnx.Session, *Vocabulary, error) {
	if !e.store.IsDownloaded(modelID) {
		return nil, nil, nil, fmt.Errorf("model %s is not downloaded", modelID)
	}

	dir, err := e.store.ModelPath(modelID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to locate model %s: %w", modelID, err)
	}

	preprocessorPath := filepath.Join(dir, preprocessorFile)
	encoderPath := filepath.Join(dir, encoderFile)
	decoderPath := filepath.Join(dir, decoderJointFile)
	vocabPath := filepath.Join(dir, vocabFile)

	if fileExists(preprocessorPath) && fileExists(encoderPath) && fileExists(decoderPath) {
		pipe, err := e.loadPipeline(preprocessorPath, encoderPath, decoderPath, vocabPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return pipe, nil, pipe.vocab, nil
	}

	// Single-file fallback.
	var vocab *Vocabulary
	if fileExists(vocabPath) {
		if v, err := LoadVocabulary(vocabPath); err == nil {
			vocab = v
		}
	}

	for _, name := range []string{"model.onnx"} {
		path := filepath.Join(dir, name)
		if !fileExists(path) {
			continue
		}
		session, err := e.factory(path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		return nil, session, vocab, nil
	}

	return nil, nil, nil, fmt.Errorf("no usable model files found in %s", dir)
}

func (e *Engine) loadPipeline(preprocessorPath, encoderPath, decoderPath, vocabPath string) (*pipeline, error) {
	vocab, err := LoadVocabulary(vocabPath)
	if err != nil {
		return nil, err
	}

	pipe := &pipeline{
		vocab: vocab,
		decoderCfg: DecoderConfig{
			MaxTokensPerStep:     e.cfg.MaxTokensPerStep,
			MaxConsecutiveBlanks: e.cfg.MaxConsecutiveBlanks,
		},
	}

	if pipe.preprocessor, err = e.factory(preprocessorPath); err != nil {
		return nil, fmt.Errorf("failed to load preprocessor: %w", err)
	}
	if pipe.encoder, err = e.factory(encoderPath); err != nil {
		pipe.close()
		return nil, fmt.Errorf("failed to load encoder: %w", err)
	}
	if pipe.decoderJoint, err = e.factory(decoderPath); err != nil {
		pipe.close()
		return nil, fmt.Errorf("failed to load decoder joint: %w", err)
	}

	return pipe, nil
}

func (e *Engine) isLoadedLocked(modelID string) bool {
	return (e.pipe != nil || e.generic != nil) && e.modelID == modelID
}

// detachLocked removes the loaded sessions from the engine without
// closing them. Caller holds e.mu.
func (e *Engine) detachLocked() (*pipeline, onnx.Session) {
	pipe := e.pipe
	generic := e.generic
	e.pipe = nil
	e.generic = nil
	e.vocab = nil
	return pipe, generic
}

// closeSessions destroys detached sessions under the inference lock,
// after any transcription that captured them has finished.
func (e *Engine) closeSessions(pipe *pipeline, generic onnx.Session) {
	if pipe == nil && generic == nil {
		return
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	if pipe != nil {
		pipe.close()
	}
	if generic != nil {
		generic.Close()
	}
}

func (e *Engine) emit(event string) {
	if e.onEvent != nil {
		e.onEvent(event)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
