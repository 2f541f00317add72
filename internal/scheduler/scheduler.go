package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/afeding/whisper-cheap/internal/asr"
)

// Recording states. Processing happens off to the side on the worker
// and is not a state of its own.
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusEmpty   = "empty"
	StatusTimeout = "timeout"
	StatusError   = "error"
	StatusNoModel = "no_model"
	StatusWarning = "warning"
)

// Progress phases reported while a job moves through the pipeline.
const (
	PhaseTranscribing = "transcribing"
	PhaseFormatting   = "formatting"
	PhasePasting      = "pasting"
	PhaseDone         = "done"
)

// AudioSource provides recorded samples. Stop must capture the buffer
// atomically for the given binding and ignore stale bindings.
type AudioSource interface {
	Start(bindingID string) error
	Stop(bindingID string) ([]float32, error)
	Cancel()
}

// Transcriber runs speech recognition. LoadModel must be single-flight
// safe; Transcribe is only ever called from the scheduler worker.
type Transcriber interface {
	LoadModel(modelID string) error
	Transcribe(samples []float32) (*asr.Result, error)
	ApplyCustomWords(text string) string
	ShouldUnload() bool
	Unload()
}

// ModelStore answers whether a model's files are on disk.
type ModelStore interface {
	IsDownloaded(modelID string) bool
}

// HistorySink persists finished recordings. Failures downgrade the
// result to a warning; the text is still delivered.
type HistorySink interface {
	Save(samples []float32, text string, recordedAt time.Time) error
}

// PostProcessor optionally rewrites the transcription. Failures fall
// back to the raw text.
type PostProcessor interface {
	Process(text string) (string, error)
}

// Sink receives released text, typically the clipboard.
type Sink interface {
	Deliver(text string) error
}

// Deps are the scheduler's collaborators. Audio, Transcriber and
// Models are required; the rest may be nil.
type Deps struct {
	Audio       AudioSource
	Transcriber Transcriber
	Models      ModelStore
	History     HistorySink
	Post        PostProcessor
	Sink        Sink
}

// Config contains scheduler tuning.
type Config struct {
	Debounce            time.Duration
	QueueCapacity       int
	ShutdownTimeout     time.Duration
	UnloadCheckInterval time.Duration // 0 disables the maintenance loop
}

// Job is one stop-to-paste unit of work.
type Job struct {
	BindingID  string
	ModelID    string
	SeqID      uint64
	Samples    []float32
	RecordedAt time.Time
}

// Result is the outcome of one job, released in seq order.
type Result struct {
	SeqID         uint64        `json:"seq_id"`
	BindingID     string        `json:"binding_id"`
	Text          string        `json:"text"`
	Status        string        `json:"status"`
	Err           error         `json:"-"`
	AudioDuration time.Duration `json:"audio_duration"`
	ProcessTime   time.Duration `json:"process_time"`
}

// Callbacks are invoked outside scheduler locks. OnComplete fires for
// delivered results, OnError for timeout/error outcomes; exactly one
// of the two fires per job, always in FIFO order.
type Callbacks struct {
	OnProgress    func(phase string)
	OnComplete    func(result Result)
	OnError       func(result Result)
	OnQueueChange func(pending int)
}

// Scheduler is the recording state machine. Start/stop/cancel come
// from the hotkey thread; one worker goroutine drains jobs
// sequentially and results are released strictly in seq order.
type Scheduler struct {
	cfg       Config
	deps      Deps
	callbacks Callbacks
	logger    *slog.Logger

	mu             sync.Mutex
	state          State
	bindingID      string
	lastTransition time.Time
	nextSeq        uint64
	nextRelease    uint64
	pendingResults map[uint64]Result
	pendingJobs    int
	recordingsDone uint64
	closed         bool

	jobs chan Job
	done chan struct{}
	wg   sync.WaitGroup
}

// SchedulerStats represents scheduler state for monitoring
type SchedulerStats struct {
	State          string `json:"state"`
	PendingJobs    int    `json:"pending_jobs"`
	QueueDepth     int    `json:"queue_depth"`
	NextSeq        uint64 `json:"next_seq"`
	NextRelease    uint64 `json:"next_release"`
	RecordingsDone uint64 `json:"recordings_done"`
}

// NewScheduler creates a scheduler. Call Start before using it.
func NewScheduler(cfg Config, deps Deps, callbacks Callbacks, logger *slog.Logger) (*Scheduler, error) {
	if deps.Audio == nil {
		return nil, fmt.Errorf("audio source is required")
	}
	if deps.Transcriber == nil {
		return nil, fmt.Errorf("transcriber is required")
	}
	if cfg.QueueCapacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", cfg.QueueCapacity)
	}

	return &Scheduler{
		cfg:            cfg,
		deps:           deps,
		callbacks:      callbacks,
		logger:         logger,
		state:          StateIdle,
		nextSeq:        1,
		nextRelease:    1,
		pendingResults: make(map[uint64]Result),
		jobs:           make(chan Job, cfg.QueueCapacity),
		done:           make(chan struct{}),
	}, nil
}

// Start launches the worker and, when configured, the model
// maintenance loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.worker()

	if s.cfg.UnloadCheckInterval > 0 {
		s.wg.Add(1)
		go s.maintenance()
	}
}

// Shutdown stops accepting work, cancels any active recording and
// waits for the worker to drain, bounded by the shutdown timeout.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.state == StateRecording {
		s.deps.Audio.Cancel()
		s.state = StateIdle
	}
	close(s.jobs)
	s.mu.Unlock()

	close(s.done)

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		return fmt.Errorf("scheduler shutdown timed out after %v", s.cfg.ShutdownTimeout)
	}
}

// TryStartRecording transitions IDLE -> RECORDING. Returns false when
// already recording, within the debounce window of the last
// transition, or when the audio source fails to start.
func (s *Scheduler) TryStartRecording(bindingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.state != StateIdle {
		s.logger.Debug("Start rejected, already recording", "binding_id", bindingID)
		return false
	}
	if time.Since(s.lastTransition) < s.cfg.Debounce {
		s.logger.Debug("Start rejected by debounce", "binding_id", bindingID)
		return false
	}

	if err := s.deps.Audio.Start(bindingID); err != nil {
		s.logger.Error("Failed to start recording", "binding_id", bindingID, "error", err)
		return false
	}

	s.state = StateRecording
	s.bindingID = bindingID
	s.lastTransition = time.Now()
	s.logger.Info("Recording started", "binding_id", bindingID)
	return true
}

// TryStopRecording transitions RECORDING -> IDLE, capturing the audio
// under the transition lock and enqueueing a job with the next seq id.
// A stop for a binding other than the active one is ignored.
func (s *Scheduler) TryStopRecording(bindingID, modelID string) bool {
	var overflow *Result

	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		s.logger.Debug("Stop rejected, not recording", "binding_id", bindingID)
		return false
	}
	if bindingID != s.bindingID {
		active := s.bindingID
		s.mu.Unlock()
		s.logger.Info("Recording stop ignored, stale binding",
			"binding_id", bindingID, "active", active)
		return false
	}

	// Capture before leaving RECORDING so a concurrent start cannot
	// contaminate the buffer.
	samples, err := s.deps.Audio.Stop(bindingID)
	if err != nil {
		s.logger.Error("Failed to capture recording", "binding_id", bindingID, "error", err)
		samples = nil
	}

	job := Job{
		BindingID:  bindingID,
		ModelID:    modelID,
		SeqID:      s.nextSeq,
		Samples:    samples,
		RecordedAt: time.Now(),
	}
	s.nextSeq++
	s.pendingJobs++
	s.state = StateIdle
	s.bindingID = ""
	s.lastTransition = time.Now()

	select {
	case s.jobs <- job:
	default:
		s.logger.Error("Job queue full, dropping recording",
			"seq_id", job.SeqID, "queue_capacity", s.cfg.QueueCapacity)
		overflow = &Result{
			SeqID:     job.SeqID,
			BindingID: job.BindingID,
			Status:    StatusError,
			Err:       fmt.Errorf("job queue full"),
		}
	}
	pending := s.pendingJobs
	s.mu.Unlock()

	s.notifyQueueChange(pending)
	s.logger.Info("Recording stopped", "binding_id", bindingID, "seq_id", job.SeqID,
		"samples", len(samples))

	if overflow != nil {
		s.completeJob(*overflow)
	}
	return true
}

// TryCancel discards the active recording without creating a job.
func (s *Scheduler) TryCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRecording {
		return false
	}

	s.deps.Audio.Cancel()
	s.state = StateIdle
	s.bindingID = ""
	s.lastTransition = time.Now()
	s.logger.Info("Recording cancelled")
	return true
}

// Toggle starts a recording when idle and stops it when recording,
// for toggle-style hotkeys.
func (s *Scheduler) Toggle(bindingID, modelID string) bool {
	s.mu.Lock()
	recording := s.state == StateRecording
	s.mu.Unlock()

	if recording {
		return s.TryStopRecording(bindingID, modelID)
	}
	return s.TryStartRecording(bindingID)
}

// ForceIdle drops back to IDLE regardless of current state, for error
// recovery. Buffered audio is discarded.
func (s *Scheduler) ForceIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRecording {
		s.deps.Audio.Cancel()
	}
	s.state = StateIdle
	s.bindingID = ""
	s.lastTransition = time.Now()
	s.logger.Warn("Forced scheduler to idle")
}

// State returns the current recording state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingJobs returns the number of jobs not yet released.
func (s *Scheduler) PendingJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingJobs
}

// GetStats returns current scheduler state
func (s *Scheduler) GetStats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SchedulerStats{
		State:          s.state.String(),
		PendingJobs:    s.pendingJobs,
		QueueDepth:     len(s.jobs),
		NextSeq:        s.nextSeq,
		NextRelease:    s.nextRelease,
		RecordingsDone: s.recordingsDone,
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for job := range s.jobs {
		s.completeJob(s.processJob(job))
	}
}

// maintenance unloads an idle model when the engine says so.
func (s *Scheduler) maintenance() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.UnloadCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.deps.Transcriber.ShouldUnload() {
				s.deps.Transcriber.Unload()
			}
		}
	}
}

// processJob runs one job through transcription, formatting and
// persistence. It never panics the worker; every failure maps to a
// result status.
func (s *Scheduler) processJob(job Job) Result {
	result := Result{SeqID: job.SeqID, BindingID: job.BindingID}

	if len(job.Samples) == 0 {
		result.Status = StatusEmpty
		return result
	}

	if s.deps.Models != nil && !s.deps.Models.IsDownloaded(job.ModelID) {
		s.logger.Warn("Model not downloaded, skipping transcription",
			"seq_id", job.SeqID, "model_id", job.ModelID)
		result.Status = StatusNoModel
		return result
	}

	s.notifyProgress(PhaseTranscribing)

	if err := s.deps.Transcriber.LoadModel(job.ModelID); err != nil {
		result.Status = StatusError
		result.Err = fmt.Errorf("model load failed: %w", err)
		return result
	}

	tr, err := s.deps.Transcriber.Transcribe(job.Samples)
	if err != nil {
		if errors.Is(err, asr.ErrTranscribeTimeout) {
			result.Status = StatusTimeout
		} else {
			result.Status = StatusError
		}
		result.Err = err
		return result
	}

	result.AudioDuration = tr.AudioDuration
	result.ProcessTime = tr.ProcessTime

	text := s.deps.Transcriber.ApplyCustomWords(tr.Text)
	if text == "" {
		result.Status = StatusEmpty
		return result
	}

	if s.deps.Post != nil {
		s.notifyProgress(PhaseFormatting)
		if processed, err := s.deps.Post.Process(text); err != nil {
			s.logger.Warn("Post-processing failed, using raw text",
				"seq_id", job.SeqID, "error", err)
		} else {
			text = processed
		}
	}

	result.Text = text
	result.Status = StatusSuccess

	if s.deps.History != nil {
		if err := s.deps.History.Save(job.Samples, text, job.RecordedAt); err != nil {
			s.logger.Warn("Failed to persist recording",
				"seq_id", job.SeqID, "error", err)
			result.Status = StatusWarning
		}
	}

	return result
}

// completeJob inserts the result into the pending map and releases
// every now-contiguous result starting at nextRelease, in order.
// Callbacks run outside the lock.
func (s *Scheduler) completeJob(result Result) {
	s.mu.Lock()
	s.pendingResults[result.SeqID] = result

	var ready []Result
	for {
		r, ok := s.pendingResults[s.nextRelease]
		if !ok {
			break
		}
		delete(s.pendingResults, s.nextRelease)
		s.nextRelease++
		s.pendingJobs--
		s.recordingsDone++
		ready = append(ready, r)
	}
	pending := s.pendingJobs
	s.mu.Unlock()

	for _, r := range ready {
		s.release(r)
	}
	if len(ready) > 0 {
		s.notifyQueueChange(pending)
	}
}

// release delivers one result to the sink and fires its terminal
// callback.
func (s *Scheduler) release(result Result) {
	if result.Text != "" && s.deps.Sink != nil {
		s.notifyProgress(PhasePasting)
		if err := s.deps.Sink.Deliver(result.Text); err != nil {
			s.logger.Error("Failed to deliver text", "seq_id", result.SeqID, "error", err)
		}
	}

	switch result.Status {
	case StatusTimeout, StatusError:
		s.logger.Error("Job failed", "seq_id", result.SeqID,
			"status", result.Status, "error", result.Err)
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(result)
		}
	default:
		s.logger.Info("Job released", "seq_id", result.SeqID, "status", result.Status,
			"audio_duration", result.AudioDuration, "process_time", result.ProcessTime)
		if s.callbacks.OnComplete != nil {
			s.callbacks.OnComplete(result)
		}
	}

	s.notifyProgress(PhaseDone)
}

func (s *Scheduler) notifyProgress(phase string) {
	if s.callbacks.OnProgress != nil {
		s.callbacks.OnProgress(phase)
	}
}

func (s *Scheduler) notifyQueueChange(pending int) {
	if s.callbacks.OnQueueChange != nil {
		s.callbacks.OnQueueChange(pending)
	}
}
