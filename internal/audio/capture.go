package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// StreamConfig describes the capture stream parameters.
type StreamConfig struct {
	SampleRate int
	Channels   int
	FrameSize  int
	DeviceID   int // -1 selects the default input device
}

// Stream is an open capture stream. Frames are delivered through the
// callback passed to Backend.Open; Start and Stop toggle delivery
// without tearing the stream down.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Backend abstracts the audio capture device. The frame callback runs
// on the backend's audio thread and must never block; the Recorder
// only copies samples and returns.
type Backend interface {
	Open(cfg StreamConfig, onFrame func([]float32)) (Stream, error)
}

// RecorderStats represents recorder statistics for monitoring
type RecorderStats struct {
	StreamOpen      bool        `json:"stream_open"`
	Recording       bool        `json:"recording"`
	BindingID       string      `json:"binding_id,omitempty"`
	RecordingsTotal uint64      `json:"recordings_total"`
	IgnoredStops    uint64      `json:"ignored_stops"`
	Buffer          BufferStats `json:"buffer"`
}

// Recorder captures microphone audio into a bounded buffer. A
// recording is owned by the binding id that started it: Stop with a
// different id is ignored, so overlapping hotkeys cannot steal each
// other's audio.
type Recorder struct {
	backend Backend
	cfg     StreamConfig
	logger  *slog.Logger

	buffer *Buffer

	mu          sync.Mutex
	stream      Stream
	streamOpen  bool
	recording   bool
	bindingID   string
	startedAt   time.Time
	recordings  uint64
	ignored     uint64

	// onFrame, when set, receives a copy of every frame captured while
	// recording. Delivery happens off the audio thread.
	onFrame func([]float32)

	// onEvent, when set, receives lifecycle events. Invoked outside
	// recorder locks.
	onEvent func(event string)

	// onRMS, when set, receives the RMS level of every captured frame.
	// Runs on the audio thread and must stay cheap.
	onRMS func(level float32)

	frames chan []float32
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder using the given capture backend.
func NewRecorder(backend Backend, cfg StreamConfig, maxRecording time.Duration, logger *slog.Logger) (*Recorder, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}

	buffer, err := NewBuffer(cfg.SampleRate, maxRecording)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording buffer: %w", err)
	}

	return &Recorder{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		buffer:  buffer,
	}, nil
}

// SetFrameListener registers a callback invoked with a copy of every
// frame captured while a recording is active. Must be called before
// OpenStream.
func (r *Recorder) SetFrameListener(fn func([]float32)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFrame = fn
}

// SetEventListener registers a callback for lifecycle events:
// stream-opened, stream-closed, recording-started, recording-stopped,
// recording-cancelled, recording-stop-ignored.
func (r *Recorder) SetEventListener(fn func(event string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = fn
}

// SetRMSListener registers a per-frame audio level callback for UI
// meters. It is invoked on the audio thread: no allocation, no I/O.
func (r *Recorder) SetRMSListener(fn func(level float32)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRMS = fn
}

func (r *Recorder) emit(event string) {
	r.mu.Lock()
	fn := r.onEvent
	r.mu.Unlock()
	if fn != nil {
		fn(event)
	}
}

// OpenStream opens the capture stream and starts frame delivery.
// Frames arriving while no recording is active are discarded.
func (r *Recorder) OpenStream() error {
	r.mu.Lock()

	if r.streamOpen {
		r.mu.Unlock()
		return nil
	}

	// Frames queue up here and are forwarded to the listener off the
	// audio thread. When the queue is full the frame is dropped for
	// the listener; the recording buffer has already taken it.
	r.frames = make(chan []float32, 64)
	r.done = make(chan struct{})

	stream, err := r.backend.Open(r.cfg, r.handleFrame)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to open capture stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		r.mu.Unlock()
		return fmt.Errorf("failed to start capture stream: %w", err)
	}

	r.stream = stream
	r.streamOpen = true

	r.wg.Add(1)
	go r.forwardFrames()
	r.mu.Unlock()

	r.emit("stream-opened")
	r.logger.Info("Capture stream opened",
		"sample_rate", r.cfg.SampleRate,
		"frame_size", r.cfg.FrameSize,
		"device_id", r.cfg.DeviceID)

	return nil
}

// CloseStream stops and closes the capture stream. Any active
// recording is cancelled.
func (r *Recorder) CloseStream() error {
	r.mu.Lock()

	if !r.streamOpen {
		r.mu.Unlock()
		return nil
	}

	stream := r.stream
	r.stream = nil
	r.streamOpen = false
	r.recording = false
	r.bindingID = ""
	r.buffer.Reset()
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()

	if err := stream.Stop(); err != nil {
		r.logger.Warn("Error stopping capture stream", "error", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("failed to close capture stream: %w", err)
	}

	r.emit("stream-closed")
	r.logger.Info("Capture stream closed")

	return nil
}

// Start begins a recording owned by bindingID. If a recording is
// already active it is replaced and its audio discarded.
func (r *Recorder) Start(bindingID string) error {
	r.mu.Lock()

	if !r.streamOpen {
		r.mu.Unlock()
		return fmt.Errorf("capture stream is not open")
	}

	if r.recording {
		r.logger.Warn("Recording restarted while active",
			"previous_binding", r.bindingID,
			"binding", bindingID)
	}

	r.buffer.Reset()
	r.recording = true
	r.bindingID = bindingID
	r.startedAt = time.Now()
	r.recordings++
	r.mu.Unlock()

	r.emit("recording-started")
	r.logger.Info("Recording started", "binding", bindingID)

	return nil
}

// Stop ends the recording owned by bindingID and returns its samples.
// A stop from a different binding id is an error: the active recording
// keeps running.
func (r *Recorder) Stop(bindingID string) ([]float32, error) {
	r.mu.Lock()

	if !r.recording || r.bindingID != bindingID {
		r.ignored++
		active := r.bindingID
		r.mu.Unlock()

		r.emit("recording-stop-ignored")
		r.logger.Warn("Recording stop ignored",
			"binding", bindingID,
			"active_binding", active)
		return nil, fmt.Errorf("no active recording for binding %q", bindingID)
	}

	samples := r.buffer.Drain()
	duration := time.Since(r.startedAt)
	r.recording = false
	r.bindingID = ""
	r.mu.Unlock()

	r.emit("recording-stopped")
	r.logger.Info("Recording stopped",
		"binding", bindingID,
		"duration", duration,
		"samples", len(samples))

	return samples, nil
}

// Cancel discards the active recording regardless of owner.
func (r *Recorder) Cancel() {
	r.mu.Lock()

	if !r.recording {
		r.mu.Unlock()
		return
	}

	binding := r.bindingID
	r.buffer.Reset()
	r.recording = false
	r.bindingID = ""
	r.mu.Unlock()

	r.emit("recording-cancelled")
	r.logger.Info("Recording cancelled", "binding", binding)
}

// Recording reports whether a recording is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// GetStats returns current recorder statistics
func (r *Recorder) GetStats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RecorderStats{
		StreamOpen:      r.streamOpen,
		Recording:       r.recording,
		BindingID:       r.bindingID,
		RecordingsTotal: r.recordings,
		IgnoredStops:    r.ignored,
		Buffer:          r.buffer.GetStats(),
	}
}

// handleFrame runs on the backend audio thread. It copies the frame
// into the bounded buffer and hands a copy to the forwarding queue
// without ever blocking.
func (r *Recorder) handleFrame(frame []float32) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	r.buffer.Append(frame)
	hasListener := r.onFrame != nil
	onRMS := r.onRMS
	frames := r.frames
	r.mu.Unlock()

	if onRMS != nil {
		onRMS(frameRMS(frame))
	}

	if !hasListener {
		return
	}

	cp := make([]float32, len(frame))
	copy(cp, frame)

	select {
	case frames <- cp:
	default:
		// Listener is behind; drop the copy rather than stall the
		// audio thread.
	}
}

// frameRMS computes the root-mean-square level of one frame without
// allocating; levels stay in [0,1] for in-range float32 samples.
func frameRMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}

// forwardFrames delivers queued frames to the listener.
func (r *Recorder) forwardFrames() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case frame := <-r.frames:
			r.mu.Lock()
			fn := r.onFrame
			r.mu.Unlock()
			if fn != nil {
				fn(frame)
			}
		}
	}
}
