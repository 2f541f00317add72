package vad

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/afeding/whisper-cheap/internal/onnx"
)

// Detector decides whether an audio frame contains speech.
type Detector interface {
	IsSpeech(frame []float32, threshold float32) (bool, error)
}

// SileroDetector runs the Silero VAD ONNX model. The model takes a
// frame shaped (1, 1, samples) and returns a speech probability.
// Recurrent model variants carry hidden state between calls; it is
// detected from the session's declared inputs and persisted here.
type SileroDetector struct {
	session onnx.Session

	hasSR    bool
	hasHC    bool
	hasState bool
	h        []float32
	c        []float32
	state    []float32

	mu sync.Mutex
}

// NewSileroDetector opens the Silero VAD model at modelPath.
func NewSileroDetector(factory onnx.SessionFactory, modelPath string) (*SileroDetector, error) {
	session, err := factory(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load VAD model: %w", err)
	}

	d := &SileroDetector{session: session}
	for _, in := range session.Inputs() {
		switch in.Name {
		case "sr":
			d.hasSR = true
		case "h":
			d.hasHC = true
		case "state":
			d.hasState = true
		}
	}

	d.resetState()

	return d, nil
}

// IsSpeech runs one frame through the model and compares the speech
// probability against threshold.
func (d *SileroDetector) IsSpeech(frame []float32, threshold float32) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inputs := map[string]onnx.Value{
		"input": onnx.FloatValue([]int64{1, 1, int64(len(frame))}, frame),
	}
	if d.hasSR {
		inputs["sr"] = onnx.Int64Value([]int64{1}, []int64{16000})
	}
	if d.hasHC {
		inputs["h"] = onnx.FloatValue([]int64{2, 1, 64}, d.h)
		inputs["c"] = onnx.FloatValue([]int64{2, 1, 64}, d.c)
	}
	if d.hasState {
		inputs["state"] = onnx.FloatValue([]int64{2, 1, 128}, d.state)
	}

	outputs, err := d.session.Run(inputs)
	if err != nil {
		return false, fmt.Errorf("VAD inference failed: %w", err)
	}
	if len(outputs) == 0 || len(outputs[0].Floats) == 0 {
		return false, fmt.Errorf("VAD model returned no probability")
	}

	// Recurrent variants return updated state after the probability.
	if d.hasHC && len(outputs) >= 3 {
		d.h = outputs[1].Floats
		d.c = outputs[2].Floats
	}
	if d.hasState && len(outputs) >= 2 {
		d.state = outputs[1].Floats
	}

	prob := outputs[0].Floats[0]
	return prob >= threshold, nil
}

// Reset clears the recurrent state between recordings.
func (d *SileroDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetState()
}

// Close releases the model session.
func (d *SileroDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session.Close()
}

func (d *SileroDetector) resetState() {
	if d.hasHC {
		d.h = make([]float32, 2*64)
		d.c = make([]float32, 2*64)
	}
	if d.hasState {
		d.state = make([]float32, 2*128)
	}
}

// Gate applies voice activity detection with graceful degradation:
// the neural detector decides when available, and any failure drops
// to an RMS energy threshold so recording keeps working without the
// model.
type Gate struct {
	detector  Detector // nil when the neural path is unavailable
	threshold float32

	// Statistics
	totalFrames    uint64
	voiceFrames    uint64
	fallbackFrames uint64
	lastProcessed  time.Time

	mu sync.RWMutex
}

// GateStats represents gate statistics for monitoring
type GateStats struct {
	TotalFrames     uint64    `json:"total_frames"`
	VoiceFrames     uint64    `json:"voice_frames"`
	FallbackFrames  uint64    `json:"fallback_frames"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
	NeuralAvailable bool      `json:"neural_available"`
}

// NewGate creates a voice activity gate. detector may be nil, in which
// case every frame is judged by RMS energy alone.
func NewGate(detector Detector, threshold float32) (*Gate, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	return &Gate{
		detector:  detector,
		threshold: threshold,
	}, nil
}

// HasVoice reports whether the frame contains speech.
func (g *Gate) HasVoice(frame []float32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.totalFrames++
	g.lastProcessed = time.Now()

	hasVoice := false
	decided := false

	if g.detector != nil {
		if v, err := g.detector.IsSpeech(frame, g.threshold); err == nil {
			hasVoice = v
			decided = true
		}
	}

	if !decided {
		g.fallbackFrames++
		hasVoice = RMS(frame) >= RMSThreshold(g.threshold)
	}

	if hasVoice {
		g.voiceFrames++
	}

	return hasVoice
}

// UpdateThreshold updates the voice detection threshold
func (g *Gate) UpdateThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.threshold = threshold
	return nil
}

// GetThreshold returns the current voice detection threshold
func (g *Gate) GetThreshold() float32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.threshold
}

// GetStats returns current gate statistics
func (g *Gate) GetStats() GateStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	voicePercentage := float64(0)
	if g.totalFrames > 0 {
		voicePercentage = float64(g.voiceFrames) / float64(g.totalFrames) * 100
	}

	return GateStats{
		TotalFrames:     g.totalFrames,
		VoiceFrames:     g.voiceFrames,
		FallbackFrames:  g.fallbackFrames,
		VoicePercentage: voicePercentage,
		LastProcessed:   g.lastProcessed,
		Threshold:       g.threshold,
		NeuralAvailable: g.detector != nil,
	}
}

// Reset clears the gate statistics and any recurrent detector state,
// so each recording starts from a clean slate.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.totalFrames = 0
	g.voiceFrames = 0
	g.fallbackFrames = 0
	g.lastProcessed = time.Time{}

	if r, ok := g.detector.(interface{ Reset() }); ok {
		r.Reset()
	}
}

// RMS computes the root-mean-square energy of a frame.
func RMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}

	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}

// RMSThreshold maps the 0..1 sensitivity knob onto an RMS energy
// threshold. Float32 speech RMS is typically far below 0.5, so the
// knob spans roughly 0.005 to 0.055 instead of being applied directly.
func RMSThreshold(sensitivity float32) float32 {
	t := sensitivity
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return 0.005 + 0.05*t
}
