package audio

import (
	"fmt"
	"sync"
	"time"
)

// Buffer is a bounded recording buffer of mono float32 samples.
// Once the configured capacity is reached, appending drops the oldest
// samples first, so a runaway recording holds at most the last
// maxDuration of audio.
type Buffer struct {
	sampleRate int
	maxSamples int

	samples []float32

	// Tracking for monitoring
	lastUpdate    time.Time
	totalFrames   uint64
	droppedFrames uint64

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	TotalFrames   uint64  `json:"total_frames"`
	DroppedFrames uint64  `json:"dropped_frames"`
	BufferSamples int     `json:"buffer_samples"`
	BufferSeconds float64 `json:"buffer_seconds"`
	CapacitySecs  float64 `json:"capacity_seconds"`
}

// NewBuffer creates a bounded recording buffer holding at most
// maxDuration of audio at the given sample rate.
func NewBuffer(sampleRate int, maxDuration time.Duration) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if maxDuration <= 0 {
		return nil, fmt.Errorf("max duration must be positive, got %v", maxDuration)
	}

	maxSamples := int(float64(sampleRate) * maxDuration.Seconds())

	return &Buffer{
		sampleRate: sampleRate,
		maxSamples: maxSamples,
		samples:    make([]float32, 0, maxSamples),
		lastUpdate: time.Now(),
	}, nil
}

// Append adds a frame of samples to the buffer, evicting the oldest
// samples when the capacity bound is exceeded.
func (b *Buffer) Append(frame []float32) {
	if len(frame) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFrames++
	b.lastUpdate = time.Now()

	b.samples = append(b.samples, frame...)

	if overflow := len(b.samples) - b.maxSamples; overflow > 0 {
		copy(b.samples, b.samples[overflow:])
		b.samples = b.samples[:b.maxSamples]
		b.droppedFrames++
	}
}

// Drain returns all buffered samples and resets the buffer.
func (b *Buffer) Drain() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]float32, len(b.samples))
	copy(out, b.samples)
	b.samples = b.samples[:0]

	return out
}

// Reset discards all buffered samples.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = b.samples[:0]
}

// Len returns the current number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Duration returns the buffered audio length.
func (b *Buffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return time.Duration(float64(len(b.samples)) / float64(b.sampleRate) * float64(time.Second))
}

// GetLastUpdate returns the time of the last append.
func (b *Buffer) GetLastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		TotalFrames:   b.totalFrames,
		DroppedFrames: b.droppedFrames,
		BufferSamples: len(b.samples),
		BufferSeconds: float64(len(b.samples)) / float64(b.sampleRate),
		CapacitySecs:  float64(b.maxSamples) / float64(b.sampleRate),
	}
}
