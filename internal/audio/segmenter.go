package audio

import (
	"sync"
	"time"
)

// SegmentState represents the current state of the segmentation process
type SegmentState int

const (
	StateIdle SegmentState = iota
	StateCollecting
)

// Utterance represents a finalized audio segment ready for transcription
type Utterance struct {
	Index       int           `json:"index"`
	Samples     []float32     `json:"-"`
	StartOffset time.Duration `json:"start_offset"`
	Duration    time.Duration `json:"duration"`
	SampleRate  int           `json:"sample_rate"`
	Final       bool          `json:"final"` // emitted by Flush at recording end
}

// SegmenterConfig contains configuration for the segmentation process
type SegmenterConfig struct {
	SampleRate       int
	MinChunkDuration time.Duration // never emit before this much audio
	MaxChunkDuration time.Duration // emit at this cap given CapSilence of trailing silence
	SilenceThreshold time.Duration // natural-pause emission trigger
	CapSilence       time.Duration // minimum trailing silence required at the cap
}

// Segmenter splits a live recording into utterances at natural pauses.
// All timing is derived from the sample clock (accumulated frame
// durations), not wall time, so segmentation is deterministic for a
// given frame sequence.
//
// A segment is emitted when at least MinChunkDuration of audio has
// accumulated and the trailing silence reaches SilenceThreshold. Past
// MaxChunkDuration the requirement relaxes: any trailing silence
// longer than CapSilence ends the segment, so a fast talker still gets
// split near a word boundary instead of mid-word.
type Segmenter struct {
	config SegmenterConfig
	state  SegmentState

	samples       []float32
	segmentStart  time.Duration // position of the current segment in the recording
	elapsed       time.Duration // total audio consumed since Reset
	trailingQuiet time.Duration // consecutive silence at the end of the segment
	nextIndex     int

	// Statistics
	segmentsCreated uint64
	totalDuration   time.Duration

	mu sync.RWMutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State           string        `json:"state"`
	SegmentsCreated uint64        `json:"segments_created"`
	TotalDuration   time.Duration `json:"total_duration"`
	CurrentSamples  int           `json:"current_segment_samples"`
	AvgDuration     float64       `json:"avg_segment_duration_sec"`
}

// NewSegmenter creates a new utterance segmenter
func NewSegmenter(config SegmenterConfig) *Segmenter {
	return &Segmenter{
		config: config,
		state:  StateIdle,
	}
}

// ProcessFrame consumes one captured frame with its voice activity
// decision and returns a finalized utterance when an emission rule
// fires, or nil.
func (s *Segmenter) ProcessFrame(frame []float32, hasVoice bool) *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	frameDuration := s.frameDuration(len(frame))
	s.elapsed += frameDuration

	if s.state == StateIdle {
		if !hasVoice {
			// Leading silence is not part of any segment.
			s.segmentStart = s.elapsed
			return nil
		}
		s.state = StateCollecting
	}

	s.samples = append(s.samples, frame...)

	if hasVoice {
		s.trailingQuiet = 0
	} else {
		s.trailingQuiet += frameDuration
	}

	segmentDuration := s.frameDuration(len(s.samples))
	if segmentDuration < s.config.MinChunkDuration {
		return nil
	}

	if s.trailingQuiet >= s.config.SilenceThreshold {
		return s.finalize(false)
	}

	if segmentDuration >= s.config.MaxChunkDuration && s.trailingQuiet > s.config.CapSilence {
		return s.finalize(false)
	}

	return nil
}

// Flush emits whatever audio is pending, regardless of duration. Used
// when the recording stops.
func (s *Segmenter) Flush() *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle || len(s.samples) == 0 {
		return nil
	}

	return s.finalize(true)
}

// Reset discards pending audio and restarts the sample clock for a new
// recording.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateIdle
	s.samples = nil
	s.segmentStart = 0
	s.elapsed = 0
	s.trailingQuiet = 0
	s.nextIndex = 0
}

// IsIdle returns whether the segmenter has no pending audio
func (s *Segmenter) IsIdle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateIdle
}

// PendingDuration returns the length of the segment being collected
func (s *Segmenter) PendingDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frameDuration(len(s.samples))
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stateStr := "idle"
	if s.state == StateCollecting {
		stateStr = "collecting"
	}

	avgDuration := float64(0)
	if s.segmentsCreated > 0 {
		avgDuration = s.totalDuration.Seconds() / float64(s.segmentsCreated)
	}

	return SegmenterStats{
		State:           stateStr,
		SegmentsCreated: s.segmentsCreated,
		TotalDuration:   s.totalDuration,
		CurrentSamples:  len(s.samples),
		AvgDuration:     avgDuration,
	}
}

// finalize builds the utterance and resets for the next segment.
// Caller holds the lock.
func (s *Segmenter) finalize(final bool) *Utterance {
	duration := s.frameDuration(len(s.samples))

	utt := &Utterance{
		Index:       s.nextIndex,
		Samples:     s.samples,
		StartOffset: s.segmentStart,
		Duration:    duration,
		SampleRate:  s.config.SampleRate,
		Final:       final,
	}

	s.segmentsCreated++
	s.totalDuration += duration
	s.nextIndex++

	s.state = StateIdle
	s.samples = nil
	s.segmentStart = s.elapsed
	s.trailingQuiet = 0

	return utt
}

func (s *Segmenter) frameDuration(samples int) time.Duration {
	return time.Duration(float64(samples) / float64(s.config.SampleRate) * float64(time.Second))
}
