package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/afeding/whisper-cheap/internal/audio"
)

// Incremental transcribes segmented utterances in the background while
// a recording is still in progress, so most of the text is ready by
// the time the user stops. One instance serves one recording: submit
// utterances as the segmenter emits them, then call Finish on stop to
// collect the indexed texts in order.
type Incremental struct {
	transcriber Transcriber
	logger      *slog.Logger

	queue chan audio.Utterance
	wg    sync.WaitGroup

	mu      sync.Mutex
	results map[int]string
	failed  int
	dropped int
	closed  bool
}

// NewIncremental creates an incremental transcriber for one recording.
func NewIncremental(transcriber Transcriber, queueCapacity int, logger *slog.Logger) *Incremental {
	c := &Incremental{
		transcriber: transcriber,
		logger:      logger,
		queue:       make(chan audio.Utterance, queueCapacity),
		results:     make(map[int]string),
	}

	c.wg.Add(1)
	go c.worker()
	return c
}

// Submit queues one utterance for background transcription. Returns
// false when the queue is full or Finish was already called; the
// utterance is dropped, not blocked on.
func (c *Incremental) Submit(u audio.Utterance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.queue <- u:
		return true
	default:
		c.dropped++
		c.logger.Warn("Utterance queue full, dropping segment", "index", u.Index)
		return false
	}
}

// Finish stops accepting utterances, waits for the worker to drain
// within the timeout, and returns the transcribed texts joined in
// segment order. Texts transcribed so far are returned even when the
// wait times out.
func (c *Incremental) Finish(timeout time.Duration) (string, error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	var waitErr error
	select {
	case <-drained:
	case <-time.After(timeout):
		waitErr = fmt.Errorf("segment transcription did not finish within %v", timeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	indexes := make([]int, 0, len(c.results))
	for idx := range c.results {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	parts := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		if text := c.results[idx]; text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), waitErr
}

// Stats reports how the recording's segments fared.
func (c *Incremental) Stats() (transcribed, failed, dropped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results), c.failed, c.dropped
}

func (c *Incremental) worker() {
	defer c.wg.Done()

	for u := range c.queue {
		start := time.Now()
		result, err := c.transcriber.Transcribe(u.Samples)
		if err != nil {
			c.mu.Lock()
			c.failed++
			c.mu.Unlock()
			c.logger.Error("Segment transcription failed", "index", u.Index, "error", err)
			continue
		}

		c.mu.Lock()
		c.results[u.Index] = result.Text
		c.mu.Unlock()

		c.logger.Debug("Segment transcribed", "index", u.Index,
			"duration", u.Duration, "process_time", time.Since(start))
	}
}
