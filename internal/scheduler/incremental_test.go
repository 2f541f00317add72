package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/afeding/whisper-cheap/internal/asr"
	"github.com/afeding/whisper-cheap/internal/audio"
)

// markedUtterance carries its index in the first sample so the fake
// transcriber can answer per segment.
func markedUtterance(index int) audio.Utterance {
	return audio.Utterance{
		Index:      index,
		Samples:    []float32{float32(index)},
		SampleRate: 16000,
	}
}

func TestIncrementalOrdersSegments(t *testing.T) {
	texts := map[float32]string{0: "first", 1: "second", 2: "third"}
	trans := &fakeTranscriber{
		transcribe: func(samples []float32) (*asr.Result, error) {
			return &asr.Result{Text: texts[samples[0]]}, nil
		},
	}

	inc := NewIncremental(trans, 8, testLogger())

	// Submission order does not matter; the index does.
	for _, idx := range []int{1, 0, 2} {
		if !inc.Submit(markedUtterance(idx)) {
			t.Fatalf("Submit failed for index %d", idx)
		}
	}

	text, err := inc.Finish(2 * time.Second)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if text != "first second third" {
		t.Errorf("Expected ordered merge, got %q", text)
	}
}

func TestIncrementalSkipsFailedSegments(t *testing.T) {
	trans := &fakeTranscriber{
		transcribe: func(samples []float32) (*asr.Result, error) {
			if samples[0] == 1 {
				return nil, errors.New("inference failed")
			}
			return &asr.Result{Text: "ok"}, nil
		},
	}

	inc := NewIncremental(trans, 8, testLogger())
	inc.Submit(markedUtterance(0))
	inc.Submit(markedUtterance(1))
	inc.Submit(markedUtterance(2))

	text, err := inc.Finish(2 * time.Second)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if text != "ok ok" {
		t.Errorf("Expected failed segment skipped, got %q", text)
	}

	transcribed, failed, _ := inc.Stats()
	if transcribed != 2 || failed != 1 {
		t.Errorf("Expected 2 transcribed and 1 failed, got %d/%d", transcribed, failed)
	}
}

func TestIncrementalRejectsAfterFinish(t *testing.T) {
	trans := &fakeTranscriber{}
	inc := NewIncremental(trans, 8, testLogger())

	if _, err := inc.Finish(time.Second); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if inc.Submit(markedUtterance(0)) {
		t.Error("Expected Submit rejected after Finish")
	}
}

func TestIncrementalDropsOnFullQueue(t *testing.T) {
	release := make(chan struct{})
	trans := &fakeTranscriber{
		transcribe: func(samples []float32) (*asr.Result, error) {
			<-release
			return &asr.Result{Text: "x"}, nil
		},
	}

	inc := NewIncremental(trans, 1, testLogger())

	// Saturate the worker and the one-slot queue, then overflow.
	inc.Submit(markedUtterance(0))
	time.Sleep(10 * time.Millisecond)
	inc.Submit(markedUtterance(1))
	accepted := inc.Submit(markedUtterance(2))

	close(release)
	if _, err := inc.Finish(2 * time.Second); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	if accepted {
		t.Error("Expected overflow submission to be dropped")
	}
	_, _, dropped := inc.Stats()
	if dropped != 1 {
		t.Errorf("Expected 1 dropped segment, got %d", dropped)
	}
}
