package scheduler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/afeding/whisper-cheap/internal/asr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAudio struct {
	mu        sync.Mutex
	samples   []float32
	startErr  error
	started   int
	stopped   int
	cancelled int
}

func (a *fakeAudio) Start(bindingID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.started++
	return nil
}

func (a *fakeAudio) Stop(bindingID string) ([]float32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped++
	return a.samples, nil
}

func (a *fakeAudio) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled++
}

type fakeTranscriber struct {
	mu         sync.Mutex
	loadErr    error
	transcribe func(samples []float32) (*asr.Result, error)
	calls      int
	unloads    int
	idle       bool
}

func (f *fakeTranscriber) LoadModel(modelID string) error { return f.loadErr }

func (f *fakeTranscriber) Transcribe(samples []float32) (*asr.Result, error) {
	f.mu.Lock()
	f.calls++
	fn := f.transcribe
	f.mu.Unlock()

	if fn != nil {
		return fn(samples)
	}
	return &asr.Result{Text: "hello world", AudioDuration: time.Second}, nil
}

func (f *fakeTranscriber) ApplyCustomWords(text string) string { return text }

func (f *fakeTranscriber) ShouldUnload() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *fakeTranscriber) Unload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads++
}

func (f *fakeTranscriber) transcribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeModels struct{ downloaded bool }

func (m *fakeModels) IsDownloaded(modelID string) bool { return m.downloaded }

type fakeSink struct {
	mu    sync.Mutex
	texts []string
}

func (s *fakeSink) Deliver(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSink) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeHistory struct{ err error }

func (h *fakeHistory) Save(samples []float32, text string, recordedAt time.Time) error {
	return h.err
}

type fakePost struct {
	err  error
	text string
}

func (p *fakePost) Process(text string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.text, nil
}

func testConfig() Config {
	return Config{
		Debounce:        0,
		QueueCapacity:   8,
		ShutdownTimeout: 2 * time.Second,
	}
}

type testEnv struct {
	scheduler *Scheduler
	audio     *fakeAudio
	trans     *fakeTranscriber
	sink      *fakeSink
	results   chan Result
}

func newTestEnv(t *testing.T, cfg Config, mutate func(*Deps)) *testEnv {
	t.Helper()

	env := &testEnv{
		audio:   &fakeAudio{samples: make([]float32, 16000)},
		trans:   &fakeTranscriber{},
		sink:    &fakeSink{},
		results: make(chan Result, 16),
	}

	deps := Deps{
		Audio:       env.audio,
		Transcriber: env.trans,
		Models:      &fakeModels{downloaded: true},
		Sink:        env.sink,
	}
	if mutate != nil {
		mutate(&deps)
	}

	callbacks := Callbacks{
		OnComplete: func(r Result) { env.results <- r },
		OnError:    func(r Result) { env.results <- r },
	}

	s, err := NewScheduler(cfg, deps, callbacks, testLogger())
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	env.scheduler = s
	return env
}

func waitResult(t *testing.T, ch chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for result")
		return Result{}
	}
}

func TestSchedulerStartStopFlow(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	if !env.scheduler.TryStartRecording("A") {
		t.Fatal("Expected start to succeed")
	}
	if env.scheduler.State() != StateRecording {
		t.Error("Expected recording state")
	}

	if !env.scheduler.TryStopRecording("A", "m") {
		t.Fatal("Expected stop to succeed")
	}
	if env.scheduler.State() != StateIdle {
		t.Error("Expected idle state after stop")
	}

	result := waitResult(t, env.results)
	if result.Status != StatusSuccess {
		t.Errorf("Expected success status, got %s", result.Status)
	}
	if result.Text != "hello world" {
		t.Errorf("Expected transcription, got %q", result.Text)
	}
	if result.SeqID != 1 {
		t.Errorf("Expected seq id 1, got %d", result.SeqID)
	}

	if got := env.sink.delivered(); len(got) != 1 || got[0] != "hello world" {
		t.Errorf("Expected delivered text, got %v", got)
	}
}

func TestSchedulerRejectsDoubleStart(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	if !env.scheduler.TryStartRecording("A") {
		t.Fatal("Expected first start to succeed")
	}
	if env.scheduler.TryStartRecording("A") {
		t.Error("Expected second start to be rejected while recording")
	}
}

func TestSchedulerDebounce(t *testing.T) {
	cfg := testConfig()
	cfg.Debounce = 50 * time.Millisecond

	env := newTestEnv(t, cfg, nil)
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	if !env.scheduler.TryStartRecording("A") {
		t.Fatal("Expected first start to succeed")
	}
	if !env.scheduler.TryStopRecording("A", "m") {
		t.Fatal("Expected stop to succeed")
	}

	// Immediately after the stop transition the debounce window is
	// still open.
	if env.scheduler.TryStartRecording("A") {
		t.Error("Expected start within debounce window to be rejected")
	}

	time.Sleep(60 * time.Millisecond)
	if !env.scheduler.TryStartRecording("A") {
		t.Error("Expected start after debounce window to succeed")
	}
}

func TestSchedulerStopWrongBindingIgnored(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	if !env.scheduler.TryStartRecording("A") {
		t.Fatal("Expected start to succeed")
	}

	if env.scheduler.TryStopRecording("B", "m") {
		t.Error("Expected stale-binding stop to be ignored")
	}
	if env.scheduler.State() != StateRecording {
		t.Error("Expected recording to continue after stale stop")
	}
	if env.audio.stopped != 0 {
		t.Error("Expected audio buffer untouched by stale stop")
	}

	if !env.scheduler.TryStopRecording("A", "m") {
		t.Error("Expected owner's stop to succeed")
	}
}

func TestSchedulerCancel(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	if env.scheduler.TryCancel() {
		t.Error("Expected cancel to fail while idle")
	}

	env.scheduler.TryStartRecording("A")
	if !env.scheduler.TryCancel() {
		t.Fatal("Expected cancel to succeed while recording")
	}

	if env.audio.cancelled != 1 {
		t.Errorf("Expected audio cancel, got %d calls", env.audio.cancelled)
	}
	if env.scheduler.PendingJobs() != 0 {
		t.Error("Expected no job after cancel")
	}
}

func TestSchedulerToggle(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	if !env.scheduler.Toggle("A", "m") {
		t.Fatal("Expected toggle to start recording")
	}
	if env.scheduler.State() != StateRecording {
		t.Error("Expected recording state after first toggle")
	}

	if !env.scheduler.Toggle("A", "m") {
		t.Fatal("Expected toggle to stop recording")
	}
	if env.scheduler.State() != StateIdle {
		t.Error("Expected idle state after second toggle")
	}

	waitResult(t, env.results)
}

func TestSchedulerForceIdle(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	env.scheduler.TryStartRecording("A")
	env.scheduler.ForceIdle()

	if env.scheduler.State() != StateIdle {
		t.Error("Expected idle after ForceIdle")
	}
	if env.audio.cancelled != 1 {
		t.Error("Expected buffered audio discarded")
	}
}

func TestSchedulerStartFailsWhenStreamFails(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.audio.startErr = errors.New("device unavailable")

	if env.scheduler.TryStartRecording("A") {
		t.Error("Expected start to fail when the audio source fails")
	}
	if env.scheduler.State() != StateIdle {
		t.Error("Expected scheduler to stay idle")
	}
}

func TestSchedulerFIFORelease(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	var mu sync.Mutex
	var released []uint64
	env.scheduler.callbacks.OnComplete = func(r Result) {
		mu.Lock()
		released = append(released, r.SeqID)
		mu.Unlock()
	}
	env.scheduler.callbacks.OnError = env.scheduler.callbacks.OnComplete

	// Reserve seq ids 1..3 as three stopped recordings would.
	env.scheduler.mu.Lock()
	env.scheduler.nextSeq = 4
	env.scheduler.pendingJobs = 3
	env.scheduler.mu.Unlock()

	// Job 3 finishes first: nothing may be released yet.
	env.scheduler.completeJob(Result{SeqID: 3, Status: StatusSuccess, Text: "three"})
	mu.Lock()
	if len(released) != 0 {
		t.Fatalf("Expected no release before seq 1 completes, got %v", released)
	}
	mu.Unlock()

	// Job 2 next: still blocked on 1.
	env.scheduler.completeJob(Result{SeqID: 2, Status: StatusSuccess, Text: "two"})
	mu.Lock()
	if len(released) != 0 {
		t.Fatalf("Expected no release before seq 1 completes, got %v", released)
	}
	mu.Unlock()

	// Job 1 completes: the cascade releases all three in order.
	env.scheduler.completeJob(Result{SeqID: 1, Status: StatusSuccess, Text: "one"})
	mu.Lock()
	defer mu.Unlock()
	if len(released) != 3 {
		t.Fatalf("Expected 3 releases, got %v", released)
	}
	for i, seq := range []uint64{1, 2, 3} {
		if released[i] != seq {
			t.Errorf("Release %d: expected seq %d, got %d", i, seq, released[i])
		}
	}

	if got := env.sink.delivered(); len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Errorf("Expected texts delivered in order, got %v", got)
	}
}

func TestSchedulerEmptyAudio(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.audio.samples = nil
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	env.scheduler.TryStartRecording("A")
	env.scheduler.TryStopRecording("A", "m")

	result := waitResult(t, env.results)
	if result.Status != StatusEmpty {
		t.Errorf("Expected empty status, got %s", result.Status)
	}
	if env.trans.transcribeCalls() != 0 {
		t.Error("Expected no transcription attempt for empty audio")
	}
}

func TestSchedulerModelNotDownloaded(t *testing.T) {
	env := newTestEnv(t, testConfig(), func(d *Deps) {
		d.Models = &fakeModels{downloaded: false}
	})
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	env.scheduler.TryStartRecording("A")
	env.scheduler.TryStopRecording("A", "m")

	result := waitResult(t, env.results)
	if result.Status != StatusNoModel {
		t.Errorf("Expected no_model status, got %s", result.Status)
	}
	if env.trans.transcribeCalls() != 0 {
		t.Error("Expected no transcription attempt without a model")
	}
}

func TestSchedulerTimeoutStatus(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.trans.transcribe = func(samples []float32) (*asr.Result, error) {
		return nil, fmt.Errorf("%w after 120s", asr.ErrTranscribeTimeout)
	}
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	env.scheduler.TryStartRecording("A")
	env.scheduler.TryStopRecording("A", "m")

	result := waitResult(t, env.results)
	if result.Status != StatusTimeout {
		t.Errorf("Expected timeout status, got %s", result.Status)
	}
	if result.Text != "" {
		t.Errorf("Expected no text on timeout, got %q", result.Text)
	}
}

func TestSchedulerTranscriptionError(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.trans.transcribe = func(samples []float32) (*asr.Result, error) {
		return nil, errors.New("inference exploded")
	}
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	env.scheduler.TryStartRecording("A")
	env.scheduler.TryStopRecording("A", "m")

	result := waitResult(t, env.results)
	if result.Status != StatusError {
		t.Errorf("Expected error status, got %s", result.Status)
	}
}

func TestSchedulerPostProcessFallback(t *testing.T) {
	env := newTestEnv(t, testConfig(), func(d *Deps) {
		d.Post = &fakePost{err: errors.New("llm unavailable")}
	})
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	env.scheduler.TryStartRecording("A")
	env.scheduler.TryStopRecording("A", "m")

	result := waitResult(t, env.results)
	if result.Status != StatusSuccess {
		t.Errorf("Expected success despite post-process failure, got %s", result.Status)
	}
	if result.Text != "hello world" {
		t.Errorf("Expected raw text fallback, got %q", result.Text)
	}
}

func TestSchedulerPostProcessApplied(t *testing.T) {
	env := newTestEnv(t, testConfig(), func(d *Deps) {
		d.Post = &fakePost{text: "Hello, world."}
	})
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	env.scheduler.TryStartRecording("A")
	env.scheduler.TryStopRecording("A", "m")

	result := waitResult(t, env.results)
	if result.Text != "Hello, world." {
		t.Errorf("Expected post-processed text, got %q", result.Text)
	}
}

func TestSchedulerHistoryFailureDowngradesToWarning(t *testing.T) {
	env := newTestEnv(t, testConfig(), func(d *Deps) {
		d.History = &fakeHistory{err: errors.New("disk full")}
	})
	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	env.scheduler.TryStartRecording("A")
	env.scheduler.TryStopRecording("A", "m")

	result := waitResult(t, env.results)
	if result.Status != StatusWarning {
		t.Errorf("Expected warning status, got %s", result.Status)
	}
	if got := env.sink.delivered(); len(got) != 1 {
		t.Errorf("Expected text still delivered, got %v", got)
	}
}

func TestSchedulerQueueChangeCallback(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	var mu sync.Mutex
	var counts []int
	env.scheduler.callbacks.OnQueueChange = func(pending int) {
		mu.Lock()
		counts = append(counts, pending)
		mu.Unlock()
	}

	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	env.scheduler.TryStartRecording("A")
	env.scheduler.TryStopRecording("A", "m")
	waitResult(t, env.results)

	mu.Lock()
	defer mu.Unlock()
	if len(counts) < 2 {
		t.Fatalf("Expected enqueue and release notifications, got %v", counts)
	}
	if counts[0] != 1 {
		t.Errorf("Expected pending 1 after enqueue, got %d", counts[0])
	}
	if counts[len(counts)-1] != 0 {
		t.Errorf("Expected pending 0 after release, got %d", counts[len(counts)-1])
	}
}

func TestSchedulerMaintenanceUnloadsIdleModel(t *testing.T) {
	cfg := testConfig()
	cfg.UnloadCheckInterval = 5 * time.Millisecond

	env := newTestEnv(t, cfg, nil)
	env.trans.idle = true

	env.scheduler.Start()
	defer env.scheduler.Shutdown()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		env.trans.mu.Lock()
		unloads := env.trans.unloads
		env.trans.mu.Unlock()
		if unloads > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Expected maintenance loop to unload the idle model")
}

func TestSchedulerShutdownCancelsActiveRecording(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.scheduler.Start()

	env.scheduler.TryStartRecording("A")
	if err := env.scheduler.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if env.audio.cancelled != 1 {
		t.Error("Expected active recording cancelled on shutdown")
	}
	if env.scheduler.TryStartRecording("A") {
		t.Error("Expected starts rejected after shutdown")
	}
}

func TestSchedulerShutdownTimesOutOnStuckWorker(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	env := newTestEnv(t, cfg, nil)
	env.trans.transcribe = func(samples []float32) (*asr.Result, error) {
		<-release
		return &asr.Result{Text: "late"}, nil
	}
	env.scheduler.Start()

	env.scheduler.TryStartRecording("A")
	env.scheduler.TryStopRecording("A", "m")
	time.Sleep(10 * time.Millisecond) // let the worker pick up the job

	if err := env.scheduler.Shutdown(); err == nil {
		t.Error("Expected shutdown timeout with a stuck worker")
	}
	close(release)
}

func TestNewSchedulerValidation(t *testing.T) {
	deps := Deps{Audio: &fakeAudio{}, Transcriber: &fakeTranscriber{}}

	if _, err := NewScheduler(testConfig(), Deps{Transcriber: &fakeTranscriber{}}, Callbacks{}, testLogger()); err == nil {
		t.Error("Expected error without audio source")
	}
	if _, err := NewScheduler(testConfig(), Deps{Audio: &fakeAudio{}}, Callbacks{}, testLogger()); err == nil {
		t.Error("Expected error without transcriber")
	}

	cfg := testConfig()
	cfg.QueueCapacity = 0
	if _, err := NewScheduler(cfg, deps, Callbacks{}, testLogger()); err == nil {
		t.Error("Expected error with zero queue capacity")
	}
}
