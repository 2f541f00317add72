package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/afeding/whisper-cheap/internal/asr"
	"github.com/afeding/whisper-cheap/internal/audio"
	"github.com/afeding/whisper-cheap/internal/config"
	"github.com/afeding/whisper-cheap/internal/history"
	"github.com/afeding/whisper-cheap/internal/metrics"
	"github.com/afeding/whisper-cheap/internal/scheduler"
)

// One registry per test binary; promauto registers globally.
var testMetrics = metrics.NewMetrics()

type fakeController struct {
	recording bool
	startOK   bool
	stopOK    bool
	cancelOK  bool
}

func (c *fakeController) TryStartRecording(bindingID string) bool {
	if c.startOK {
		c.recording = true
	}
	return c.startOK
}

func (c *fakeController) TryStopRecording(bindingID, modelID string) bool {
	if c.stopOK {
		c.recording = false
	}
	return c.stopOK
}

func (c *fakeController) TryCancel() bool { return c.cancelOK }

func (c *fakeController) Toggle(bindingID, modelID string) bool {
	c.recording = !c.recording
	return true
}

func (c *fakeController) GetStats() scheduler.SchedulerStats {
	state := "idle"
	if c.recording {
		state = "recording"
	}
	return scheduler.SchedulerStats{State: state, PendingJobs: 1}
}

type fakeEngine struct{}

func (e *fakeEngine) GetStats() asr.EngineStats {
	return asr.EngineStats{ModelID: "parakeet-v3-int8", Loaded: true}
}

type fakeRecorder struct{}

func (r *fakeRecorder) GetStats() audio.RecorderStats {
	return audio.RecorderStats{StreamOpen: true}
}

type fakeCatalog struct{}

func (c *fakeCatalog) List() []string { return []string{"parakeet-v3-int8", "silero-vad"} }

func (c *fakeCatalog) IsDownloaded(modelID string) bool { return modelID == "parakeet-v3-int8" }

func newTestServer(t *testing.T, controller *fakeController, store *history.Store) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := NewHTTPServer(cfg.HTTP, logger, cfg, controller, &fakeEngine{},
		&fakeRecorder{}, &fakeCatalog{}, store, testMetrics)

	ts := httptest.NewServer(h.server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: expected 200, got %d", url, resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return body
}

func postStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil)

	body := getJSON(t, ts.URL+"/health")
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}

	components, ok := body["components"].(map[string]any)
	if !ok {
		t.Fatal("Expected components object")
	}
	engine := components["engine"].(map[string]any)
	if engine["loaded"] != true {
		t.Errorf("Expected engine loaded, got %v", engine["loaded"])
	}
}

func TestRecordingControlEndpoints(t *testing.T) {
	controller := &fakeController{startOK: true, stopOK: true, cancelOK: true}
	ts := newTestServer(t, controller, nil)

	if code := postStatus(t, ts.URL+"/recording/start"); code != http.StatusOK {
		t.Errorf("Expected 200 on start, got %d", code)
	}
	if !controller.recording {
		t.Error("Expected controller recording after start")
	}
	if code := postStatus(t, ts.URL+"/recording/stop"); code != http.StatusOK {
		t.Errorf("Expected 200 on stop, got %d", code)
	}
	if code := postStatus(t, ts.URL+"/recording/cancel"); code != http.StatusOK {
		t.Errorf("Expected 200 on cancel, got %d", code)
	}
}

func TestRecordingStartConflict(t *testing.T) {
	ts := newTestServer(t, &fakeController{startOK: false}, nil)

	if code := postStatus(t, ts.URL+"/recording/start"); code != http.StatusConflict {
		t.Errorf("Expected 409 when start is rejected, got %d", code)
	}
}

func TestRecordingControlRequiresPost(t *testing.T) {
	ts := newTestServer(t, &fakeController{startOK: true}, nil)

	resp, err := http.Get(ts.URL + "/recording/start")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", resp.StatusCode)
	}
}

func TestModelsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil)

	body := getJSON(t, ts.URL+"/models")
	models, ok := body["models"].([]any)
	if !ok || len(models) != 2 {
		t.Fatalf("Expected 2 models, got %v", body["models"])
	}

	first := models[0].(map[string]any)
	if first["id"] != "parakeet-v3-int8" || first["downloaded"] != true {
		t.Errorf("Unexpected model entry: %v", first)
	}
	if first["active"] != true {
		t.Errorf("Expected default model marked active, got %v", first)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := history.NewStore(filepath.Join(dir, "h.db"), filepath.Join(dir, "audio"), 16000, logger)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Save(nil, "hello", time.Now()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	ts := newTestServer(t, &fakeController{}, store)

	body := getJSON(t, ts.URL+"/history")
	if body["total"] != float64(1) {
		t.Errorf("Expected 1 entry, got %v", body["total"])
	}

	entries := body["entries"].([]any)
	id := entries[0].(map[string]any)["id"].(string)

	entry := getJSON(t, ts.URL+"/history/"+id)
	if entry["text"] != "hello" {
		t.Errorf("Expected entry text, got %v", entry["text"])
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/history/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 on delete, got %d", resp.StatusCode)
	}

	body = getJSON(t, ts.URL+"/history")
	if body["total"] != float64(0) {
		t.Errorf("Expected empty history after delete, got %v", body["total"])
	}
}

func TestHistoryDisabled(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil)

	resp, err := http.Get(ts.URL + "/history")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 with history disabled, got %d", resp.StatusCode)
	}
}

func TestConfigEndpointOmitsSecrets(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil)

	body := getJSON(t, ts.URL+"/config")
	post, ok := body["postprocess"].(map[string]any)
	if !ok {
		t.Fatal("Expected postprocess section")
	}
	if _, leaked := post["api_key"]; leaked {
		t.Error("Expected api key omitted from config endpoint")
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeController{recording: true}, nil)

	body := getJSON(t, ts.URL+"/stats")
	sched, ok := body["scheduler"].(map[string]any)
	if !ok {
		t.Fatal("Expected scheduler stats")
	}
	if sched["state"] != "recording" {
		t.Errorf("Expected recording state, got %v", sched["state"])
	}
}

func TestRootEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil)

	body := getJSON(t, ts.URL+"/")
	if body["service"] == "" {
		t.Error("Expected service name in API doc")
	}

	resp, err := http.Get(ts.URL + "/unknown")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", resp.StatusCode)
	}
}
