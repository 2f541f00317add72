package asr

import (
	"math"
	"testing"

	"github.com/afeding/whisper-cheap/internal/onnx"
)

func TestPadAudio(t *testing.T) {
	minLen := int(minAudioSeconds * SampleRate)

	short := make([]float32, SampleRate/2)
	short[100] = 0.5

	padded := PadAudio(short)
	if len(padded) != minLen {
		t.Errorf("Expected padded length %d, got %d", minLen, len(padded))
	}
	if padded[100] != 0.5 {
		t.Error("Expected original samples preserved at head")
	}
	if padded[len(padded)-1] != 0 {
		t.Error("Expected zero padding at tail")
	}

	long := make([]float32, 2*SampleRate)
	if got := PadAudio(long); len(got) != len(long) {
		t.Errorf("Expected long audio unchanged, got %d samples", len(got))
	}
}

func TestNormalizeAudio(t *testing.T) {
	// In-range audio must pass through untouched.
	inRange := []float32{0.5, -0.8, 0.3}
	got := NormalizeAudio(inRange)
	for i, v := range got {
		if v != inRange[i] {
			t.Errorf("Expected in-range audio unchanged at %d, got %f", i, v)
		}
	}

	// Clipped audio is scaled so the peak lands at 1.0.
	clipped := []float32{2.0, -4.0, 1.0}
	got = NormalizeAudio(clipped)
	if math.Abs(float64(got[1])+1.0) > 1e-6 {
		t.Errorf("Expected peak normalized to -1.0, got %f", got[1])
	}
	if math.Abs(float64(got[0])-0.5) > 1e-6 {
		t.Errorf("Expected 2.0 scaled to 0.5, got %f", got[0])
	}

	silence := make([]float32, 100)
	got = NormalizeAudio(silence)
	if len(got) != 100 {
		t.Errorf("Expected silence passed through, got %d samples", len(got))
	}
}

func TestPrepareInputWaveformFrontend(t *testing.T) {
	session := &fakeSession{
		inputs: []onnx.IOInfo{
			{Name: "waveforms", Shape: []int64{-1, -1}},
			{Name: "waveforms_lens", Shape: []int64{-1}},
		},
	}

	audio := make([]float32, 16000)
	feed, err := PrepareInput(session, audio)
	if err != nil {
		t.Fatalf("PrepareInput failed: %v", err)
	}

	wav, ok := feed["waveforms"]
	if !ok {
		t.Fatal("Expected waveforms in feed")
	}
	if wav.Shape[0] != 1 || wav.Shape[1] != 16000 {
		t.Errorf("Expected shape (1,16000), got %v", wav.Shape)
	}

	lens, ok := feed["waveforms_lens"]
	if !ok {
		t.Fatal("Expected waveforms_lens in feed")
	}
	if lens.DType != onnx.Int64 || lens.Int64s[0] != 16000 {
		t.Errorf("Expected int64 length 16000, got %v", lens)
	}
}

func TestPrepareInputAudioSignal(t *testing.T) {
	session := &fakeSession{
		inputs: []onnx.IOInfo{
			{Name: "audio_signal", Shape: []int64{-1, 1, -1}},
			{Name: "length", Shape: []int64{-1}},
		},
	}

	audio := make([]float32, 8000)
	feed, err := PrepareInput(session, audio)
	if err != nil {
		t.Fatalf("PrepareInput failed: %v", err)
	}

	sig := feed["audio_signal"]
	if len(sig.Shape) != 3 || sig.Shape[2] != 8000 {
		t.Errorf("Expected rank 3 shape ending in 8000, got %v", sig.Shape)
	}
	if _, ok := feed["length"]; !ok {
		t.Error("Expected length in feed")
	}
}

func TestPrepareInputMelFrontend(t *testing.T) {
	session := &fakeSession{
		inputs: []onnx.IOInfo{
			{Name: "input", Shape: []int64{-1, -1, 80}},
		},
	}

	audio := make([]float32, 16000)
	feed, err := PrepareInput(session, audio)
	if err != nil {
		t.Fatalf("PrepareInput failed: %v", err)
	}

	mel := feed["input"]
	if len(mel.Shape) != 3 || mel.Shape[2] != melBands {
		t.Errorf("Expected mel shape (1,T,%d), got %v", melBands, mel.Shape)
	}
	if int(mel.Shape[1])*melBands != len(mel.Floats) {
		t.Errorf("Expected %d mel values, got %d", mel.Shape[1]*melBands, len(mel.Floats))
	}
}

func TestPrepareInputNoInputs(t *testing.T) {
	session := &fakeSession{}
	if _, err := PrepareInput(session, make([]float32, 100)); err == nil {
		t.Error("Expected error for session with no inputs")
	}
}

func TestLogMelShape(t *testing.T) {
	audio := make([]float32, SampleRate) // 1 second
	for i := range audio {
		audio[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / SampleRate))
	}

	mel, frames := LogMel(audio)

	// Centered STFT: 1 + N/hop frames.
	expectedFrames := 1 + SampleRate/melHopLength
	if frames != expectedFrames {
		t.Errorf("Expected %d frames, got %d", expectedFrames, frames)
	}
	if len(mel) != frames*melBands {
		t.Errorf("Expected %d values, got %d", frames*melBands, len(mel))
	}

	// power_to_db with ref=max: values sit in [-topDB, 0].
	for i, v := range mel {
		if v > 0.001 || v < -melTopDB-0.001 {
			t.Fatalf("Mel value %d out of range: %f", i, v)
		}
	}
}

func TestLogMelTonePeaksNearToneBand(t *testing.T) {
	// A pure 1 kHz tone should put its loudest mel band well below
	// the top of the filterbank and the quietest bands near the floor.
	audio := make([]float32, SampleRate)
	for i := range audio {
		audio[i] = float32(0.8 * math.Sin(2*math.Pi*1000*float64(i)/SampleRate))
	}

	mel, frames := LogMel(audio)

	// Inspect a frame away from the edges.
	frame := mel[(frames/2)*melBands : (frames/2+1)*melBands]
	best := 0
	for b, v := range frame {
		if v > frame[best] {
			best = b
		}
	}
	if best == 0 || best == melBands-1 {
		t.Errorf("Expected tone energy in an interior band, got band %d", best)
	}
}
