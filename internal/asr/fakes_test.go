package asr

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/afeding/whisper-cheap/internal/onnx"
)

// fakeSession scripts an onnx.Session for tests.
type fakeSession struct {
	inputs  []onnx.IOInfo
	outputs []onnx.IOInfo
	run     func(inputs map[string]onnx.Value) ([]onnx.Value, error)
	closed  bool
}

func (s *fakeSession) Inputs() []onnx.IOInfo  { return s.inputs }
func (s *fakeSession) Outputs() []onnx.IOInfo { return s.outputs }

func (s *fakeSession) Run(inputs map[string]onnx.Value) ([]onnx.Value, error) {
	if s.closed {
		return nil, fmt.Errorf("session used after close")
	}
	return s.run(inputs)
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
