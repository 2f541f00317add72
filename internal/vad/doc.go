// Package vad provides Voice Activity Detection using the Silero VAD ONNX model.
// When the model or runtime is unavailable the gate falls back to an RMS
// energy threshold, so recording degrades gracefully instead of failing.
package vad
