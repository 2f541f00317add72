// Package asr implements speech recognition over ONNX Runtime using
// the three-session Parakeet TDT layout: a mel feature preprocessor,
// an acoustic encoder and a combined decoder/joint network driven by
// greedy token-synchronous RNNT decoding.
//
// The Engine owns model lifecycle (single-flight loading, idle
// unloading) and enforces a wall clock transcription timeout. Audio
// longer than the chunk threshold is split into overlapping windows
// that are transcribed sequentially and merged on word overlap.
package asr
