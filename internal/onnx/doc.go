// Package onnx wraps ONNX Runtime session management behind small
// interfaces so the inference pipeline can be exercised with fake
// sessions in tests. It handles environment initialization, execution
// provider selection with CPU fallback, and tensor conversion.
package onnx
