// Package postprocess optionally rewrites transcriptions through an
// OpenAI-compatible chat completion API. Failures never block the
// pipeline; the caller falls back to the raw transcription.
package postprocess
