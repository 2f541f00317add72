// Package history persists finished transcriptions to SQLite with the
// recorded audio stored as WAV files alongside.
package history
