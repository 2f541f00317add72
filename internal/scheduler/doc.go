// Package scheduler coordinates recording lifecycles. A two-state
// machine (idle/recording) guards start/stop/cancel with debounce and
// binding checks, a single worker goroutine transcribes stopped
// recordings sequentially, and completed results are released to the
// sink strictly in the order the recordings were made, regardless of
// how long each one took to transcribe.
package scheduler
