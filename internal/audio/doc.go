// Package audio handles microphone capture, recording buffering,
// utterance segmentation, and WAV encoding. Capture runs through a
// pluggable backend (PortAudio in production) whose frame callback
// never blocks; recordings accumulate in a bounded buffer and are
// split into utterances at natural pauses using the sample clock.
package audio
