// Package sink delivers released transcriptions to the user, by
// default through the system clipboard with an optional completion
// cue.
package sink

import (
	"fmt"
	"log/slog"

	"github.com/atotto/clipboard"
	"github.com/gen2brain/beeep"
)

// Clipboard copies delivered text to the system clipboard and plays a
// short cue so the user knows the transcription landed.
type Clipboard struct {
	cueEnabled bool
	logger     *slog.Logger

	write func(text string) error
	cue   func() error
}

// NewClipboard creates the clipboard sink. cueEnabled controls the
// completion beep.
func NewClipboard(cueEnabled bool, logger *slog.Logger) *Clipboard {
	return &Clipboard{
		cueEnabled: cueEnabled,
		logger:     logger,
		write:      clipboard.WriteAll,
		cue: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
	}
}

// Deliver copies the text to the clipboard. The cue is best-effort; a
// cue failure never fails the delivery.
func (c *Clipboard) Deliver(text string) error {
	if text == "" {
		return fmt.Errorf("no text to deliver")
	}

	if err := c.write(text); err != nil {
		return fmt.Errorf("failed to copy text to clipboard: %w", err)
	}

	if c.cueEnabled {
		if err := c.cue(); err != nil {
			c.logger.Debug("Completion cue failed", "error", err)
		}
	}

	c.logger.Debug("Text delivered to clipboard", "chars", len(text))
	return nil
}
