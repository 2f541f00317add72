package sink

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClipboardDeliver(t *testing.T) {
	var written string
	cued := false

	c := NewClipboard(true, testLogger())
	c.write = func(text string) error {
		written = text
		return nil
	}
	c.cue = func() error {
		cued = true
		return nil
	}

	if err := c.Deliver("hello world"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if written != "hello world" {
		t.Errorf("Expected text written to clipboard, got %q", written)
	}
	if !cued {
		t.Error("Expected completion cue")
	}
}

func TestClipboardDeliverEmptyText(t *testing.T) {
	c := NewClipboard(false, testLogger())
	c.write = func(string) error { return nil }

	if err := c.Deliver(""); err == nil {
		t.Error("Expected error for empty text")
	}
}

func TestClipboardWriteFailure(t *testing.T) {
	c := NewClipboard(false, testLogger())
	c.write = func(string) error { return errors.New("no display") }

	if err := c.Deliver("text"); err == nil {
		t.Error("Expected clipboard failure surfaced")
	}
}

func TestClipboardCueFailureIgnored(t *testing.T) {
	c := NewClipboard(true, testLogger())
	c.write = func(string) error { return nil }
	c.cue = func() error { return errors.New("no audio device") }

	if err := c.Deliver("text"); err != nil {
		t.Errorf("Expected cue failure ignored, got %v", err)
	}
}

func TestClipboardCueDisabled(t *testing.T) {
	cued := false
	c := NewClipboard(false, testLogger())
	c.write = func(string) error { return nil }
	c.cue = func() error {
		cued = true
		return nil
	}

	if err := c.Deliver("text"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if cued {
		t.Error("Expected no cue when disabled")
	}
}
