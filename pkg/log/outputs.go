package log

import (
	"io"
	"os"
	"sync"
)

// ConsoleOutput writes formatted entries to stderr.
type ConsoleOutput struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleOutput creates an Output that writes to stderr.
func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{w: os.Stderr}
}

func (c *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.w
	if w == nil {
		w = os.Stderr
	}
	_, err := w.Write(formatted)
	return err
}

func (c *ConsoleOutput) Close() error { return nil }

// NullOutput discards everything; useful for tests.
type NullOutput struct{}

func (NullOutput) Write(*Entry, []byte) error { return nil }
func (NullOutput) Close() error               { return nil }

// WriterOutput writes formatted entries to an arbitrary io.Writer.
type WriterOutput struct {
	mu sync.Mutex
	W  io.Writer
}

// NewWriterOutput creates an Output that writes to w.
func NewWriterOutput(w io.Writer) *WriterOutput { return &WriterOutput{W: w} }

func (o *WriterOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.W.Write(formatted)
	return err
}

func (o *WriterOutput) Close() error { return nil }
