// Package console serializes progress output from concurrent device workers
// so interleaved lines stay individually readable. A single goroutine drains
// a channel and writes; a worker is never blocked beyond enqueueing one line.
package console

import (
	"fmt"
	"io"
	"sync"
)

// ANSI color codes, cycled across devices.
const (
	colorReset   = "\033[0m"
	colorRed     = "\033[91m"
	colorGreen   = "\033[92m"
	colorYellow  = "\033[93m"
	colorBlue    = "\033[94m"
	colorMagenta = "\033[95m"
	colorCyan    = "\033[96m"
)

var deviceColors = []string{colorGreen, colorBlue, colorMagenta, colorCyan, colorYellow}

// Writer owns the output stream. Close must be called to flush pending
// lines.
type Writer struct {
	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	noColor bool
}

// NewWriter starts the drain goroutine writing to out.
func NewWriter(out io.Writer) *Writer {
	w := &Writer{
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for line := range w.lines {
			fmt.Fprintln(out, line)
		}
	}()
	return w
}

// NoColor disables ANSI colors for non-terminal output.
func (w *Writer) NoColor() *Writer {
	w.noColor = true
	return w
}

// Close stops accepting lines and waits until everything queued is written.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.lines)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) emit(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.lines <- line
}

// Printf writes an untagged line (orchestrator-level output).
func (w *Writer) Printf(format string, args ...any) {
	w.emit(fmt.Sprintf(format, args...))
}

// Alert writes an untagged line highlighted in red.
func (w *Writer) Alert(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !w.noColor {
		msg = colorRed + msg + colorReset
	}
	w.emit(msg)
}

// Device returns a handle that tags and colors every line with the device's
// identity. id is the 1-based position in the device list.
func (w *Writer) Device(id int, host string) *DeviceWriter {
	return &DeviceWriter{
		w:      w,
		prefix: fmt.Sprintf("[Miner %d] ", id),
		color:  deviceColors[(id-1+len(deviceColors))%len(deviceColors)],
		host:   host,
	}
}

// DeviceWriter is a per-device Progress sink. Safe for concurrent use.
type DeviceWriter struct {
	w      *Writer
	prefix string
	color  string
	host   string
}

// Printf writes one tagged, colored line.
func (d *DeviceWriter) Printf(format string, args ...any) {
	msg := d.prefix + fmt.Sprintf(format, args...)
	if !d.w.noColor {
		msg = d.color + msg + colorReset
	}
	d.w.emit(msg)
}
