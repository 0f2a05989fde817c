package executor

import (
	"bytes"
	"context"
	"strings"
)

type outputHandlerKey struct{}

// WithOutputHandler returns a context under which executors pass every line
// of command output to fn as it is produced.
func WithOutputHandler(ctx context.Context, fn func(line string)) context.Context {
	return context.WithValue(ctx, outputHandlerKey{}, fn)
}

func outputHandlerFrom(ctx context.Context, fallback func(string)) func(string) {
	if fn, ok := ctx.Value(outputHandlerKey{}).(func(string)); ok && fn != nil {
		return fn
	}
	return fallback
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= b.max {
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		b.truncated = true
		return n, nil
	}
	if over := len(b.buf) + n - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	if b.truncated {
		return "...(truncated)\n" + string(b.buf)
	}
	return string(b.buf)
}

// lineWriter splits written bytes into lines for a handler. Flush emits a
// final unterminated line.
type lineWriter struct {
	handle func(string)
	buf    bytes.Buffer
}

func newLineWriter(handle func(string)) *lineWriter {
	return &lineWriter{handle: handle}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	start := 0
	for i, c := range p {
		if c == '\n' {
			w.buf.Write(p[start:i])
			w.flushLine()
			start = i + 1
		}
	}
	if start < len(p) {
		w.buf.Write(p[start:])
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *lineWriter) Flush() {
	if w.buf.Len() > 0 {
		w.flushLine()
	}
}

func (w *lineWriter) flushLine() {
	line := strings.TrimRight(w.buf.String(), "\r")
	w.buf.Reset()
	if w.handle != nil {
		w.handle(line)
	}
}
