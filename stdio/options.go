package stdio

import (
	"io"
	"log/slog"
)

// Option customizes a Transport.
type Option func(*Transport)

// WithIO sets the reader and writer for the transport.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(t *Transport) {
		WithReader(r)(t)
		WithWriter(w)(t)
	}
}

// WithReader overrides the input stream. If r is an io.Closer it is closed
// with the transport, which ends the read loop.
func WithReader(r io.Reader) Option {
	return func(t *Transport) {
		if r != nil {
			t.r = r
			if c, ok := r.(io.Closer); ok {
				t.closers = append(t.closers, c)
			}
		}
	}
}

// WithWriter overrides the output stream. If w is an io.Closer it is closed
// with the transport.
func WithWriter(w io.Writer) Option {
	return func(t *Transport) {
		if w != nil {
			t.w = w
			if c, ok := w.(io.Closer); ok {
				t.closers = append(t.closers, c)
			}
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.l = l
		}
	}
}

// WithMaxLineSize bounds a single inbound frame. Longer lines end the read
// loop.
func WithMaxLineSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLine = n
		}
	}
}
