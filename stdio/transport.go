package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-client-go/mcp"
)

// DefaultMaxLineSize bounds a single inbound frame.
const DefaultMaxLineSize = 4 << 20

var (
	// ErrNotConnected is returned by Send before a command transport has
	// started its process.
	ErrNotConnected = errors.New("stdio: process not started")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("stdio: transport closed")
)

// Receiver accepts each inbound frame.
type Receiver = interface {
	Receive(ctx context.Context, data []byte) error
}

// Transport is a single-connection stdio transport. Outbound frames are
// written to w, one write per frame; inbound frames are read from r one line
// at a time.
type Transport struct {
	r       io.Reader
	w       io.Writer
	l       *slog.Logger
	maxLine int

	cmd     *exec.Cmd
	closers []io.Closer

	mu      sync.Mutex // serializes writes
	started atomic.Bool
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// New constructs a Transport over os.Stdin and os.Stdout, for a client that
// was itself spawned by its server.
func New(opts ...Option) *Transport {
	t := &Transport{
		r:       os.Stdin,
		w:       os.Stdout,
		l:       slog.Default(),
		maxLine: DefaultMaxLineSize,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewCommand constructs a Transport that speaks to cmd over its stdin and
// stdout. The process is launched by Start. Unless cmd.Stderr is set, the
// server's stderr is forwarded to the logger.
func NewCommand(cmd *exec.Cmd, opts ...Option) (*Transport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdio: stdout pipe: %w", err)
	}

	t := New(opts...)
	t.r = stdout
	t.w = stdin
	t.cmd = cmd
	t.closers = []io.Closer{stdin}
	if cmd.Stderr == nil {
		cmd.Stderr = &stderrLogger{l: t.l, name: cmd.Path}
	}
	return t, nil
}

// Start launches the process, if any, and the read loop. Each line is handed
// to r in arrival order. Start may be called once.
func (t *Transport) Start(ctx context.Context, r Receiver) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("stdio: already started")
	}
	if t.cmd != nil {
		if err := t.cmd.Start(); err != nil {
			return fmt.Errorf("stdio: start %s: %w", t.cmd.Path, err)
		}
		t.l.InfoContext(ctx, "stdio.process.start", slog.String("path", t.cmd.Path), slog.Int("pid", t.cmd.Process.Pid))
	}
	go t.readLoop(ctx, r)
	return nil
}

func (t *Transport) readLoop(ctx context.Context, r Receiver) {
	defer close(t.done)

	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 0, 64*1024), t.maxLine)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame := append(make([]byte, 0, len(line)+1), line...)
		frame = append(frame, '\n')
		if err := r.Receive(ctx, frame); err != nil {
			t.l.DebugContext(ctx, "stdio.receive.fail", slog.String("err", err.Error()))
		}
	}

	if err := scanner.Err(); err != nil && !t.closed.Load() {
		t.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
		return
	}
	t.l.InfoContext(ctx, "stdio.read.eof")
}

// Send writes one frame. The write is abandoned, not interrupted, if ctx ends
// first; later writes queue behind it.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.cmd != nil && !t.started.Load() {
		return ErrNotConnected
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(slices.Clip(data), '\n')
	}

	errs := make(chan error, 1)
	go func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		_, err := t.w.Write(data)
		errs <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("stdio: write: %w", err)
		}
		return nil
	}
}

// SupportedProtocolVersions reports every revision; stdio framing is the
// same for all of them.
func (t *Transport) SupportedProtocolVersions() []string {
	return slices.Clone(mcp.SupportedProtocolVersions)
}

// Done is closed when the read loop has stopped.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Close closes the server's stdin. A spawned process gets a grace period to
// exit on its own before it is killed.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		for _, c := range t.closers {
			if cErr := c.Close(); cErr != nil {
				err = errors.Join(err, cErr)
			}
		}
		if t.cmd == nil || t.cmd.Process == nil {
			return
		}

		waited := make(chan error, 1)
		go func() { waited <- t.cmd.Wait() }()
		select {
		case wErr := <-waited:
			t.logExit(wErr)
		case <-time.After(2 * time.Second):
			_ = t.cmd.Process.Kill()
			t.logExit(<-waited)
		}
	})
	return err
}

func (t *Transport) logExit(err error) {
	if err != nil {
		t.l.Warn("stdio.process.exit", slog.String("err", err.Error()))
		return
	}
	t.l.Info("stdio.process.exit")
}

// stderrLogger turns a server's stderr lines into log records.
type stderrLogger struct {
	l    *slog.Logger
	name string
	buf  []byte
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(s.buf[:i]); len(line) > 0 {
			s.l.Info("stdio.stderr", slog.String("path", s.name), slog.String("line", string(line)))
		}
		s.buf = s.buf[i+1:]
	}
	return len(p), nil
}
