// Package fsroots keeps a client's root set in step with a directory: each
// immediate sub-directory is exposed as a file:// root, and roots come and go
// as sub-directories are created, removed or renamed.
package fsroots

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-client-go/mcp"
)

// RootSet is the root collection Watch maintains. *mcpclient.Client
// implements it.
type RootSet interface {
	AddRoot(ctx context.Context, r mcp.Root) ([]mcp.Root, error)
	RemoveRoot(ctx context.Context, uri string) ([]mcp.Root, error)
}

// Option customizes Watch.
type Option func(*watcher)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithHidden includes sub-directories whose names start with a dot.
func WithHidden() Option {
	return func(w *watcher) { w.hidden = true }
}

type watcher struct {
	dir    string
	target RootSet
	log    *slog.Logger
	hidden bool
	known  map[string]string // path -> uri
}

// URI returns the file:// URI for an absolute path.
func URI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// Watch adds every sub-directory of dir to target, then follows changes until
// ctx ends. It returns nil on cancellation.
func Watch(ctx context.Context, dir string, target RootSet, opts ...Option) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("fsroots: resolve %s: %w", dir, err)
	}
	w := &watcher{
		dir:    abs,
		target: target,
		log:    slog.Default(),
		known:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsroots: new watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	// Watch before scanning so nothing created in between is missed.
	if err := fw.Add(abs); err != nil {
		return fmt.Errorf("fsroots: watch %s: %w", abs, err)
	}
	if err := w.scan(ctx); err != nil {
		return err
	}
	w.log.InfoContext(ctx, "fsroots.watch.start", slog.String("dir", abs), slog.Int("roots", len(w.known)))

	for {
		select {
		case <-ctx.Done():
			w.log.InfoContext(ctx, "fsroots.watch.stop", slog.String("dir", abs))
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "fsroots.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (w *watcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("fsroots: read %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.add(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
	return nil
}

func (w *watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if filepath.Dir(ev.Name) != w.dir {
		return
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			w.add(ctx, ev.Name)
		}
	}
	// A rename reports the old name; the new name arrives as a Create.
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.remove(ctx, ev.Name)
	}
}

func (w *watcher) add(ctx context.Context, path string) {
	name := filepath.Base(path)
	if !w.hidden && strings.HasPrefix(name, ".") {
		return
	}
	if _, ok := w.known[path]; ok {
		return
	}
	uri := URI(path)
	if _, err := w.target.AddRoot(ctx, mcp.Root{URI: uri, Name: name}); err != nil {
		w.log.WarnContext(ctx, "fsroots.root.add.fail", slog.String("uri", uri), slog.String("err", err.Error()))
		return
	}
	w.known[path] = uri
	w.log.DebugContext(ctx, "fsroots.root.add", slog.String("uri", uri))
}

func (w *watcher) remove(ctx context.Context, path string) {
	uri, ok := w.known[path]
	if !ok {
		return
	}
	delete(w.known, path)
	if _, err := w.target.RemoveRoot(ctx, uri); err != nil {
		w.log.WarnContext(ctx, "fsroots.root.remove.fail", slog.String("uri", uri), slog.String("err", err.Error()))
		return
	}
	w.log.DebugContext(ctx, "fsroots.root.remove", slog.String("uri", uri))
}
