package engine

import (
	"github.com/ggoodman/mcp-client-go/mcp"
)

// rootSet is an insertion-ordered set of roots keyed by URI.
type rootSet struct {
	order []string
	byURI map[string]mcp.Root
}

func newRootSet() *rootSet {
	return &rootSet{byURI: make(map[string]mcp.Root)}
}

// add inserts or renames a root and reports whether the set changed.
func (s *rootSet) add(r mcp.Root) bool {
	cur, ok := s.byURI[r.URI]
	if ok && cur == r {
		return false
	}
	if !ok {
		s.order = append(s.order, r.URI)
	}
	s.byURI[r.URI] = r
	return true
}

func (s *rootSet) remove(uri string) bool {
	if _, ok := s.byURI[uri]; !ok {
		return false
	}
	delete(s.byURI, uri)
	for i, u := range s.order {
		if u == uri {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *rootSet) clear() bool {
	if len(s.order) == 0 {
		return false
	}
	s.order = nil
	s.byURI = make(map[string]mcp.Root)
	return true
}

func (s *rootSet) list() []mcp.Root {
	out := make([]mcp.Root, 0, len(s.order))
	for _, u := range s.order {
		out = append(out, s.byURI[u])
	}
	return out
}

// AddRoot adds a root, or renames it if the URI is already present. Adding
// the same root twice is a no-op. The returned slice is the resulting set.
func (e *Engine) AddRoot(r mcp.Root) []mcp.Root {
	return e.mutateRoots(func(s *rootSet) bool { return s.add(r) })
}

// RemoveRoot removes the root with uri. Removing an absent root is a no-op.
func (e *Engine) RemoveRoot(uri string) []mcp.Root {
	return e.mutateRoots(func(s *rootSet) bool { return s.remove(uri) })
}

func (e *Engine) ClearRoots() []mcp.Root {
	return e.mutateRoots(func(s *rootSet) bool { return s.clear() })
}

// SetRoots replaces the whole set, for example with roots loaded from
// storage.
func (e *Engine) SetRoots(roots []mcp.Root) []mcp.Root {
	return e.mutateRoots(func(s *rootSet) bool {
		next := newRootSet()
		for _, r := range roots {
			next.add(r)
		}
		changed := len(next.order) != len(s.order)
		if !changed {
			for i, u := range s.order {
				if next.order[i] != u || next.byURI[u] != s.byURI[u] {
					changed = true
					break
				}
			}
		}
		*s = *next
		return changed
	})
}

func (e *Engine) ListRoots() []mcp.Root {
	var out []mcp.Root
	e.exec(func() { out = e.roots.list() })
	return out
}

// mutateRoots applies fn on the loop and, when the set changed, tells an
// initialized server that the list changed if the client advertised that.
func (e *Engine) mutateRoots(fn func(*rootSet) bool) []mcp.Root {
	var out []mcp.Root
	e.exec(func() {
		if fn(e.roots) {
			e.rootsChanged()
		}
		out = e.roots.list()
	})
	return out
}

func (e *Engine) rootsChanged() {
	caps := e.hs.ClientCapabilities()
	if caps.Roots == nil || !caps.Roots.ListChanged {
		return
	}
	if e.hs.ServerCapabilities() == nil {
		return
	}
	e.notify(string(mcp.RootsListChangedNotificationMethod), nil)
}
