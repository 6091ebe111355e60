package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/storage"
)

// AddRoot adds or renames a root and returns the resulting set. Adding an
// identical root is a no-op and sends no notification.
func (c *Client) AddRoot(ctx context.Context, r mcp.Root) ([]mcp.Root, error) {
	return c.persistRoots(ctx, c.eng.AddRoot(r))
}

// RemoveRoot removes the root with the given URI, if present.
func (c *Client) RemoveRoot(ctx context.Context, uri string) ([]mcp.Root, error) {
	return c.persistRoots(ctx, c.eng.RemoveRoot(uri))
}

// ClearRoots removes every root and drops the persisted set.
func (c *Client) ClearRoots(ctx context.Context) error {
	c.eng.ClearRoots()
	if c.store == nil {
		return nil
	}
	if err := c.store.Delete(ctx, c.rootsNamespace(), storage.WithKey(rootsKey)); err != nil {
		return fmt.Errorf("failed to clear persisted roots: %w", err)
	}
	return nil
}

// ListRoots returns the current root set in insertion order.
func (c *Client) ListRoots() []mcp.Root {
	return c.eng.ListRoots()
}

func (c *Client) persistRoots(ctx context.Context, roots []mcp.Root) ([]mcp.Root, error) {
	if c.store == nil {
		return roots, nil
	}
	b, err := json.Marshal(roots)
	if err != nil {
		return roots, fmt.Errorf("failed to encode roots: %w", err)
	}
	opts := []storage.Option{c.rootsNamespace()}
	if c.rootsTTL > 0 {
		opts = append(opts, storage.WithTTL(c.rootsTTL))
	}
	if err := c.store.Set(ctx, rootsKey, b, opts...); err != nil {
		return roots, fmt.Errorf("failed to persist roots: %w", err)
	}
	return roots, nil
}

func (c *Client) loadRoots(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	item, err := c.store.Get(ctx, rootsKey, c.rootsNamespace())
	if err != nil {
		return fmt.Errorf("failed to load roots: %w", err)
	}
	if item == nil {
		return nil
	}
	var roots []mcp.Root
	if err := json.Unmarshal(item.Data, &roots); err != nil {
		return fmt.Errorf("failed to decode roots: %w", err)
	}
	c.eng.SetRoots(roots)
	return nil
}

// rootsNamespace scopes the persisted set to the client name, or to one
// session of it when WithRootSession was given.
func (c *Client) rootsNamespace() storage.Option {
	if c.rootsSession != "" {
		return storage.WithClientSession(c.info.Name, c.rootsSession)
	}
	return storage.WithClient(c.info.Name)
}
