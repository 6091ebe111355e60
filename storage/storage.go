// Package storage provides namespaced key/value persistence for client state
// that should outlive a single connection, such as the set of roots a client
// exposes to servers.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage defines the primary interface for namespaced data storage
type Storage interface {
	// Get retrieves data for a specific key within the given namespace
	// Returns nil StorageItem if key doesn't exist or has expired
	// Returns error only for legitimate storage system failures
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data for a specific key within the given namespace
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace
	// If no key specified via WithKey, removes entire namespace
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the storage backend and releases resources
	Close() error
}

// StorageItem represents a stored piece of data with metadata
type StorageItem struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired checks if the item has expired
func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace Namespace // nil = global
	Key       *string   // for Delete
	TTL       *time.Duration
}

// Parse applies opts to a fresh Options value.
func Parse(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Validate reports ErrInvalidOptions for combinations no backend supports.
func (o *Options) Validate() error {
	if o.TTL != nil && *o.TTL <= 0 {
		return ErrInvalidOptions
	}
	switch ns := o.Namespace.(type) {
	case ClientNamespace:
		if ns.Client == "" {
			return ErrInvalidOptions
		}
	case SessionNamespace:
		if ns.Client == "" || ns.SessionID == "" {
			return ErrInvalidOptions
		}
	}
	return nil
}

// Namespace scopes keys. A nil Namespace is the global namespace.
type Namespace interface {
	namespace()
}

// ClientNamespace holds data shared by every connection of one named client.
type ClientNamespace struct {
	Client string
}

func (ClientNamespace) namespace() {}

// SessionNamespace holds data tied to one server session of a client.
type SessionNamespace struct {
	Client    string
	SessionID string
}

func (SessionNamespace) namespace() {}

// WithClient specifies the client-level namespace
func WithClient(name string) Option {
	return func(opts *Options) {
		opts.Namespace = ClientNamespace{Client: name}
	}
}

// WithClientSession specifies the session-level namespace
func WithClientSession(name, sessionID string) Option {
	return func(opts *Options) {
		opts.Namespace = SessionNamespace{Client: name, SessionID: sessionID}
	}
}

// WithKey specifies a specific key for Delete operations
// If not provided, Delete removes the entire namespace
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

var (
	// ErrInvalidOptions is returned when incompatible options are provided
	ErrInvalidOptions = errors.New("storage: invalid option combination")
)
