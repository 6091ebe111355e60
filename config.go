package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-client-go/broker"
	memorybroker "github.com/ggoodman/mcp-client-go/broker/memory"
	redisbroker "github.com/ggoodman/mcp-client-go/broker/redis"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/storage"
	memorystorage "github.com/ggoodman/mcp-client-go/storage/memory"
	redisstorage "github.com/ggoodman/mcp-client-go/storage/redis"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config is the environment-driven client configuration. Defaults are
// provided via struct tags.
type Config struct {
	// ENV: MCP_CLIENT_NAME
	Name string `env:"MCP_CLIENT_NAME,default=mcp-client-go"`
	// ENV: MCP_CLIENT_VERSION
	Version string `env:"MCP_CLIENT_VERSION,default=dev"`
	// ENV: MCP_PROTOCOL_VERSION
	ProtocolVersion string `env:"MCP_PROTOCOL_VERSION,default=2025-06-18"`
	// ENV: MCP_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s"`
	// ENV: MCP_ROOTS_LIST_CHANGED
	RootsListChanged bool `env:"MCP_ROOTS_LIST_CHANGED,default=true"`
	// RedisAddr like "localhost:6379". When empty, roots are kept in an
	// in-process store. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// RootsTTL expires the persisted root set; zero keeps it indefinitely.
	// ENV: MCP_ROOTS_TTL
	RootsTTL time.Duration `env:"MCP_ROOTS_TTL"`
	// ENV: MCP_ROOTS_KEY_PREFIX
	RootsKeyPrefix string `env:"MCP_ROOTS_KEY_PREFIX,default=mcp:client:storage:"`
	// ENV: MCP_BROKER_KEY_PREFIX
	BrokerKeyPrefix string `env:"MCP_BROKER_KEY_PREFIX,default=mcp:client:broker:"`
}

// ConfigFromEnv populates a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("failed to decode client config: %w", err)
	}
	return cfg, nil
}

// Options translates cfg into client options. The returned store is owned by
// the caller and should be closed after the client.
func (cfg Config) Options(ctx context.Context) ([]Option, storage.Storage, error) {
	if !mcp.IsSupportedProtocolVersion(cfg.ProtocolVersion) {
		return nil, nil, fmt.Errorf("unsupported protocol version %q", cfg.ProtocolVersion)
	}

	var store storage.Storage
	if cfg.RedisAddr != "" {
		cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		rs, err := redisstorage.New(redisstorage.Config{Client: cl, KeyPrefix: cfg.RootsKeyPrefix})
		if err != nil {
			_ = cl.Close()
			return nil, nil, err
		}
		store = rs
	} else {
		ms, err := memorystorage.New(1024)
		if err != nil {
			return nil, nil, err
		}
		store = ms
	}

	caps := mcp.ClientCapabilities{Roots: &mcp.RootsCapability{ListChanged: cfg.RootsListChanged}}
	return []Option{
		WithClientInfo(mcp.ImplementationInfo{Name: cfg.Name, Version: cfg.Version}),
		WithCapabilities(caps),
		WithProtocolVersion(cfg.ProtocolVersion),
		WithDefaultTimeout(cfg.RequestTimeout),
		WithRootStore(store),
		WithRootsTTL(cfg.RootsTTL),
	}, store, nil
}

// Broker returns the message bus for brokertransport sessions: Redis Streams
// when RedisAddr is set, an in-process broker otherwise. The returned close
// function releases the connection.
func (cfg Config) Broker(ctx context.Context) (broker.Broker, func() error, error) {
	if cfg.RedisAddr == "" {
		return memorybroker.New(), func() error { return nil }, nil
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	b := redisbroker.New(redisbroker.Config{Client: cl, KeyPrefix: cfg.BrokerKeyPrefix})
	return b, b.Close, nil
}
