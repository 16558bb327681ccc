package valkey

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AzielCF/az-wap-connector/core/config"
	valkeylib "github.com/valkey-io/valkey-go"
)

const (
	// DefaultConnectTimeout is the maximum time to wait for initial connection
	DefaultConnectTimeout = 5 * time.Second

	// releaseLockScript deletes the key only when it still holds our token.
	releaseLockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	// extendLockScript resets the ttl (ms) only when the key still holds our token.
	extendLockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
)

// Config holds the configuration for creating a Valkey client
type Config struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration
}

// ConfigFrom extracts the Valkey settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Address:   cfg.Database.ValkeyAddress,
		Password:  cfg.Database.ValkeyPassword,
		DB:        cfg.Database.ValkeyDB,
		KeyPrefix: cfg.Database.ValkeyKeyPrefix,
	}
}

// Client wraps valkey-go with key prefixing. Create it with NewClient and pass it
// as a dependency; the caller owns Close.
type Client struct {
	inner     valkeylib.Client
	keyPrefix string
}

// NewClient connects and pings. It fails if the server does not answer within the timeout.
func NewClient(cfg Config) (*Client, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("failed to ping valkey (timeout: %v): %w", timeout, err)
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &Client{
		inner:     inner,
		keyPrefix: prefix,
	}, nil
}

func (c *Client) Inner() valkeylib.Client {
	return c.inner
}

func (c *Client) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// Key joins parts under the configured prefix.
// Example: Key("lock", "conn-1") -> "azwap:lock:conn-1"
func (c *Client) Key(parts ...string) string {
	if len(parts) == 0 {
		return strings.TrimSuffix(c.keyPrefix, ":")
	}
	return c.keyPrefix + strings.Join(parts, ":")
}

func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Do(ctx, c.inner.B().Ping().Build()).Error()
}

// SetNX stores value under key only if absent. It reports whether the key was set.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cmd := c.inner.B().Set().Key(key).Value(value).Nx().Ex(ttl).Build()
	err := c.inner.Do(ctx, cmd).Error()
	if err == nil {
		return true, nil
	}
	if IsNil(err) {
		return false, nil
	}
	return false, err
}

// ReleaseIfOwner deletes key only when it still holds token.
func (c *Client) ReleaseIfOwner(ctx context.Context, key, token string) error {
	cmd := c.inner.B().Eval().
		Script(releaseLockScript).
		Numkeys(1).
		Key(key).
		Arg(token).
		Build()
	return c.inner.Do(ctx, cmd).Error()
}

// ExtendIfOwner pushes the expiry of key to ttl from now when it still holds
// token. It reports false when the lock was lost.
func (c *Client) ExtendIfOwner(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	cmd := c.inner.B().Eval().
		Script(extendLockScript).
		Numkeys(1).
		Key(key).
		Arg(token, strconv.FormatInt(ttl.Milliseconds(), 10)).
		Build()
	n, err := c.inner.Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Publish sends a message on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.inner.Do(ctx, c.inner.B().Publish().Channel(channel).Message(message).Build()).Error()
}

// IsNil checks if an error returned by the client represents a Valkey NIL response.
func IsNil(err error) bool {
	return valkeylib.IsValkeyNil(err)
}
