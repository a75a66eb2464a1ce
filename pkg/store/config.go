package store

import "time"

// Option configures a Store implementation.
type Option func(*Config)

// Config holds settings shared by the Redis and memory stores.
type Config struct {
	Prefix        string
	PoolSize      int
	PoolTimeout   time.Duration
	MinIdleConns  int
	DialTimeout   time.Duration
	WatchInterval time.Duration
}

func defaultConfig() *Config {
	return &Config{
		PoolSize:      10,
		PoolTimeout:   30 * time.Second,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		WatchInterval: 500 * time.Millisecond,
	}
}

// WithPrefix namespaces every key as "<prefix>:<key>".
func WithPrefix(prefix string) Option {
	return func(c *Config) {
		c.Prefix = prefix
	}
}

// WithPool sets connection pool settings.
func WithPool(poolSize, minIdleConns int, timeout time.Duration) Option {
	return func(c *Config) {
		c.PoolSize = poolSize
		c.MinIdleConns = minIdleConns
		c.PoolTimeout = timeout
	}
}

// WithDialTimeout bounds the initial connection check.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DialTimeout = d
	}
}

// WithWatchInterval sets the polling period used by Watch.
func WithWatchInterval(d time.Duration) Option {
	return func(c *Config) {
		c.WatchInterval = d
	}
}

func wrapKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
