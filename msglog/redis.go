package msglog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BackendRedis is the registry name of the Redis Streams backend.
const BackendRedis = "redis-streams"

func init() {
	if err := Register(BackendRedis, func(cfg map[string]any) (Log, error) {
		return NewRedisStream(RedisConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("msglog: failed to register redis backend: %w", err))
	}
}

// Stream field names.
const (
	fieldTs      = "ts"
	fieldTopic   = "topic"
	fieldType    = "type"
	fieldPayload = "payload" // raw bytes, no base64
)

// RedisConfig controls the Redis Streams log backend.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// StreamPrefix is prepended to the log name passed to Open to form the
	// stream key.
	StreamPrefix string
	// MaxLenApprox trims the stream to roughly this many entries. Zero
	// disables trimming.
	MaxLenApprox int64
	// OpTimeout bounds each Redis command issued by the log.
	OpTimeout time.Duration
}

// RedisDefaults returns a RedisConfig with production-safe defaults.
func RedisDefaults() RedisConfig {
	return RedisConfig{
		Addr:         "127.0.0.1:6379",
		StreamPrefix: "xtransport:log:",
		OpTimeout:    5 * time.Second,
	}
}

// Validate checks the RedisConfig for usable values.
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("msglog redis config: addr required")
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("msglog redis config: op_timeout must be > 0, got %v", c.OpTimeout)
	}
	return nil
}

// RedisConfigFromMap safely converts a generic config map into a RedisConfig
// with defaults.
func RedisConfigFromMap(m map[string]any) RedisConfig {
	c := RedisDefaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["stream_prefix"].(string); ok && v != "" {
		c.StreamPrefix = v
	}
	switch v := m["max_len_approx"].(type) {
	case int:
		c.MaxLenApprox = int64(v)
	case int64:
		c.MaxLenApprox = v
	case float64:
		c.MaxLenApprox = int64(v)
	}
	switch v := m["op_timeout"].(type) {
	case time.Duration:
		if v > 0 {
			c.OpTimeout = v
		}
	case string:
		if p, err := time.ParseDuration(v); err == nil && p > 0 {
			c.OpTimeout = p
		}
	}

	return c
}

// RedisStream is a Log that appends every message to a Redis stream, one
// stream per log name.
type RedisStream struct {
	cfg RedisConfig

	mu     sync.Mutex
	client *redis.Client
	stream string
	closed bool
}

var _ Log = (*RedisStream)(nil)

// NewRedisStream returns an unopened Redis Streams log.
func NewRedisStream(cfg RedisConfig) *RedisStream {
	return &RedisStream{cfg: cfg}
}

// Open connects to Redis and binds the log to the stream named after path.
func (l *RedisStream) Open(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.client != nil {
		return fmt.Errorf("msglog: log already open")
	}
	if err := l.cfg.Validate(); err != nil {
		return err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     l.cfg.Addr,
		Username: l.cfg.Username,
		Password: l.cfg.Password,
		DB:       l.cfg.DB,
	})
	if err := ping(client, l.cfg.OpTimeout); err != nil {
		_ = client.Close()
		return err
	}

	l.client = client
	l.stream = l.cfg.StreamPrefix + path
	return nil
}

// InsertMessage appends one entry to the stream.
func (l *RedisStream) InsertMessage(tsUTC int64, topic, msgType string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.client == nil {
		return ErrNotOpen
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.OpTimeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: l.stream,
		ID:     "*",
		Values: map[string]any{
			fieldTs:      tsUTC,
			fieldTopic:   topic,
			fieldType:    msgType,
			fieldPayload: data,
		},
	}
	if l.cfg.MaxLenApprox > 0 {
		args.MaxLen = l.cfg.MaxLenApprox
		args.Approx = true
	}

	if err := l.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("msglog: xadd %s: %w", l.stream, err)
	}
	return nil
}

// Close releases the Redis connection. Idempotent.
func (l *RedisStream) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client = nil
	return err
}

func ping(c *redis.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("msglog: redis ping timeout: %w", err)
		}
		return fmt.Errorf("msglog: redis ping: %w", err)
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("msglog: unexpected redis ping result: %s", res)
	}
	return nil
}
