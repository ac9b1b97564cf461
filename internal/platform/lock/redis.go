package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLocker shares locks between processes through Redis SET NX PX.
// A lock held longer than TTL expires, so TTL must exceed the longest
// operation it guards.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
	onLost    func(key string)
}

type RedisOption func(*RedisLocker)

func WithKeyPrefix(p string) RedisOption { return func(l *RedisLocker) { l.keyPrefix = p } }

func WithRetryInterval(d time.Duration) RedisOption { return func(l *RedisLocker) { l.retry = d } }

// WithLostHandler is called when a release finds the lock already gone.
func WithLostHandler(fn func(key string)) RedisOption { return func(l *RedisLocker) { l.onLost = fn } }

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:    client,
		keyPrefix: "revcycle:lock",
		ttl:       ttl,
		retry:     25 * time.Millisecond,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) key(k string) string { return l.keyPrefix + ":" + k }

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (l *RedisLocker) lockOne(ctx context.Context, key, token string) error {
	t := time.NewTicker(l.retry)
	defer t.Stop()
	for {
		ok, err := l.client.SetNX(ctx, l.key(key), token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *RedisLocker) unlockOne(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, token).Int()
	if (err != nil || n == 0) && l.onLost != nil {
		l.onLost(key)
	}
}

// Lock acquires every key with one token, retrying until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	var held []string
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlockOne(held[i], token)
		}
	}
	for _, key := range keys {
		if err := l.lockOne(ctx, key, token); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}
