package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	Addr     string
	DB       int
	Password string
	// KeyPrefix namespaces all keys. Defaults to "masc:".
	KeyPrefix string
	Codec     Codec
}

// RedisBackend stores values in Redis. Locks are SETNX records with a
// server-side TTL; pub/sub uses native Redis channels.
type RedisBackend struct {
	rdb    *redis.Client
	codec  Codec
	prefix string
}

// releaseLockScript deletes a lock only when held by the given owner.
var releaseLockScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.owner ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
return 1
`)

// refreshLockScript rewrites a lock record only when held by the given owner.
var refreshLockScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.owner ~= ARGV[1] then return 0 end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "masc:"
	}
	codec := opts.Codec
	if codec == nil {
		codec = IdentityCodec{}
	}
	return &RedisBackend{rdb: rdb, codec: codec, prefix: prefix}, nil
}

func (b *RedisBackend) kvKey(key string) string   { return b.prefix + "kv:" + key }
func (b *RedisBackend) lockKey(key string) string { return b.prefix + "lock:" + key }
func (b *RedisBackend) chName(ch string) string   { return b.prefix + "ch:" + ch }

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	data, err := b.rdb.Get(ctx, b.kvKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	plain, err := b.codec.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return plain, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	stored, err := b.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := b.rdb.Set(ctx, b.kvKey(key), stored, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := b.rdb.Del(ctx, b.kvKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	match := b.kvKey(prefix) + "*"
	iter := b.rdb.Scan(ctx, 0, match, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), b.prefix+"kv:"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *RedisBackend) AcquireLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	now := time.Now().UTC()
	rec := LockRecord{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	lk := b.lockKey(key)
	ok, err := b.rdb.SetNX(ctx, lk, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	// Same owner re-acquiring extends the TTL.
	n, err := refreshLockScript.Run(ctx, b.rdb, []string{lk}, owner, data, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis refresh lock %s: %w", key, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseLockScript.Run(ctx, b.rdb, []string{b.lockKey(key)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("redis release lock %s: %w", key, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) LockOwner(ctx context.Context, key string) (string, bool, error) {
	data, err := b.rdb.Get(ctx, b.lockKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get lock %s: %w", key, err)
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", false, nil
	}
	// The server TTL is authoritative, but the record carries its own expiry
	// for backends without one.
	if rec.Expired(time.Now().UTC()) {
		return "", false, nil
	}
	return rec.Owner, true, nil
}

func (b *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, b.chName(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ps := b.rdb.Subscribe(ctx, b.chName(channel))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	var once sync.Once
	cancel := func() { once.Do(func() { ps.Close() }) }

	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					cancel()
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// CleanupPubSub is a no-op: Redis channels are fire-and-forget, nothing is
// spooled.
func (b *RedisBackend) CleanupPubSub(context.Context, time.Duration, int) (int, error) {
	return 0, nil
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
