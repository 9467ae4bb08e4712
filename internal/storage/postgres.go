package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOptions configures a PostgresBackend.
type PostgresOptions struct {
	DSN      string
	MaxConns int32
	MinConns int32
	Codec    Codec
}

// PostgresBackend stores values in a masc_kv table and locks in masc_locks.
// Pub/sub rides on LISTEN/NOTIFY with a dedicated connection per subscriber.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	codec Codec
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS masc_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS masc_locks (
	key         TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
`

// NewPostgresBackend connects to Postgres, verifies the connection and
// ensures the schema exists.
func NewPostgresBackend(ctx context.Context, opts PostgresOptions) (*PostgresBackend, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}

	codec := opts.Codec
	if codec == nil {
		codec = IdentityCodec{}
	}
	return &PostgresBackend{pool: pool, codec: codec}, nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	var data []byte
	err := b.pool.QueryRow(ctx, `SELECT value FROM masc_kv WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres get %s: %w", key, err)
	}
	plain, err := b.codec.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return plain, true, nil
}

func (b *PostgresBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	stored, err := b.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO masc_kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, stored)
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, `DELETE FROM masc_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

func (b *PostgresBackend) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT key FROM masc_kv WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres list scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres list rows: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *PostgresBackend) AcquireLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	now := time.Now().UTC()
	var got string
	err := b.pool.QueryRow(ctx, `
		INSERT INTO masc_locks (key, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE masc_locks.expires_at <= now() OR masc_locks.owner = EXCLUDED.owner
		RETURNING owner
	`, key, owner, now, now.Add(ttl)).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres acquire lock %s: %w", key, err)
	}
	return true, nil
}

func (b *PostgresBackend) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM masc_locks WHERE key = $1 AND owner = $2 AND expires_at > now()
	`, key, owner)
	if err != nil {
		return false, fmt.Errorf("postgres release lock %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *PostgresBackend) LockOwner(ctx context.Context, key string) (string, bool, error) {
	var owner string
	err := b.pool.QueryRow(ctx, `
		SELECT owner FROM masc_locks WHERE key = $1 AND expires_at > now()
	`, key).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres lock owner %s: %w", key, err)
	}
	return owner, true, nil
}

// pgChannelIdent maps a channel name onto a valid NOTIFY identifier. A hash
// suffix disambiguates names that only differ in stripped characters.
func pgChannelIdent(channel string) string {
	var sb strings.Builder
	clean := true
	for _, r := range strings.ToLower(channel) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
			clean = false
		}
	}
	ident := "masc_" + sb.String()
	if len(ident) > 48 {
		ident = ident[:48]
		clean = false
	}
	if !clean {
		sum := sha1.Sum([]byte(channel))
		ident += "_" + hex.EncodeToString(sum[:4])
	}
	return ident
}

// Publish sends via pg_notify. Payloads are capped by Postgres at 8000 bytes,
// which fits the event envelopes published here.
func (b *PostgresBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannelIdent(channel), string(payload))
	if err != nil {
		return fmt.Errorf("postgres publish %s: %w", channel, err)
	}
	return nil
}

func (b *PostgresBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pc, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	// The connection blocks in WaitForNotification for the life of the
	// subscription, so take it out of the pool.
	conn := pc.Hijack()

	ident := pgChannelIdent(channel)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ident}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	subCtx, subCancel := context.WithCancel(ctx)
	out := make(chan []byte, 64)
	var once sync.Once
	cancel := func() { once.Do(subCancel) }

	go func() {
		defer close(out)
		defer conn.Close(context.Background())
		for {
			n, err := conn.WaitForNotification(subCtx)
			if err != nil {
				return
			}
			select {
			case out <- []byte(n.Payload):
			case <-subCtx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// CleanupPubSub is a no-op: NOTIFY delivery is transient.
func (b *PostgresBackend) CleanupPubSub(context.Context, time.Duration, int) (int, error) {
	return 0, nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
