// Package postgreskv implements kv.Store on a single PostgreSQL table using
// github.com/lib/pq. It suits deployments where execution contexts already
// share a database and no Redis is available.
package postgreskv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/m1ndvortex/tabsync/kv"
)

const (
	defaultTableName = "tabsync_kv"
	operationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Config configures the Postgres store.
type Config struct {
	// DSN is a lib/pq connection string.
	DSN string
	// Table overrides the table name. Default: "tabsync_kv".
	Table string
	// MaxBytes is an advisory quota enforced on Set. Zero = unbounded.
	MaxBytes int64
}

// Store implements kv.Store on PostgreSQL.
type Store struct {
	dsn      string
	table    string
	maxBytes int64
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// New validates cfg. The connection and table are created lazily on first
// use.
func New(cfg Config) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgreskv: dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTableName
	}
	return &Store{dsn: dsn, table: table, maxBytes: cfg.MaxBytes, openDB: sql.Open}, nil
}

// Ping forces initialization and checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context, key string) (*kv.Item, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT value, created_at, expires_at FROM %s WHERE k = $1`, quoteIdentifier(s.table))
	var (
		it  kv.Item
		exp sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&it.Value, &it.CreatedAt, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgreskv: get %s: %w", key, err)
	}
	if exp.Valid {
		t := exp.Time
		it.ExpiresAt = &t
	}
	if it.IsExpired(time.Now()) {
		_ = s.Delete(ctx, key)
		return nil, nil
	}
	return &it, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, opts ...kv.Option) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if err := s.checkQuota(ctx, key, int64(len(value))); err != nil {
		return err
	}
	exp := expiry(kv.ApplyOptions(opts...))
	query := fmt.Sprintf(`
		INSERT INTO %s (k, value, created_at, expires_at)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (k)
		DO UPDATE SET value = EXCLUDED.value, created_at = NOW(), expires_at = EXCLUDED.expires_at`, quoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, query, key, nonNil(value), exp); err != nil {
		return fmt.Errorf("postgreskv: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE k = $1`, quoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("postgreskv: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT k FROM %s
		WHERE left(k, char_length($1)) = $1 AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY k`, quoteIdentifier(s.table))
	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgreskv: keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// CompareAndSwap implements kv.CompareAndSwapper with a conditional write.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new []byte, opts ...kv.Option) (bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	exp := expiry(kv.ApplyOptions(opts...))
	var (
		res sql.Result
		err error
	)
	if old == nil {
		// Expired rows count as absent.
		query := fmt.Sprintf(`
			INSERT INTO %s (k, value, created_at, expires_at)
			VALUES ($1, $2, NOW(), $3)
			ON CONFLICT (k) DO UPDATE SET value = EXCLUDED.value, created_at = NOW(), expires_at = EXCLUDED.expires_at
			WHERE %s.expires_at IS NOT NULL AND %s.expires_at <= NOW()`,
			quoteIdentifier(s.table), quoteIdentifier(s.table), quoteIdentifier(s.table))
		res, err = s.db.ExecContext(ctx, query, key, nonNil(new), exp)
	} else {
		query := fmt.Sprintf(`
			UPDATE %s SET value = $2, created_at = NOW(), expires_at = $3
			WHERE k = $1 AND value = $4 AND (expires_at IS NULL OR expires_at > NOW())`, quoteIdentifier(s.table))
		res, err = s.db.ExecContext(ctx, query, key, nonNil(new), exp, old)
	}
	if err != nil {
		return false, fmt.Errorf("postgreskv: compare-and-swap %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Usage implements kv.Sizer.
func (s *Store) Usage(ctx context.Context) (kv.Usage, error) {
	if err := s.ensureReady(); err != nil {
		return kv.Usage{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(octet_length(k) + octet_length(value)), 0) FROM %s`, quoteIdentifier(s.table))
	u := kv.Usage{CapacityBytes: s.maxBytes}
	if err := s.db.QueryRowContext(ctx, query).Scan(&u.Keys, &u.UsedBytes); err != nil {
		return kv.Usage{}, fmt.Errorf("postgreskv: usage: %w", err)
	}
	return u, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) checkQuota(ctx context.Context, key string, size int64) error {
	if s.maxBytes <= 0 {
		return nil
	}
	u, err := s.Usage(ctx)
	if err != nil {
		return err
	}
	if u.UsedBytes+size+int64(len(key)) > s.maxBytes {
		return kv.ErrQuotaExceeded
	}
	return nil
}

func (s *Store) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				k TEXT PRIMARY KEY,
				value BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				expires_at TIMESTAMPTZ NULL
			)`, quoteIdentifier(s.table))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func expiry(o kv.Options) any {
	if o.TTL == nil {
		return nil
	}
	return time.Now().Add(*o.TTL)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Compile-time interface checks
var (
	_ kv.Store             = (*Store)(nil)
	_ kv.Sizer             = (*Store)(nil)
	_ kv.CompareAndSwapper = (*Store)(nil)
)
