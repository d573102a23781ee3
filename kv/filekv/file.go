// Package filekv implements kv.Store on a directory of small JSON files.
// Every process that opens the same directory shares the same data, which
// makes it the on-host equivalent of browser local storage: separate
// execution contexts coordinate through it without a server.
package filekv

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m1ndvortex/tabsync/kv"
)

const fileSuffix = ".kv"

// Config controls the file store.
type Config struct {
	// Dir is the shared directory. Created if missing.
	Dir string
	// MaxBytes is the approximate quota across all files. Zero = unbounded.
	MaxBytes int64
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store implements kv.Store on the filesystem.
type Store struct {
	dir      string
	maxBytes int64
	now      func() time.Time

	// mu serializes writers within this process only; other processes are
	// coordinated by atomic renames.
	mu     sync.Mutex
	closed bool
}

type storedItem struct {
	Value     []byte     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New opens (or creates) a file store rooted at cfg.Dir.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("filekv: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("filekv: create directory: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{dir: cfg.Dir, maxBytes: cfg.MaxBytes, now: now}, nil
}

// Dir returns the directory backing the store. Watchers use it to observe
// writes made by other processes.
func (s *Store) Dir() string { return s.dir }

func (s *Store) Get(ctx context.Context, key string) (*kv.Item, error) {
	if s.isClosed() {
		return nil, kv.ErrClosed
	}
	it, err := s.read(key)
	if err != nil || it == nil {
		return nil, err
	}
	if it.IsExpired(s.now()) {
		_ = os.Remove(s.path(key))
		return nil, nil
	}
	return it, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, opts ...kv.Option) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	return s.writeLocked(key, value, kv.ApplyOptions(opts...))
}

func (s *Store) writeLocked(key string, value []byte, o kv.Options) error {
	now := s.now()
	rec := storedItem{Value: value, CreatedAt: now}
	if rec.Value == nil {
		rec.Value = []byte{}
	}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		rec.ExpiresAt = &exp
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("filekv: marshal item: %w", err)
	}

	if s.maxBytes > 0 {
		used, err := s.usedBytes()
		if err != nil {
			return err
		}
		if fi, err := os.Stat(s.path(key)); err == nil {
			used -= fi.Size()
		}
		if used+int64(len(data)) > s.maxBytes {
			return kv.ErrQuotaExceeded
		}
	}
	return atomicWriteFile(s.path(key), data, 0o644)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s.isClosed() {
		return kv.ErrClosed
	}
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filekv: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.isClosed() {
		return nil, kv.ErrClosed
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filekv: list: %w", err)
	}
	now := s.now()
	var out []string
	for _, e := range entries {
		key, ok := KeyFromFilename(e.Name())
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		it, err := s.read(key)
		if err != nil {
			// Unreadable entries are still listed; integrity scans need to see them.
			out = append(out, key)
			continue
		}
		if it == nil || it.IsExpired(now) {
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// Usage implements kv.Sizer.
func (s *Store) Usage(ctx context.Context) (kv.Usage, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return kv.Usage{}, fmt.Errorf("filekv: usage: %w", err)
	}
	u := kv.Usage{CapacityBytes: s.maxBytes}
	for _, e := range entries {
		if _, ok := KeyFromFilename(e.Name()); !ok {
			continue
		}
		if fi, err := e.Info(); err == nil {
			u.UsedBytes += fi.Size()
			u.Keys++
		}
	}
	return u, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// WriteRaw replaces the on-disk bytes of key without any envelope. It
// exists so tests and repair tooling can reproduce externally corrupted
// entries.
func (s *Store) WriteRaw(key string, raw []byte) error {
	return atomicWriteFile(s.path(key), raw, 0o644)
}

func (s *Store) read(key string) (*kv.Item, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("filekv: read %s: %w", key, err)
	}
	var rec storedItem
	if err := json.Unmarshal(data, &rec); err != nil {
		// Foreign writers may drop raw bytes into the directory; surface them
		// as values so integrity checks can classify them.
		return &kv.Item{Value: bytes.Clone(data)}, nil
	}
	return &kv.Item{Value: rec.Value, CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt}, nil
}

func (s *Store) usedBytes() (int64, error) {
	u, err := s.Usage(context.Background())
	return u.UsedBytes, err
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, FilenameForKey(key))
}

// FilenameForKey maps a key to its file name inside the store directory.
func FilenameForKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + fileSuffix
}

// KeyFromFilename reverses FilenameForKey. Temp files and foreign files
// report ok=false.
func KeyFromFilename(name string) (string, bool) {
	name = filepath.Base(name)
	if !strings.HasSuffix(name, fileSuffix) || strings.HasPrefix(name, ".") {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// atomicWriteFile writes data to a temp file in the same directory and
// renames it over filename.
func atomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, ".tmp-kv-*")
	if err != nil {
		return fmt.Errorf("filekv: create temp file: %w", err)
	}

	var success bool
	defer func() {
		if !success {
			if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("failed to remove temporary file", "path", tmp.Name(), "error", err)
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filekv: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filekv: close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("filekv: chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("filekv: rename: %w", err)
	}
	success = true
	return nil
}

// Compile-time interface checks
var (
	_ kv.Store = (*Store)(nil)
	_ kv.Sizer = (*Store)(nil)
)
