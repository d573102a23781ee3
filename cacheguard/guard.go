// Package cacheguard stores cached values with integrity metadata and
// detects, classifies and repairs corrupted entries.
//
// Entries live under session.CacheKeyPrefix; every write also updates a
// shadow backup under session.CacheBackupPrefix used to restore entries
// whose checksum no longer matches.
package cacheguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/session"
)

// ReportType classifies a corrupted entry.
type ReportType string

const (
	TypeChecksumMismatch ReportType = "checksum_mismatch"
	TypeInvalidFormat    ReportType = "invalid_format"
	TypeExpiredData      ReportType = "expired_data"
	TypeMissingMetadata  ReportType = "missing_metadata"
	TypeStorageError     ReportType = "storage_error"
)

// Recovery methods recorded on reports.
const (
	MethodStructuralRepair   = "structural_repair"
	MethodMetadataRebuilt    = "metadata_rebuilt"
	MethodRestoredFromBackup = "restored_from_backup"
	MethodEvicted            = "evicted"
	MethodDeleted            = "deleted"
	MethodPurgedAndRetried   = "purged_and_retried"
)

// StaleAge is the age beyond which entries are purged to free space.
const StaleAge = 24 * time.Hour

// Report describes the validation of one entry.
type Report struct {
	ID             string     `json:"id"`
	Type           ReportType `json:"type,omitempty"`
	Key            string     `json:"key"`
	Corrupted      bool       `json:"corrupted"`
	Recovered      bool       `json:"recovered"`
	RecoveryMethod string     `json:"recoveryMethod,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	DetectedAt     time.Time  `json:"detectedAt"`
}

// ScanResult summarizes a namespace scan.
type ScanResult struct {
	Scanned   int      `json:"scanned"`
	Valid     int      `json:"valid"`
	Corrupted int      `json:"corrupted"`
	Recovered int      `json:"recovered"`
	Removed   int      `json:"removed"`
	Reports   []Report `json:"reports,omitempty"`
}

// Health is the integrity summary of the cache namespace.
type Health struct {
	Percent       float64 `json:"percent"`
	Entries       int     `json:"entries"`
	Corrupted     int     `json:"corrupted"`
	UsedBytes     int64   `json:"usedBytes"`
	CapacityBytes int64   `json:"capacityBytes"`
}

// ErrNotFound is returned by Load for absent or unrecoverable entries.
var ErrNotFound = errors.New("cacheguard: entry not found")

// Guard owns the cache namespace of one store.
type Guard struct {
	store        kv.Store
	log          *slog.Logger
	now          func() time.Time
	version      string
	scanInterval time.Duration
	historySize  int

	mu      sync.Mutex
	reports []Report
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.log = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// WithScanInterval sets the period of Start. Default: 5m.
func WithScanInterval(d time.Duration) Option { return func(g *Guard) { g.scanInterval = d } }

// WithHistory bounds the report history. Default: 100.
func WithHistory(n int) Option { return func(g *Guard) { g.historySize = n } }

// WithVersion overrides the expected schema version.
func WithVersion(v string) Option { return func(g *Guard) { g.version = v } }

// New creates a Guard over store.
func New(store kv.Store, opts ...Option) *Guard {
	g := &Guard{
		store:        store,
		log:          slog.New(slog.DiscardHandler),
		now:          time.Now,
		version:      SchemaVersion,
		scanInterval: 5 * time.Minute,
		historySize:  100,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StoreKey maps a cache key to its store key.
func StoreKey(key string) string { return session.CacheKeyPrefix + key }

// BackupKey maps a cache key to its shadow backup key.
func BackupKey(key string) string { return session.CacheBackupPrefix + key }

// Put stores value (any JSON-encodable value) under key with ttl (zero
// means no expiry). A quota failure triggers a purge of stale entries and
// one retry.
func (g *Guard) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cacheguard: encode value: %w", err)
	}
	sum, err := Checksum(raw)
	if err != nil {
		return fmt.Errorf("cacheguard: %w", err)
	}
	e := Entry{
		Key:       key,
		Value:     raw,
		Timestamp: g.now().UnixMilli(),
		TTL:       ttl.Milliseconds(),
		Checksum:  sum,
		Version:   g.version,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cacheguard: encode entry: %w", err)
	}

	err = g.store.Set(ctx, StoreKey(key), data)
	if errors.Is(err, kv.ErrQuotaExceeded) {
		purged, perr := g.PurgeStale(ctx)
		g.log.WarnContext(ctx, "cacheguard.quota_exceeded", slog.String("key", key), slog.Int("purged", purged))
		if perr != nil {
			return fmt.Errorf("cacheguard: purge after quota: %w", errors.Join(err, perr))
		}
		err = g.store.Set(ctx, StoreKey(key), data)
	}
	if err != nil {
		return fmt.Errorf("cacheguard: put %s: %w", key, err)
	}
	if err := g.store.Set(ctx, BackupKey(key), data); err != nil {
		// The primary write succeeded; a missing backup only limits repair.
		g.log.WarnContext(ctx, "cacheguard.backup_failed", slog.String("key", key), slog.String("err", err.Error()))
	}
	return nil
}

// Load returns the value under key after validating it. Corrupted entries
// are repaired when possible; otherwise they are removed and ErrNotFound is
// returned.
func (g *Guard) Load(ctx context.Context, key string) (json.RawMessage, error) {
	e, rep, found := g.validate(ctx, key)
	if !found {
		return nil, ErrNotFound
	}
	if rep.Corrupted && !rep.Recovered {
		return nil, ErrNotFound
	}
	if rep.Type == TypeExpiredData {
		return nil, ErrNotFound
	}
	return e.Value, nil
}

// LoadInto decodes the value under key into v.
func (g *Guard) LoadInto(ctx context.Context, key string, v any) error {
	raw, err := g.Load(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Lookup returns the validated entry, including its metadata.
func (g *Guard) Lookup(ctx context.Context, key string) (Entry, bool) {
	e, rep, found := g.validate(ctx, key)
	if !found || (rep.Corrupted && !rep.Recovered) || rep.Type == TypeExpiredData {
		return Entry{}, false
	}
	return e, true
}

// Delete removes key and its backup.
func (g *Guard) Delete(ctx context.Context, key string) error {
	return errors.Join(g.store.Delete(ctx, StoreKey(key)), g.store.Delete(ctx, BackupKey(key)))
}

// ValidateEntry checks key, repairs or evicts it when corrupted and
// returns the report. An absent key yields a report with Corrupted=false.
func (g *Guard) ValidateEntry(ctx context.Context, key string) Report {
	_, rep, _ := g.validate(ctx, key)
	return rep
}

func (g *Guard) newReport(key string) Report {
	return Report{ID: uuid.NewString(), Key: key, DetectedAt: g.now()}
}

func (g *Guard) validate(ctx context.Context, key string) (Entry, Report, bool) {
	rep := g.newReport(key)
	skey := StoreKey(key)

	it, err := g.store.Get(ctx, skey)
	if err != nil {
		rep.Type, rep.Corrupted, rep.Detail = TypeStorageError, true, err.Error()
		_, _ = g.PurgeStale(ctx)
		if it, err = g.store.Get(ctx, skey); err != nil {
			_ = g.store.Delete(ctx, skey)
			rep.RecoveryMethod = MethodDeleted
			g.record(ctx, rep)
			return Entry{}, rep, true
		}
		rep.Recovered, rep.RecoveryMethod = true, MethodPurgedAndRetried
		g.record(ctx, rep)
	}
	if it == nil {
		return Entry{}, rep, false
	}

	f := inspect(it.Value, g.now(), g.version)
	if f.typ == "" {
		return f.entry, rep, true
	}

	rep = g.newReport(key)
	rep.Type, rep.Corrupted, rep.Detail = f.typ, true, f.detail
	entry := g.repair(ctx, key, it, f, &rep)
	g.record(ctx, rep)
	return entry, rep, true
}

func (g *Guard) repair(ctx context.Context, key string, it *kv.Item, f finding, rep *Report) Entry {
	skey := StoreKey(key)
	evict := func(method string) Entry {
		if err := g.store.Delete(ctx, skey); err != nil {
			rep.Detail = strings.TrimSpace(rep.Detail + "; delete: " + err.Error())
		}
		rep.RecoveryMethod = method
		return Entry{}
	}

	switch f.typ {
	case TypeInvalidFormat:
		if f.entry.Version != "" && f.entry.Version != g.version {
			return evict(MethodDeleted)
		}
		fixed, ok := repairStructure(it.Value)
		if ok && inspect(fixed, g.now(), g.version).typ == "" {
			if err := g.store.Set(ctx, skey, fixed); err == nil {
				rep.Recovered, rep.RecoveryMethod = true, MethodStructuralRepair
				return inspect(fixed, g.now(), g.version).entry
			}
		}
		return evict(MethodDeleted)

	case TypeMissingMetadata:
		e := f.entry
		if len(e.Value) == 0 {
			return evict(MethodDeleted)
		}
		sum, err := Checksum(e.Value)
		if err != nil {
			return evict(MethodDeleted)
		}
		e.Key = key
		if e.Timestamp <= 0 {
			e.Timestamp = g.now().UnixMilli()
			if !it.CreatedAt.IsZero() {
				e.Timestamp = it.CreatedAt.UnixMilli()
			}
		}
		if e.Version == "" {
			e.Version = g.version
		}
		e.Checksum = sum
		data, err := json.Marshal(e)
		if err != nil || inspect(data, g.now(), g.version).typ != "" {
			return evict(MethodDeleted)
		}
		if err := g.store.Set(ctx, skey, data); err != nil {
			return evict(MethodDeleted)
		}
		rep.Recovered, rep.RecoveryMethod = true, MethodMetadataRebuilt
		return e

	case TypeExpiredData:
		_ = g.store.Delete(ctx, BackupKey(key))
		e := evict(MethodEvicted)
		rep.Recovered = true
		return e

	case TypeChecksumMismatch:
		backup, err := g.store.Get(ctx, BackupKey(key))
		if err == nil && backup != nil {
			bf := inspect(backup.Value, g.now(), g.version)
			if bf.typ == "" {
				if err := g.store.Set(ctx, skey, backup.Value); err == nil {
					rep.Recovered, rep.RecoveryMethod = true, MethodRestoredFromBackup
					return bf.entry
				}
			}
		}
		return evict(MethodDeleted)
	}
	return evict(MethodDeleted)
}

// Scan validates every entry in the namespace.
func (g *Guard) Scan(ctx context.Context) (ScanResult, error) {
	keys, err := g.store.Keys(ctx, session.CacheKeyPrefix)
	if err != nil {
		return ScanResult{}, fmt.Errorf("cacheguard: scan: %w", err)
	}
	var res ScanResult
	for _, skey := range keys {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		key := strings.TrimPrefix(skey, session.CacheKeyPrefix)
		_, rep, found := g.validate(ctx, key)
		if !found {
			continue
		}
		res.Scanned++
		if !rep.Corrupted {
			res.Valid++
			continue
		}
		res.Corrupted++
		res.Reports = append(res.Reports, rep)
		switch {
		case rep.RecoveryMethod == MethodEvicted || rep.RecoveryMethod == MethodDeleted:
			res.Removed++
		case rep.Recovered:
			res.Recovered++
		}
	}
	g.log.DebugContext(ctx, "cacheguard.scan",
		slog.Int("scanned", res.Scanned),
		slog.Int("corrupted", res.Corrupted),
		slog.Int("recovered", res.Recovered),
		slog.Int("removed", res.Removed))
	return res, nil
}

// Start scans periodically until ctx ends.
func (g *Guard) Start(ctx context.Context) {
	ticker := time.NewTicker(g.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Scan(ctx); err != nil && ctx.Err() == nil {
				g.log.WarnContext(ctx, "cacheguard.scan.failed", slog.String("err", err.Error()))
			}
		}
	}
}

// Health inspects the namespace without repairing anything.
func (g *Guard) Health(ctx context.Context) (Health, error) {
	keys, err := g.store.Keys(ctx, session.CacheKeyPrefix)
	if err != nil {
		return Health{}, fmt.Errorf("cacheguard: health: %w", err)
	}
	var h Health
	now := g.now()
	for _, k := range keys {
		it, err := g.store.Get(ctx, k)
		if err != nil {
			h.Entries++
			h.Corrupted++
			continue
		}
		if it == nil {
			continue
		}
		h.Entries++
		if inspect(it.Value, now, g.version).typ != "" {
			h.Corrupted++
		}
	}
	h.Percent = 100
	if h.Entries > 0 {
		h.Percent = float64(h.Entries-h.Corrupted) / float64(h.Entries) * 100
	}
	if sz, ok := g.store.(kv.Sizer); ok {
		if u, err := sz.Usage(ctx); err == nil {
			h.UsedBytes, h.CapacityBytes = u.UsedBytes, u.CapacityBytes
		}
	}
	return h, nil
}

// PurgeStale deletes cache entries and backups older than StaleAge and
// returns how many keys were removed.
func (g *Guard) PurgeStale(ctx context.Context) (int, error) {
	cutoff := g.now().Add(-StaleAge)
	n := 0
	var errs []error
	for _, prefix := range []string{session.CacheKeyPrefix, session.CacheBackupPrefix} {
		keys, err := g.store.Keys(ctx, prefix)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, k := range keys {
			it, err := g.store.Get(ctx, k)
			if err != nil || it == nil {
				continue
			}
			stored := it.CreatedAt
			var e Entry
			if json.Unmarshal(it.Value, &e) == nil && e.Timestamp > 0 {
				stored = e.StoredAt()
			}
			if stored.IsZero() || !stored.Before(cutoff) {
				continue
			}
			if err := g.store.Delete(ctx, k); err != nil {
				errs = append(errs, err)
				continue
			}
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Clear removes the whole cache namespace including backups.
func (g *Guard) Clear(ctx context.Context) (int, error) {
	a, err1 := kv.DeletePrefix(ctx, g.store, session.CacheKeyPrefix)
	b, err2 := kv.DeletePrefix(ctx, g.store, session.CacheBackupPrefix)
	return a + b, errors.Join(err1, err2)
}

// Reports returns the most recent reports, oldest first.
func (g *Guard) Reports() []Report {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Report(nil), g.reports...)
}

func (g *Guard) record(ctx context.Context, rep Report) {
	g.log.WarnContext(ctx, "cacheguard.corruption",
		slog.String("key", rep.Key),
		slog.String("type", string(rep.Type)),
		slog.Bool("recovered", rep.Recovered),
		slog.String("method", rep.RecoveryMethod))
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reports = append(g.reports, rep)
	if over := len(g.reports) - g.historySize; over > 0 {
		g.reports = append([]Report(nil), g.reports[over:]...)
	}
}
