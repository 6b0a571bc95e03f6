// Package hydrator materialises capsule artifacts into a local
// content-addressed cache. Concurrent requests for the same location share
// one fetch; the cache is bounded by size and age.
package hydrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/infra/metrics"
)

// Config controls the cache and the per-scheme hydration cost estimates
// (dollars per fetch) used by admission.
type Config struct {
	Dir          string
	MaxBytes     int64         // 0 = unbounded
	MaxAge       time.Duration // 0 = never expires
	FetchTimeout time.Duration
	CostFile     float64
	CostHTTP     float64
	CostS3       float64
}

// DefaultConfig returns cache defaults rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		MaxBytes:     10 << 30,
		MaxAge:       7 * 24 * time.Hour,
		FetchTimeout: 5 * time.Minute,
		CostFile:     0,
		CostHTTP:     0.02,
		CostS3:       0.08,
	}
}

// Hydrator is the service hydrator. Safe for concurrent use.
type Hydrator struct {
	cfg      Config
	fetchers map[string]Fetcher
	group    singleflight.Group
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	index map[string]domain.CacheEntry
	pins  map[string]int // keys held by Acquire; never evicted
}

// New opens (or creates) the cache at cfg.Dir. file:// and http(s)://
// fetchers are registered by default; s3 is added with Register.
func New(cfg Config, log zerolog.Logger) (*Hydrator, error) {
	if cfg.Dir == "" {
		return nil, errors.New("hydrator: cache dir is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	index, err := loadIndex(cfg.Dir)
	if err != nil {
		return nil, err
	}

	h := &Hydrator{
		cfg: cfg,
		fetchers: map[string]Fetcher{
			"file": FileFetcher{},
			"http": HTTPFetcher{UserAgent: "chronos-hydrator"},
		},
		log:   log.With().Str("component", "hydrator").Logger(),
		now:   time.Now,
		index: index,
		pins:  make(map[string]int),
	}
	metrics.CacheBytes.Set(float64(h.Size()))
	return h, nil
}

// Register installs (or replaces) the fetcher for a scheme.
func (h *Hydrator) Register(scheme string, f Fetcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetchers[scheme] = f
}

// Key is the cache key of a storage location.
func Key(location string) string {
	sum := sha256.Sum256([]byte(location))
	return hex.EncodeToString(sum[:])
}

// BlobPath returns where the artifact for key is stored.
func (h *Hydrator) BlobPath(key string) string {
	return filepath.Join(h.cfg.Dir, "blobs", "sha256-"+key)
}

// ─── Hydrate ────────────────────────────────────────────────────────────────

// Hydrate returns a local path holding the artifact at location, fetching it
// on a miss. Repeated calls for a cached location return the same path
// without fetching.
func (h *Hydrator) Hydrate(ctx context.Context, location string) (string, error) {
	key := Key(location)
	if path, ok := h.lookup(key); ok {
		metrics.CacheHits.Inc()
		return path, nil
	}

	ch := h.group.DoChan(key, func() (any, error) {
		// A concurrent caller may have finished the fetch while we queued.
		if path, ok := h.lookup(key); ok {
			return path, nil
		}
		// The fetch is shared, so one caller giving up must not fail the
		// rest. FetchTimeout still bounds it.
		return h.fetch(context.WithoutCancel(ctx), key, location)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", domain.ErrHydration, ctx.Err())
	}
}

// Acquire hydrates location and pins the entry so eviction leaves it alone
// until release is called. release is idempotent.
func (h *Hydrator) Acquire(ctx context.Context, location string) (path string, release func(), err error) {
	key := Key(location)
	for attempt := 0; attempt < 3; attempt++ {
		path, err = h.Hydrate(ctx, location)
		if err != nil {
			return "", nil, err
		}
		if h.pin(key, path) {
			var once sync.Once
			return path, func() { once.Do(func() { h.unpin(key) }) }, nil
		}
		// Evicted between fetch and pin.
	}
	return "", nil, fmt.Errorf("%w: %s evicted before it could be pinned", domain.ErrHydration, location)
}

func (h *Hydrator) pin(key, path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.index[key]
	if !ok || !e.Present || e.Path != path {
		return false
	}
	h.pins[key]++
	return true
}

func (h *Hydrator) unpin(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pins[key] <= 1 {
		delete(h.pins, key)
		return
	}
	h.pins[key]--
}

// Pinned reports whether key is held by an Acquire.
func (h *Hydrator) Pinned(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pins[key] > 0
}

// lookup returns the cached path for key and refreshes its access time.
// An entry whose blob has disappeared is dropped and reported as a miss.
func (h *Hydrator) lookup(key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.index[key]
	if !ok || !e.Present {
		return "", false
	}
	if _, err := os.Stat(e.Path); err != nil {
		h.log.Warn().Str("key", key).Str("path", e.Path).Msg("cached blob missing, refetching")
		delete(h.index, key)
		return "", false
	}
	e.LastAccess = h.now()
	h.index[key] = e
	return e.Path, true
}

func (h *Hydrator) fetch(ctx context.Context, key, location string) (string, error) {
	scheme := Scheme(location)
	h.mu.Lock()
	f, ok := h.fetchers[scheme]
	h.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %w: %q", domain.ErrHydration, domain.ErrUnsupportedScheme, scheme)
	}

	if h.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.FetchTimeout)
		defer cancel()
	}

	start := h.now()
	tmp, err := os.CreateTemp(filepath.Join(h.cfg.Dir, "blobs"), ".fetch-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %w", domain.ErrHydration, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := f.Fetch(ctx, location, tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %w", domain.ErrHydration, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: sync: %w", domain.ErrHydration, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close: %w", domain.ErrHydration, err)
	}

	digest, size, err := hashFile(tmpPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrHydration, err)
	}

	final := h.BlobPath(key)
	if err := os.Rename(tmpPath, final); err != nil {
		return "", fmt.Errorf("%w: commit blob: %w", domain.ErrHydration, err)
	}
	committed = true

	now := h.now()
	entry := domain.CacheEntry{
		Key:        key,
		Location:   location,
		Path:       final,
		SizeBytes:  size,
		Digest:     "sha256:" + digest,
		FetchedAt:  now,
		LastAccess: now,
		Present:    true,
	}

	h.mu.Lock()
	h.index[key] = entry
	_, evictErr := h.evictLocked(now, key)
	saveErr := saveIndex(h.cfg.Dir, h.index)
	h.mu.Unlock()

	if evictErr != nil {
		h.log.Warn().Err(evictErr).Msg("eviction after fetch failed")
	}
	if saveErr != nil {
		h.log.Warn().Err(saveErr).Msg("persist cache index failed")
	}

	metrics.CacheMisses.WithLabelValues(scheme).Inc()
	h.log.Info().
		Str("location", location).
		Int64("bytes", size).
		Dur("took", now.Sub(start)).
		Msg("artifact hydrated")
	return final, nil
}

// ─── Cost ───────────────────────────────────────────────────────────────────

// EstimateCost returns the expected dollar cost of hydrating location:
// zero when it is already cached, otherwise the configured rate for its
// scheme. It never fetches.
func (h *Hydrator) EstimateCost(location string) float64 {
	h.mu.Lock()
	e, ok := h.index[Key(location)]
	h.mu.Unlock()
	if ok && e.Present {
		return 0
	}
	switch Scheme(location) {
	case "file":
		return h.cfg.CostFile
	case "http":
		return h.cfg.CostHTTP
	case "s3":
		return h.cfg.CostS3
	default:
		return h.cfg.CostHTTP
	}
}

// ─── Eviction ───────────────────────────────────────────────────────────────

// Evict removes entries fetched more than MaxAge ago, then least recently
// used entries until the cache fits in MaxBytes. Returns what was removed.
func (h *Hydrator) Evict(now time.Time) ([]domain.CacheEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	evicted, err := h.evictLocked(now, "")
	if len(evicted) > 0 {
		if serr := saveIndex(h.cfg.Dir, h.index); serr != nil && err == nil {
			err = serr
		}
	}
	return evicted, err
}

// evictLocked applies the eviction policy, never touching keep or a pinned
// key. Pinned entries may hold the cache above MaxBytes until released.
// Caller holds h.mu.
func (h *Hydrator) evictLocked(now time.Time, keep string) ([]domain.CacheEntry, error) {
	var evicted []domain.CacheEntry
	var errs []error

	remove := func(e domain.CacheEntry, reason string) {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", e.Path, err))
			return
		}
		delete(h.index, e.Key)
		evicted = append(evicted, e)
		metrics.CacheEvictions.WithLabelValues(reason).Inc()
	}

	held := func(key string) bool { return key == keep || h.pins[key] > 0 }

	if h.cfg.MaxAge > 0 {
		for key, e := range h.index {
			if !held(key) && now.Sub(e.FetchedAt) > h.cfg.MaxAge {
				remove(e, "age")
			}
		}
	}

	if h.cfg.MaxBytes > 0 {
		total := h.sizeLocked()
		if total > h.cfg.MaxBytes {
			lru := make([]domain.CacheEntry, 0, len(h.index))
			for key, e := range h.index {
				if !held(key) {
					lru = append(lru, e)
				}
			}
			sort.Slice(lru, func(i, j int) bool { return lru[i].LastAccess.Before(lru[j].LastAccess) })
			for _, e := range lru {
				if total <= h.cfg.MaxBytes {
					break
				}
				remove(e, "size")
				total -= e.SizeBytes
			}
		}
	}

	metrics.CacheBytes.Set(float64(h.sizeLocked()))
	for _, e := range evicted {
		h.log.Debug().Str("key", e.Key).Str("location", e.Location).Msg("cache entry evicted")
	}
	return evicted, errors.Join(errs...)
}

// Remove evicts a single entry by key. A pinned entry is refused.
func (h *Hydrator) Remove(key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.index[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, domain.ErrCacheEntryNotFound)
	}
	if h.pins[key] > 0 {
		return fmt.Errorf("%s: %w", key, domain.ErrCacheEntryInUse)
	}
	if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", e.Path, err)
	}
	delete(h.index, key)
	metrics.CacheEvictions.WithLabelValues("manual").Inc()
	metrics.CacheBytes.Set(float64(h.sizeLocked()))
	return saveIndex(h.cfg.Dir, h.index)
}

// ─── Inspection ─────────────────────────────────────────────────────────────

// Entries returns the cache index, most recently used first.
func (h *Hydrator) Entries() []domain.CacheEntry {
	h.mu.Lock()
	out := make([]domain.CacheEntry, 0, len(h.index))
	for _, e := range h.index {
		out = append(out, e)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccess.After(out[j].LastAccess) })
	return out
}

// Verify re-hashes the blob for key and compares it with the digest recorded
// at fetch time. A mismatching blob is evicted.
func (h *Hydrator) Verify(key string) error {
	h.mu.Lock()
	e, ok := h.index[key]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", key, domain.ErrCacheEntryNotFound)
	}
	digest, _, err := hashFile(e.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrArtifactCorrupted, err)
	}
	if "sha256:"+digest != e.Digest {
		if rerr := h.Remove(key); rerr != nil {
			h.log.Warn().Err(rerr).Str("key", key).Msg("remove corrupted blob failed")
		}
		return fmt.Errorf("%s: want %s, got sha256:%s: %w", key, e.Digest, digest, domain.ErrArtifactCorrupted)
	}
	return nil
}

// Size returns the total bytes held by the cache.
func (h *Hydrator) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sizeLocked()
}

// Dir returns the cache root.
func (h *Hydrator) Dir() string { return h.cfg.Dir }

func (h *Hydrator) sizeLocked() int64 {
	var total int64
	for _, e := range h.index {
		total += e.SizeBytes
	}
	return total
}

// hashFile computes the SHA256 hex digest and size of a file.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
