package hydrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/industriverse/chronos/internal/domain"
)

const indexFile = "index.msgpack"

// loadIndex reads the persisted cache index. A missing file is an empty index.
func loadIndex(dir string) (map[string]domain.CacheEntry, error) {
	index := make(map[string]domain.CacheEntry)
	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return index, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache index: %w", err)
	}

	var entries []domain.CacheEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode cache index: %w", err)
	}
	for _, e := range entries {
		index[e.Key] = e
	}
	return index, nil
}

// saveIndex writes the index atomically (temp file + rename).
func saveIndex(dir string, index map[string]domain.CacheEntry) error {
	entries := make([]domain.CacheEntry, 0, len(index))
	for _, e := range index {
		entries = append(entries, e)
	}
	data, err := msgpack.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}

	path := filepath.Join(dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit cache index: %w", err)
	}
	return nil
}
