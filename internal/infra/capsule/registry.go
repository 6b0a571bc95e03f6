package capsule

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/industriverse/chronos/internal/domain"
)

// MemoryRegistry is an in-process domain.CapsuleRegistry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]domain.RegistryEntry
}

var _ domain.CapsuleRegistry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates a registry pre-populated with entries.
func NewMemoryRegistry(entries ...domain.RegistryEntry) *MemoryRegistry {
	r := &MemoryRegistry{entries: make(map[string]domain.RegistryEntry)}
	for _, e := range entries {
		r.Register(e)
	}
	return r
}

func registryKey(dac, service string) string { return dac + "/" + service }

// Register inserts or replaces the entry for (dac, service).
func (r *MemoryRegistry) Register(e domain.RegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[registryKey(e.DACID, e.Service)] = e
}

// Lookup implements domain.CapsuleRegistry.
func (r *MemoryRegistry) Lookup(_ context.Context, dacID, service string) (domain.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[registryKey(dacID, service)]
	if !ok {
		return domain.RegistryEntry{}, fmt.Errorf("%s/%s: %w", dacID, service, domain.ErrCapsuleNotFound)
	}
	return e, nil
}

// ─── Registry File ──────────────────────────────────────────────────────────

// File is the on-disk YAML registry format:
//
//	signers:
//	  industriverse-key: <hex ed25519 public key>
//	capsules:
//	  - dac: industriverse-dac
//	    service: welding-sim
//	    location: s3://capsules/welding-sim.tar
//	    signer: industriverse-key
//	    proof: <hex signature>
type File struct {
	Signers  map[string]string      `yaml:"signers"`
	Capsules []domain.RegistryEntry `yaml:"capsules"`
}

// LoadFile reads a YAML registry file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read registry file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse registry file %s: %w", path, err)
	}
	for i, c := range f.Capsules {
		if c.DACID == "" || c.Service == "" || c.Location == "" {
			return File{}, fmt.Errorf("registry file %s: capsule #%d needs dac, service and location", path, i+1)
		}
	}
	return f, nil
}

// SaveFile writes a YAML registry file.
func SaveFile(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode registry file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
