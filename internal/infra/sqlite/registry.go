package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/industriverse/chronos/internal/domain"
)

// ─── Capsule Registry ───────────────────────────────────────────────────────
// DB implements domain.CapsuleRegistry.

var _ domain.CapsuleRegistry = (*DB)(nil)

// RegisterCapsule inserts or replaces the registry row for (dac, service).
func (d *DB) RegisterCapsule(entry domain.RegistryEntry) error {
	if entry.DACID == "" || entry.Service == "" || entry.Location == "" {
		return fmt.Errorf("register capsule: dac, service and location are required")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = d.now()
	}
	_, err := d.db.Exec(
		`INSERT INTO capsule_registry (dac_id, service, location, signer, proof, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dac_id, service) DO UPDATE SET
			location=excluded.location,
			signer=excluded.signer,
			proof=excluded.proof,
			updated_at=excluded.updated_at`,
		entry.DACID, entry.Service, entry.Location, entry.Signer, entry.Proof, toMillis(entry.UpdatedAt),
	)
	if err != nil {
		return persistErr("register capsule", err)
	}
	return nil
}

// Lookup returns the registry row for (dac, service) or domain.ErrCapsuleNotFound.
func (d *DB) Lookup(ctx context.Context, dacID, service string) (domain.RegistryEntry, error) {
	var e domain.RegistryEntry
	var updated int64
	err := d.db.QueryRowContext(ctx,
		`SELECT dac_id, service, location, signer, proof, updated_at
		 FROM capsule_registry WHERE dac_id = ? AND service = ?`, dacID, service,
	).Scan(&e.DACID, &e.Service, &e.Location, &e.Signer, &e.Proof, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RegistryEntry{}, fmt.Errorf("%s/%s: %w", dacID, service, domain.ErrCapsuleNotFound)
	}
	if err != nil {
		return domain.RegistryEntry{}, fmt.Errorf("lookup %s/%s: %w", dacID, service, err)
	}
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}

// ListCapsules returns every registry row.
func (d *DB) ListCapsules() ([]domain.RegistryEntry, error) {
	rows, err := d.db.Query(
		`SELECT dac_id, service, location, signer, proof, updated_at
		 FROM capsule_registry ORDER BY dac_id, service`)
	if err != nil {
		return nil, persistErr("list capsules", err)
	}
	defer rows.Close()

	var out []domain.RegistryEntry
	for rows.Next() {
		var e domain.RegistryEntry
		var updated int64
		if err := rows.Scan(&e.DACID, &e.Service, &e.Location, &e.Signer, &e.Proof, &updated); err != nil {
			return nil, persistErr("scan capsule", err)
		}
		e.UpdatedAt = fromMillis(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}
