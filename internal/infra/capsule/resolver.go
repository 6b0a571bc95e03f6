package capsule

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/domain"
)

// Resolver maps capsule URIs to verified storage locations.
type Resolver struct {
	registry domain.CapsuleRegistry
	verifier domain.ProofVerifier
	log      zerolog.Logger
}

// NewResolver creates a resolver over a registry and a proof verifier.
// A nil verifier rejects everything.
func NewResolver(registry domain.CapsuleRegistry, verifier domain.ProofVerifier, log zerolog.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		verifier: verifier,
		log:      log.With().Str("component", "capsule_resolver").Logger(),
	}
}

// Resolve parses uri, looks up its (dac, service) pair and verifies the
// registry proof. The returned reference has Location set and Verified true;
// on any failure the reference is zero.
func (r *Resolver) Resolve(ctx context.Context, uri string) (domain.CapsuleRef, error) {
	ref, err := ParseURI(uri)
	if err != nil {
		return domain.CapsuleRef{}, fmt.Errorf("%w: %w", domain.ErrCapsuleResolution, err)
	}

	entry, err := r.registry.Lookup(ctx, ref.DACID, ref.Service)
	if err != nil {
		if !errors.Is(err, domain.ErrCapsuleNotFound) {
			r.log.Warn().Err(err).Str("uri", uri).Msg("registry lookup failed")
		}
		return domain.CapsuleRef{}, fmt.Errorf("%w: %w", domain.ErrCapsuleResolution, err)
	}

	if r.verifier == nil || !r.verifier.VerifyProof(ref, entry) {
		r.log.Warn().Str("uri", uri).Str("signer", entry.Signer).Msg("capsule proof rejected")
		return domain.CapsuleRef{}, fmt.Errorf("%s: %w", ref.URI(), domain.ErrSecurityVerification)
	}

	ref.Location = entry.Location
	ref.Verified = true
	return ref, nil
}
