// Package capsule resolves logical capsule:// addresses to verified storage
// locations. Resolution fails closed: any parse, lookup or verification
// problem yields an error and never a location.
package capsule

import (
	"fmt"
	"strings"

	"github.com/industriverse/chronos/internal/domain"
)

const schemePrefix = domain.CapsuleScheme + "://"

// ParseURI parses "capsule://<dac_id>/<service>[:<version>]".
func ParseURI(uri string) (domain.CapsuleRef, error) {
	raw := strings.TrimSpace(uri)
	if !strings.HasPrefix(strings.ToLower(raw), schemePrefix) {
		return domain.CapsuleRef{}, fmt.Errorf("%q: scheme must be %s: %w", uri, schemePrefix, domain.ErrInvalidCapsuleURI)
	}
	rest := raw[len(schemePrefix):]

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return domain.CapsuleRef{}, fmt.Errorf("%q: want capsule://<dac>/<service>[:<version>]: %w", uri, domain.ErrInvalidCapsuleURI)
	}

	ref := domain.CapsuleRef{DACID: parts[0]}
	svc := strings.SplitN(parts[1], ":", 2)
	ref.Service = svc[0]
	if len(svc) == 2 {
		if svc[1] == "" {
			return domain.CapsuleRef{}, fmt.Errorf("%q: empty version: %w", uri, domain.ErrInvalidCapsuleURI)
		}
		ref.Version = svc[1]
	}
	if ref.Service == "" || strings.ContainsAny(ref.DACID+ref.Service+ref.Version, " \t\n?#") {
		return domain.CapsuleRef{}, fmt.Errorf("%q: malformed dac or service: %w", uri, domain.ErrInvalidCapsuleURI)
	}
	return ref, nil
}
