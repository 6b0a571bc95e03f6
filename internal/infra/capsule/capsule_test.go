package capsule

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/security"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		in      string
		dac     string
		service string
		version string
		wantErr bool
	}{
		{"capsule://industriverse-dac/welding-sim:v2.1", "industriverse-dac", "welding-sim", "v2.1", false},
		{"capsule://dac/svc", "dac", "svc", "", false},
		{"CAPSULE://dac/svc:1", "dac", "svc", "1", false},
		{"http://dac/svc", "", "", "", true},
		{"capsule://dac", "", "", "", true},
		{"capsule:///svc", "", "", "", true},
		{"capsule://dac/svc/extra", "", "", "", true},
		{"capsule://dac/svc:", "", "", "", true},
		{"capsule://dac/:v1", "", "", "", true},
		{"", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, err := ParseURI(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidCapsuleURI)
				assert.Empty(t, ref.DACID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dac, ref.DACID)
			assert.Equal(t, tt.service, ref.Service)
			assert.Equal(t, tt.version, ref.Version)
		})
	}
}

// newSignedResolver builds a resolver whose registry holds one capsule signed
// by a trusted key, plus the keypair so tests can forge variations.
func newSignedResolver(t *testing.T) (*Resolver, *MemoryRegistry, *security.Keypair) {
	t.Helper()
	kp, err := security.GenerateKeypair()
	require.NoError(t, err)

	reg := NewMemoryRegistry(kp.SignEntry("industriverse-key", domain.RegistryEntry{
		DACID:    "industriverse-dac",
		Service:  "welding-sim",
		Location: "s3://capsules/welding-sim.tar",
	}))
	ring := security.NewKeyRing()
	ring.Trust("industriverse-key", kp.Public)
	return NewResolver(reg, ring, zerolog.Nop()), reg, kp
}

func TestResolve_Idempotent(t *testing.T) {
	r, _, _ := newSignedResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "capsule://industriverse-dac/welding-sim:v2.1")
	require.NoError(t, err)
	second, err := r.Resolve(ctx, "capsule://industriverse-dac/welding-sim:v2.1")
	require.NoError(t, err)

	assert.Equal(t, "s3://capsules/welding-sim.tar", first.Location)
	assert.Equal(t, first.Location, second.Location)
	assert.True(t, first.Verified)
	assert.Equal(t, "v2.1", first.Version)
}

func TestResolve_FailsClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid scheme", func(t *testing.T) {
		r, _, _ := newSignedResolver(t)
		ref, err := r.Resolve(ctx, "https://industriverse-dac/welding-sim")
		assert.ErrorIs(t, err, domain.ErrCapsuleResolution)
		assert.ErrorIs(t, err, domain.ErrInvalidCapsuleURI)
		assert.Empty(t, ref.Location)
	})

	t.Run("unknown pair", func(t *testing.T) {
		r, _, _ := newSignedResolver(t)
		ref, err := r.Resolve(ctx, "capsule://industriverse-dac/painting-sim")
		assert.ErrorIs(t, err, domain.ErrCapsuleNotFound)
		assert.Empty(t, ref.Location)
	})

	t.Run("tampered location", func(t *testing.T) {
		r, reg, _ := newSignedResolver(t)
		e, _ := reg.Lookup(ctx, "industriverse-dac", "welding-sim")
		e.Location = "s3://attacker/welding-sim.tar"
		reg.Register(e)

		ref, err := r.Resolve(ctx, "capsule://industriverse-dac/welding-sim")
		assert.ErrorIs(t, err, domain.ErrSecurityVerification)
		assert.Empty(t, ref.Location)
		assert.False(t, ref.Verified)
	})

	t.Run("untrusted signer", func(t *testing.T) {
		_, reg, _ := newSignedResolver(t)
		r := NewResolver(reg, security.NewKeyRing(), zerolog.Nop())
		ref, err := r.Resolve(ctx, "capsule://industriverse-dac/welding-sim")
		assert.ErrorIs(t, err, domain.ErrSecurityVerification)
		assert.Empty(t, ref.Location)
	})

	t.Run("nil verifier", func(t *testing.T) {
		_, reg, _ := newSignedResolver(t)
		r := NewResolver(reg, nil, zerolog.Nop())
		_, err := r.Resolve(ctx, "capsule://industriverse-dac/welding-sim")
		assert.ErrorIs(t, err, domain.ErrSecurityVerification)
	})
}

func TestRegistryFile_RoundTrip(t *testing.T) {
	kp, err := security.GenerateKeypair()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "registry.yaml")

	in := File{
		Signers: map[string]string{"industriverse-key": kp.PublicKeyHex()},
		Capsules: []domain.RegistryEntry{
			kp.SignEntry("industriverse-key", domain.RegistryEntry{
				DACID: "industriverse-dac", Service: "welding-sim", Location: "file:///srv/welding.bin",
			}),
		},
	}
	require.NoError(t, SaveFile(path, in))

	out, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, out.Capsules, 1)
	assert.Equal(t, in.Capsules[0].Proof, out.Capsules[0].Proof)
	assert.Equal(t, kp.PublicKeyHex(), out.Signers["industriverse-key"])

	ring := security.NewKeyRing()
	require.NoError(t, ring.TrustHex("industriverse-key", out.Signers["industriverse-key"]))
	r := NewResolver(NewMemoryRegistry(out.Capsules...), ring, zerolog.Nop())
	ref, err := r.Resolve(context.Background(), "capsule://industriverse-dac/welding-sim")
	require.NoError(t, err)
	assert.Equal(t, "file:///srv/welding.bin", ref.Location)
}

func TestLoadFile_RejectsIncompleteEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, SaveFile(path, File{Capsules: []domain.RegistryEntry{{DACID: "dac"}}}))
	_, err := LoadFile(path)
	assert.Error(t, err)
}
