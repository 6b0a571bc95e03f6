package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/industriverse/chronos/internal/domain"
)

// ─── Keypair Generation ─────────────────────────────────────────────────────

func TestGenerateKeypair(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	if len(kp.Public) != 32 {
		t.Errorf("public key len = %d, want 32", len(kp.Public))
	}
	if len(kp.Private) != 64 {
		t.Errorf("private key len = %d, want 64", len(kp.Private))
	}
}

func TestLoadOrCreateKeypair_Persists(t *testing.T) {
	home := t.TempDir()

	kp1, err := LoadOrCreateKeypair(home)
	if err != nil {
		t.Fatalf("first LoadOrCreateKeypair() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "keys", "registry.key")); err != nil {
		t.Fatalf("private key file missing: %v", err)
	}

	kp2, err := LoadOrCreateKeypair(home)
	if err != nil {
		t.Fatalf("second LoadOrCreateKeypair() error: %v", err)
	}
	if kp1.PublicKeyHex() != kp2.PublicKeyHex() {
		t.Error("reloaded keypair should match the generated one")
	}
}

// ─── Proof Verification ─────────────────────────────────────────────────────

func signedEntry(t *testing.T) (*Keypair, domain.CapsuleRef, domain.RegistryEntry) {
	t.Helper()
	kp, _ := GenerateKeypair()
	ref := domain.CapsuleRef{DACID: "industriverse-dac", Service: "welding-sim", Version: "v2.1"}
	entry := kp.SignEntry("dac-key", domain.RegistryEntry{
		DACID:    ref.DACID,
		Service:  ref.Service,
		Location: "s3://capsules/welding-sim.tar",
	})
	return kp, ref, entry
}

func TestVerifyProof_Valid(t *testing.T) {
	kp, ref, entry := signedEntry(t)
	ring := NewKeyRing()
	ring.Trust("dac-key", kp.Public)

	if !ring.VerifyProof(ref, entry) {
		t.Error("VerifyProof() should accept a valid signature from a trusted signer")
	}
}

func TestVerifyProof_FailsClosed(t *testing.T) {
	kp, ref, entry := signedEntry(t)
	other, _ := GenerateKeypair()

	tests := []struct {
		name   string
		ring   func() *KeyRing
		mutate func(domain.CapsuleRef, domain.RegistryEntry) (domain.CapsuleRef, domain.RegistryEntry)
	}{
		{
			name: "empty ring",
			ring: NewKeyRing,
		},
		{
			name: "untrusted signer key",
			ring: func() *KeyRing { r := NewKeyRing(); r.Trust("dac-key", other.Public); return r },
		},
		{
			name: "tampered location",
			mutate: func(r domain.CapsuleRef, e domain.RegistryEntry) (domain.CapsuleRef, domain.RegistryEntry) {
				e.Location = "s3://evil/welding-sim.tar"
				return r, e
			},
		},
		{
			name: "garbage proof",
			mutate: func(r domain.CapsuleRef, e domain.RegistryEntry) (domain.CapsuleRef, domain.RegistryEntry) {
				e.Proof = "zz-not-hex"
				return r, e
			},
		},
		{
			name: "entry for a different service",
			mutate: func(r domain.CapsuleRef, e domain.RegistryEntry) (domain.CapsuleRef, domain.RegistryEntry) {
				r.Service = "painting-sim"
				return r, e
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring := NewKeyRing()
			ring.Trust("dac-key", kp.Public)
			if tt.ring != nil {
				ring = tt.ring()
			}
			r, e := ref, entry
			if tt.mutate != nil {
				r, e = tt.mutate(r, e)
			}
			if ring.VerifyProof(r, e) {
				t.Error("VerifyProof() = true, want false")
			}
		})
	}
}

func TestKeyRing_TrustHex(t *testing.T) {
	kp, _ := GenerateKeypair()
	ring := NewKeyRing()
	if err := ring.TrustHex("dac", kp.PublicKeyHex()); err != nil {
		t.Fatalf("TrustHex() error: %v", err)
	}
	if ring.Len() != 1 {
		t.Errorf("Len() = %d, want 1", ring.Len())
	}
	if err := ring.TrustHex("bad", "abcd"); err == nil {
		t.Error("TrustHex() with short key should fail")
	}
}
