// Package security provides capsule proof signing and verification.
// A DAC vouches for a capsule's storage location with an Ed25519 signature
// over domain.ProofMessage; the resolver refuses any location whose proof
// does not verify against a trusted key.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/industriverse/chronos/internal/domain"
)

// Keypair holds an Ed25519 signing identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a new Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// LocalSigner is the signer id of the key stored under home/keys/.
const LocalSigner = "local"

// LoadOrCreateKeypair loads the local signing key from home/keys/, or
// generates one on first run.
func LoadOrCreateKeypair(home string) (*Keypair, error) {
	keyDir := filepath.Join(home, "keys")
	pubPath := filepath.Join(keyDir, "registry.pub")
	privPath := filepath.Join(keyDir, "registry.key")

	pubBytes, pubErr := os.ReadFile(pubPath)
	privBytes, privErr := os.ReadFile(privPath)

	if pubErr == nil && privErr == nil {
		pub, err := hex.DecodeString(strings.TrimSpace(string(pubBytes)))
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		priv, err := hex.DecodeString(strings.TrimSpace(string(privBytes)))
		if err != nil {
			return nil, fmt.Errorf("decode private key: %w", err)
		}
		if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("key files in %s have wrong length", keyDir)
		}
		return &Keypair{
			Public:  ed25519.PublicKey(pub),
			Private: ed25519.PrivateKey(priv),
		}, nil
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(kp.Public)), 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(kp.Private)), 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}

	return kp, nil
}

// PublicKeyHex returns the public key as a hex string.
func (kp *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(kp.Public)
}

// Sign signs a message with the private key.
func (kp *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// SignEntry fills entry.Signer and entry.Proof for the given signer id.
func (kp *Keypair) SignEntry(signer string, entry domain.RegistryEntry) domain.RegistryEntry {
	entry.Signer = signer
	entry.Proof = hex.EncodeToString(kp.Sign(domain.ProofMessage(entry.DACID, entry.Service, entry.Location)))
	return entry
}

// Verify checks a signature against a public key.
func Verify(message, signature []byte, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// ─── Key Ring ───────────────────────────────────────────────────────────────

// KeyRing is a set of trusted signer keys. It implements domain.ProofVerifier.
// Safe for concurrent use.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

var _ domain.ProofVerifier = (*KeyRing)(nil)

// NewKeyRing creates an empty key ring. An empty ring verifies nothing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

// Trust registers a signer's public key.
func (r *KeyRing) Trust(signer string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[signer] = pub
}

// TrustHex registers a hex-encoded public key.
func (r *KeyRing) TrustHex(signer, pubHex string) error {
	pub, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil {
		return fmt.Errorf("decode key for %s: %w", signer, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("key for %s: want %d bytes, got %d", signer, ed25519.PublicKeySize, len(pub))
	}
	r.Trust(signer, ed25519.PublicKey(pub))
	return nil
}

// Len returns the number of trusted signers.
func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// VerifyProof reports whether entry carries a valid signature, by a trusted
// signer, binding ref's (dac, service) to entry.Location. Every malformed or
// unknown input yields false.
func (r *KeyRing) VerifyProof(ref domain.CapsuleRef, entry domain.RegistryEntry) bool {
	if ref.DACID != entry.DACID || ref.Service != entry.Service {
		return false
	}
	r.mu.RLock()
	pub, ok := r.keys[entry.Signer]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(entry.Proof)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return Verify(domain.ProofMessage(entry.DACID, entry.Service, entry.Location), sig, pub)
}
