package domain

import (
	"fmt"
	"time"
)

// CapsuleScheme is the URI scheme for logical capsule addresses.
const CapsuleScheme = "capsule"

// CapsuleRef is a parsed capsule://<dac_id>/<service>[:<version>] URI,
// optionally resolved to a verified storage location.
type CapsuleRef struct {
	DACID    string `json:"dac_id"`
	Service  string `json:"service"`
	Version  string `json:"version,omitempty"`
	Location string `json:"location,omitempty"`
	Verified bool   `json:"verified"`
}

// URI renders the reference back to its canonical capsule:// form.
func (r CapsuleRef) URI() string {
	s := fmt.Sprintf("%s://%s/%s", CapsuleScheme, r.DACID, r.Service)
	if r.Version != "" {
		s += ":" + r.Version
	}
	return s
}

// ProofMessage is the byte string a DAC signs to vouch for a location.
// The version is deliberately excluded: the registry is keyed by (dac, service).
func ProofMessage(dacID, service, location string) []byte {
	return []byte(fmt.Sprintf("%s://%s/%s|%s", CapsuleScheme, dacID, service, location))
}

// RegistryEntry is one row of the capsule registry.
type RegistryEntry struct {
	DACID     string    `json:"dac_id" yaml:"dac"`
	Service   string    `json:"service" yaml:"service"`
	Location  string    `json:"location" yaml:"location"`
	Signer    string    `json:"signer" yaml:"signer"`       // key id of the signing DAC key
	Proof     string    `json:"proof" yaml:"proof"`         // hex Ed25519 signature over ProofMessage
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// CacheEntry maps a content key derived from a storage location to a
// local artifact path.
type CacheEntry struct {
	Key        string    `json:"key" msgpack:"key"`
	Location   string    `json:"location" msgpack:"location"`
	Path       string    `json:"path" msgpack:"path"`
	SizeBytes  int64     `json:"size_bytes" msgpack:"size_bytes"`
	Digest     string    `json:"digest" msgpack:"digest"`
	FetchedAt  time.Time `json:"fetched_at" msgpack:"fetched_at"`
	LastAccess time.Time `json:"last_access" msgpack:"last_access"`
	Present    bool      `json:"present" msgpack:"present"`
}
