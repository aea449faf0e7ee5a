package auditledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Keyring signs committed batch roots with an Ed25519 key, and derives
// tenant-scoped sub-keyrings via HKDF-SHA256 so a tenant's signature can be
// verified without exposing the master private key.
type Keyring struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewKeyring generates a fresh master signing key.
func NewKeyring() (*Keyring, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auditledger: generate signing key: %w", err)
	}
	return &Keyring{pub: pub, priv: priv}, nil
}

// PublicKey returns the key used to verify Sign's output.
func (k *Keyring) PublicKey() ed25519.PublicKey {
	return k.pub
}

// Sign signs root with the master key.
func (k *Keyring) Sign(root string) []byte {
	return ed25519.Sign(k.priv, []byte(root))
}

// Verify checks sig against root using the master public key.
func (k *Keyring) Verify(root string, sig []byte) bool {
	return ed25519.Verify(k.pub, []byte(root), sig)
}

// DeriveForTenant derives a tenant-scoped Keyring: the master private key's
// seed is used as HKDF input keying material, and tenantID as the info
// parameter, so every tenant gets a distinct, deterministic Ed25519
// keypair without storing one per tenant.
func (k *Keyring) DeriveForTenant(tenantID string) (*Keyring, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("auditledger: tenantID must not be empty")
	}

	seed := k.priv.Seed()
	reader := hkdf.New(sha256.New, seed, []byte("cgr-ledger-tenant-kdf"), []byte(tenantID))
	tenantSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, tenantSeed); err != nil {
		return nil, fmt.Errorf("auditledger: derive tenant key: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(tenantSeed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Keyring{pub: pub, priv: priv}, nil
}
