package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer is a "sign(private_key, bytes) -> signature" collaborator,
// used only at witness emission.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// EnclaveSigner is the default Signer: a long-lived Ed25519 keypair
// generated once at enclave startup.
type EnclaveSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEnclaveSigner generates a fresh Ed25519 keypair.
func NewEnclaveSigner() (*EnclaveSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("security: generate signing key: %w", err)
	}
	return &EnclaveSigner{priv: priv, pub: pub}, nil
}

// NewEnclaveSignerFromSeed rebuilds a signer from a 32-byte seed, so the
// enclave's public key can stay stable across restarts in tests.
func NewEnclaveSignerFromSeed(seed []byte) (*EnclaveSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("security: seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &EnclaveSigner{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *EnclaveSigner) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

func (s *EnclaveSigner) PublicKey() ed25519.PublicKey { return s.pub }

// Verify checks a signature produced by a Signer with the given public key.
func Verify(pub ed25519.PublicKey, data, signature []byte) bool {
	return ed25519.Verify(pub, data, signature)
}
