package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// PageSealer encrypts and authenticates page bytes with AES-256-GCM
// before they leave the enclave, and decrypts/verifies them on the way
// back in. A nonce is generated per call and prepended to the
// ciphertext.
type PageSealer struct {
	masterKey []byte // 32 bytes
}

// NewPageSealer builds a sealer from a 32-byte master key.
func NewPageSealer(masterKey []byte) (*PageSealer, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("security: master key must be 32 bytes for AES-256, got %d", len(masterKey))
	}
	return &PageSealer{masterKey: masterKey}, nil
}

// DerivePageKey derives a page-specific 32-byte key from the master key
// and the page number, so that no two pages are ever sealed under the
// exact same key.
func DerivePageKey(masterKey []byte, pageNo uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], pageNo)
	h := sha256.New()
	h.Write(masterKey)
	h.Write(buf[:])
	sum := h.Sum(nil)
	return sum[:]
}

// Seal encrypts plaintext for the given page number, returning
// nonce||ciphertext||tag.
func (s *PageSealer) Seal(pageNo uint64, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(DerivePageKey(s.masterKey, pageNo))
	if err != nil {
		return nil, fmt.Errorf("security: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts and authenticates data previously produced by Seal for
// the same page number.
func (s *PageSealer) Open(pageNo uint64, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(DerivePageKey(s.masterKey, pageNo))
	if err != nil {
		return nil, fmt.Errorf("security: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: new gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("security: sealed page too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("security: open sealed page: %w", err)
	}
	return plaintext, nil
}

// DeriveMasterKeyFromPassphrase derives a 32-byte master key from an
// operator-supplied passphrase, for local/demo use where no KMS is
// available.
func DeriveMasterKeyFromPassphrase(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("security: passphrase cannot be empty")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:], nil
}
