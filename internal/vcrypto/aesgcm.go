package vcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/vefscore/vefs/errs"
)

var errTagMismatch = errs.New(errs.TagMismatch, "AEAD tag verification failed")

const (
	aesNonceSize = 12
	aesKeySize   = 32
)

// aesGCMProvider is the default Provider: AES-256-GCM, 12-byte nonce,
// truncated to a 16-byte tag as specified in §4.1.
type aesGCMProvider struct{}

// NewAESGCM returns the default archive crypto provider.
func NewAESGCM() Provider { return aesGCMProvider{} }

func (aesGCMProvider) Seal(ciphertextOut, macOut, keyMaterial, plaintext []byte) error {
	nonce, key, err := splitKeyMaterial(keyMaterial)
	if err != nil {
		return err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	if len(ciphertextOut) != len(plaintext) {
		return fmt.Errorf("vcrypto: ciphertextOut length %d != plaintext length %d", len(ciphertextOut), len(plaintext))
	}
	if len(macOut) != MACSize {
		return fmt.Errorf("vcrypto: macOut must be %d bytes", MACSize)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	n := len(sealed) - aead.Overhead()
	copy(ciphertextOut, sealed[:n])
	copy(macOut, sealed[n:n+MACSize])
	return nil
}

func (aesGCMProvider) Open(plaintextOut, keyMaterial, ciphertext, mac []byte) error {
	nonce, key, err := splitKeyMaterial(keyMaterial)
	if err != nil {
		return err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	if len(mac) != MACSize {
		return fmt.Errorf("vcrypto: mac must be %d bytes", MACSize)
	}
	sealed := make([]byte, 0, len(ciphertext)+aead.Overhead())
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, mac...)
	opened, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return errTagMismatch
	}
	copy(plaintextOut, opened)
	return nil
}

func (aesGCMProvider) Random(out []byte) error { return defaultRandom(out) }

func (aesGCMProvider) GenerateSessionSalt() ([16]byte, error) {
	var salt [16]byte
	err := defaultRandom(salt[:])
	return salt, err
}

func splitKeyMaterial(keyMaterial []byte) (nonce, key []byte, err error) {
	if len(keyMaterial) != KeyMaterialSize {
		return nil, nil, fmt.Errorf("vcrypto: key material must be %d bytes, got %d", KeyMaterialSize, len(keyMaterial))
	}
	return keyMaterial[:aesNonceSize], keyMaterial[aesNonceSize:], nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// AES-GCM normally produces a 16-byte tag; the on-disk trailer is
	// 32 bytes with the second half reserved and always zero, handled
	// by the caller (sector device), not here.
	return cipher.NewGCMWithTagSize(block, MACSize)
}
