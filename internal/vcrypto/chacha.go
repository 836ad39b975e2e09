package vcrypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// chachaProvider is an alternate Provider selectable at archive-create
// time, exercising the crypto provider interface's pluggability (the
// default remains AES-256-GCM).  Same key material layout as the
// default provider: 12-byte nonce ‖ 32-byte key.
type chachaProvider struct{}

// NewChaCha20Poly1305 returns a ChaCha20-Poly1305 based Provider.
func NewChaCha20Poly1305() Provider { return chachaProvider{} }

func (chachaProvider) Seal(ciphertextOut, macOut, keyMaterial, plaintext []byte) error {
	nonce, key, err := splitKeyMaterial(keyMaterial)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	if len(ciphertextOut) != len(plaintext) {
		return fmt.Errorf("vcrypto: ciphertextOut length %d != plaintext length %d", len(ciphertextOut), len(plaintext))
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	n := len(sealed) - aead.Overhead()
	copy(ciphertextOut, sealed[:n])
	copy(macOut, sealed[n:n+MACSize])
	return nil
}

func (chachaProvider) Open(plaintextOut, keyMaterial, ciphertext, mac []byte) error {
	nonce, key, err := splitKeyMaterial(keyMaterial)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
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

func (chachaProvider) Random(out []byte) error { return defaultRandom(out) }

func (chachaProvider) GenerateSessionSalt() ([16]byte, error) {
	var salt [16]byte
	err := defaultRandom(salt[:])
	return salt, err
}
