// Package vcrypto is the crypto provider boundary the rest of the
// archive engine is built against (spec §4.1).  Only this package
// knows about a concrete AEAD; every other layer speaks in terms of
// the Provider interface so the primitive can be swapped (the way the
// teacher's Context swaps between SHA2 and SHAKE hash families behind
// one precomputedHashes facade).
package vcrypto

import "crypto/rand"

// KeyMaterialSize is the length of the composite nonce‖key buffer every
// Provider consumes for Seal/Open.
const KeyMaterialSize = 44 // 12-byte nonce + 32-byte key, AES-256-GCM default

// MACSize is the length of the authentication tag a Provider produces.
const MACSize = 16

// Provider is the contract the storage engine consumes from an
// injected AEAD implementation.
type Provider interface {
	// Seal encrypts plaintext into ciphertextOut (same length as
	// plaintext) and writes the authentication tag into macOut (must be
	// MACSize bytes).  keyMaterial is KeyMaterialSize bytes of
	// nonce‖key.
	Seal(ciphertextOut, macOut, keyMaterial, plaintext []byte) error

	// Open authenticates and decrypts ciphertext into plaintextOut.
	Open(plaintextOut, keyMaterial, ciphertext, mac []byte) error

	// Random fills out with cryptographically secure random bytes.
	Random(out []byte) error

	// GenerateSessionSalt returns 16 fresh random bytes, used as the
	// KDF salt recorded in the static header.
	GenerateSessionSalt() ([16]byte, error)
}

// CtCompare performs a constant-time three-way comparison of a and b.
// Panics if len(a) != len(b), mirroring crypto/subtle's contract.
func CtCompare(a, b []byte) int {
	if len(a) != len(b) {
		panic("vcrypto: CtCompare called with mismatched lengths")
	}
	return ctCompare(a, b)
}

func defaultRandom(out []byte) error {
	_, err := rand.Read(out)
	return err
}
