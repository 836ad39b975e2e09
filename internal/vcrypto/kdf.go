package vcrypto

import (
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// DeriveSectorKeyMaterial implements the per-sector KDF of §4.1: it is
// deterministic, depends on every one of fileID, writeCounter and
// sectorID, and produces KeyMaterialSize distinct bytes for any
// distinct (fileID, sectorID, writeCounter) triple. masterSecret is the
// HKDF input keying material; filecrypto.Context passes the archive's
// 64-byte root secret followed by the file's own 32-byte secret.
func DeriveSectorKeyMaterial(masterSecret []byte, fileID [16]byte, writeCounter [16]byte, sectorID uint64) ([]byte, error) {
	info := make([]byte, 0, 16+16+8+len("vefs/sector"))
	info = append(info, fileID[:]...)
	info = append(info, writeCounter[:]...)
	var sectorBuf [8]byte
	binary.LittleEndian.PutUint64(sectorBuf[:], sectorID)
	info = append(info, sectorBuf[:]...)
	info = append(info, []byte("vefs/sector")...)

	r := hkdf.New(sha3.New256, masterSecret, nil, info)
	out := make([]byte, KeyMaterialSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveHeaderKeyMaterial derives the key material used to seal one of
// the two dynamic header halves, keyed by its role ("header-A" /
// "header-B") and the version stamp it is about to carry.
func DeriveHeaderKeyMaterial(masterSecret []byte, role string, version uint64) ([]byte, error) {
	info := make([]byte, 0, len(role)+8)
	info = append(info, []byte(role)...)
	var versionBuf [8]byte
	binary.LittleEndian.PutUint64(versionBuf[:], version)
	info = append(info, versionBuf[:]...)

	r := hkdf.New(sha3.New256, masterSecret, nil, info)
	out := make([]byte, KeyMaterialSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StretchUserPRK runs the static header's KDF step: user-PRK + salt ->
// a box key used to seal/open the master secret.  Uses a SHA3-based
// HKDF-Extract/Expand rather than a deliberately-slow password KDF,
// since the user PRK is already assumed to be high entropy (the
// password -> PRK step, when used, happens in the CLI collaborator).
func StretchUserPRK(userPRK []byte, salt [16]byte) ([]byte, error) {
	r := hkdf.New(sha3.New256, userPRK, salt[:], []byte("vefs/box-key"))
	out := make([]byte, KeyMaterialSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
