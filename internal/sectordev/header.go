package sectordev

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bwesterb/byteswriter"
	"golang.org/x/crypto/sha3"

	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/layout"
	"github.com/vefscore/vefs/internal/vcrypto"
)

// magic is the 4-byte archive prefix, chosen for this implementation.
var magic = [4]byte{'V', 'E', 'F', 'S'}

const formatVersion uint16 = 1

const (
	kdfSaltSize           = 16
	masterSecretSize      = 64
	masterSecretMACSize   = 16
	staticHeaderMACSize   = 16
	staticHeaderFixedSize = 4 + 2 + 2 + kdfSaltSize + masterSecretSize + masterSecretMACSize +
		layout.PersonalizationAreaSize + staticHeaderMACSize
)

// dynamicHeaderRegionSize is everything in sector 0 after the static
// header, split evenly between the "A" and "B" halves.
const dynamicHeaderRegionSize = layout.SectorSize - staticHeaderFixedSize
const dynamicHeaderHalfSize = dynamicHeaderRegionSize / 2

// staticHeader is the fixed, always-plaintext-structured prefix of
// sector 0 (spec §4.2 "Static header (fixed layout)").
type staticHeader struct {
	magic               [4]byte
	formatVersion       uint16
	staticHeaderLength  uint16
	kdfSalt             [kdfSaltSize]byte
	sealedMasterSecret  [masterSecretSize]byte
	sealedMasterSecMAC  [masterSecretMACSize]byte
	personalizationArea [layout.PersonalizationAreaSize]byte
	staticHeaderMAC     [staticHeaderMACSize]byte
}

func (h *staticHeader) encodePreMAC() []byte {
	buf := make([]byte, staticHeaderFixedSize-staticHeaderMACSize)
	w := byteswriter.NewWriter(buf)
	w.Write(h.magic[:])
	putUint16(w, h.formatVersion)
	putUint16(w, h.staticHeaderLength)
	w.Write(h.kdfSalt[:])
	w.Write(h.sealedMasterSecret[:])
	w.Write(h.sealedMasterSecMAC[:])
	w.Write(h.personalizationArea[:])
	return buf
}

func putUint16(w io.Writer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func (h *staticHeader) encode() []byte {
	pre := h.encodePreMAC()
	out := make([]byte, 0, staticHeaderFixedSize)
	out = append(out, pre...)
	out = append(out, h.staticHeaderMAC[:]...)
	return out
}

func decodeStaticHeader(buf []byte) (*staticHeader, error) {
	if len(buf) < staticHeaderFixedSize {
		return nil, errs.New(errs.OversizedStaticHeader, "static header region truncated")
	}
	h := &staticHeader{}
	off := 0
	copy(h.magic[:], buf[off:off+4])
	off += 4
	h.formatVersion = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.staticHeaderLength = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	copy(h.kdfSalt[:], buf[off:off+kdfSaltSize])
	off += kdfSaltSize
	copy(h.sealedMasterSecret[:], buf[off:off+masterSecretSize])
	off += masterSecretSize
	copy(h.sealedMasterSecMAC[:], buf[off:off+masterSecretMACSize])
	off += masterSecretMACSize
	copy(h.personalizationArea[:], buf[off:off+layout.PersonalizationAreaSize])
	off += layout.PersonalizationAreaSize
	copy(h.staticHeaderMAC[:], buf[off:off+staticHeaderMACSize])

	if !bytes.Equal(h.magic[:], magic[:]) {
		return nil, errs.New(errs.InvalidPrefix, "bad archive magic prefix")
	}
	if h.formatVersion != formatVersion {
		return nil, errs.New(errs.UnknownFormatVersion, "unsupported format version %d", h.formatVersion)
	}
	if int(h.staticHeaderLength) != staticHeaderFixedSize {
		return nil, errs.New(errs.OversizedStaticHeader, "unexpected static header length %d", h.staticHeaderLength)
	}
	return h, nil
}

// authenticate verifies the static header MAC under boxKeyMaterial,
// the key stretched from the user PRK and this header's salt.
func (h *staticHeader) authenticate(boxKeyMaterial []byte) error {
	mac := computeStaticHeaderMAC(boxKeyMaterial, h.encodePreMAC())
	if vcrypto.CtCompare(mac, h.staticHeaderMAC[:]) == 0 {
		return nil
	}
	return errs.New(errs.WrongUserPRK, "static header authentication failed")
}

func computeStaticHeaderMAC(boxKeyMaterial, preMAC []byte) []byte {
	mac := hmac.New(sha3.New256, boxKeyMaterial[:32])
	mac.Write(preMAC)
	full := mac.Sum(nil)
	return full[:staticHeaderMACSize]
}

// archiveHeader is the decoded payload of one dynamic header half
// (spec §3 "dynamic header ... archive header").
type archiveHeader struct {
	version uint64

	vfsRootSectorID uint64
	vfsRootMAC      [16]byte
	vfsTreeDepth    int8
	vfsSize         uint64
	vfsWriteCounterHi uint64
	vfsWriteCounterLo uint64

	freeRootSectorID uint64
	freeRootMAC      [16]byte
	freeTreeDepth    int8
	freeSize         uint64
	freeWriteCounterHi uint64
	freeWriteCounterLo uint64

	nextSectorID uint64 // archive size in sectors (device.size())
}

const archiveHeaderEncodedSize = 8 + (8 + 16 + 1 + 8 + 8 + 8) + (8 + 16 + 1 + 8 + 8 + 8) + 8

// HeaderState is the exported view of one commit's durable archive
// state (spec §3 "archive header"): the vfilesystem and free-sector
// pseudo-file tree roots plus their write counters, and the monotone
// version stamp. The archive handle reads the active state via Header
// and proposes the next one via UpdateHeader; archiveHeader itself
// stays unexported since it also carries nextSectorID, which only the
// device may set.
type HeaderState struct {
	Version uint64

	VFSRootSectorID   uint64
	VFSRootMAC        [16]byte
	VFSTreeDepth      int8
	VFSSize           uint64
	VFSWriteCounterHi uint64
	VFSWriteCounterLo uint64

	FreeRootSectorID   uint64
	FreeRootMAC        [16]byte
	FreeTreeDepth      int8
	FreeSize           uint64
	FreeWriteCounterHi uint64
	FreeWriteCounterLo uint64
}

func (a *archiveHeader) toState() HeaderState {
	return HeaderState{
		Version:            a.version,
		VFSRootSectorID:    a.vfsRootSectorID,
		VFSRootMAC:         a.vfsRootMAC,
		VFSTreeDepth:       a.vfsTreeDepth,
		VFSSize:            a.vfsSize,
		VFSWriteCounterHi:  a.vfsWriteCounterHi,
		VFSWriteCounterLo:  a.vfsWriteCounterLo,
		FreeRootSectorID:   a.freeRootSectorID,
		FreeRootMAC:        a.freeRootMAC,
		FreeTreeDepth:      a.freeTreeDepth,
		FreeSize:           a.freeSize,
		FreeWriteCounterHi: a.freeWriteCounterHi,
		FreeWriteCounterLo: a.freeWriteCounterLo,
	}
}

func stateToHeader(s HeaderState) *archiveHeader {
	return &archiveHeader{
		version:            s.Version,
		vfsRootSectorID:    s.VFSRootSectorID,
		vfsRootMAC:         s.VFSRootMAC,
		vfsTreeDepth:       s.VFSTreeDepth,
		vfsSize:            s.VFSSize,
		vfsWriteCounterHi:  s.VFSWriteCounterHi,
		vfsWriteCounterLo:  s.VFSWriteCounterLo,
		freeRootSectorID:   s.FreeRootSectorID,
		freeRootMAC:        s.FreeRootMAC,
		freeTreeDepth:      s.FreeTreeDepth,
		freeSize:           s.FreeSize,
		freeWriteCounterHi: s.FreeWriteCounterHi,
		freeWriteCounterLo: s.FreeWriteCounterLo,
	}
}

func (a *archiveHeader) encode() []byte {
	buf := make([]byte, archiveHeaderEncodedSize)
	w := byteswriter.NewWriter(buf)
	putUint64(w, a.version)
	putUint64(w, a.vfsRootSectorID)
	w.Write(a.vfsRootMAC[:])
	w.Write([]byte{byte(a.vfsTreeDepth)})
	putUint64(w, a.vfsSize)
	putUint64(w, a.vfsWriteCounterHi)
	putUint64(w, a.vfsWriteCounterLo)
	putUint64(w, a.freeRootSectorID)
	w.Write(a.freeRootMAC[:])
	w.Write([]byte{byte(a.freeTreeDepth)})
	putUint64(w, a.freeSize)
	putUint64(w, a.freeWriteCounterHi)
	putUint64(w, a.freeWriteCounterLo)
	putUint64(w, a.nextSectorID)
	return buf
}

func putUint64(w io.Writer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func decodeArchiveHeader(buf []byte) (*archiveHeader, error) {
	if len(buf) < archiveHeaderEncodedSize {
		return nil, errs.New(errs.InvalidProto, "archive header truncated")
	}
	a := &archiveHeader{}
	r := bytes.NewReader(buf)
	var tmp8 [8]byte
	readU64 := func() uint64 {
		r.Read(tmp8[:])
		return binary.LittleEndian.Uint64(tmp8[:])
	}
	a.version = readU64()
	a.vfsRootSectorID = readU64()
	r.Read(a.vfsRootMAC[:])
	var depthByte [1]byte
	r.Read(depthByte[:])
	a.vfsTreeDepth = int8(depthByte[0])
	a.vfsSize = readU64()
	a.vfsWriteCounterHi = readU64()
	a.vfsWriteCounterLo = readU64()
	a.freeRootSectorID = readU64()
	r.Read(a.freeRootMAC[:])
	r.Read(depthByte[:])
	a.freeTreeDepth = int8(depthByte[0])
	a.freeSize = readU64()
	a.freeWriteCounterHi = readU64()
	a.freeWriteCounterLo = readU64()
	a.nextSectorID = readU64()
	return a, nil
}

// dynamicHeaderHalf is the on-disk envelope of one A/B half: a
// version-tagged, AEAD-sealed encoding of archiveHeader.
type dynamicHeaderHalf struct {
	version    uint64
	ciphertext []byte
	mac        [16]byte
}

func (h *dynamicHeaderHalf) encode() []byte {
	buf := make([]byte, 0, 8+4+len(h.ciphertext)+16)
	var vbuf [8]byte
	binary.LittleEndian.PutUint64(vbuf[:], h.version)
	buf = append(buf, vbuf[:]...)
	var lbuf [4]byte
	binary.LittleEndian.PutUint32(lbuf[:], uint32(len(h.ciphertext)))
	buf = append(buf, lbuf[:]...)
	buf = append(buf, h.ciphertext...)
	buf = append(buf, h.mac[:]...)
	if len(buf) > dynamicHeaderHalfSize {
		panic(fmt.Sprintf("sectordev: encoded dynamic header half %d exceeds budget %d", len(buf), dynamicHeaderHalfSize))
	}
	return buf
}

func decodeDynamicHeaderHalf(buf []byte) (*dynamicHeaderHalf, bool) {
	if len(buf) < 12+16 {
		return nil, false
	}
	version := binary.LittleEndian.Uint64(buf[0:8])
	length := binary.LittleEndian.Uint32(buf[8:12])
	if int(length) > len(buf)-12-16 {
		return nil, false
	}
	ct := make([]byte, length)
	copy(ct, buf[12:12+length])
	var mac [16]byte
	copy(mac[:], buf[12+length:12+length+16])
	return &dynamicHeaderHalf{version: version, ciphertext: ct, mac: mac}, true
}
