// Package sectordev implements the sector device (spec §4.2): the
// on-disk archive format, per-sector AEAD, and the dual dynamic header
// commit protocol. Grounded on the teacher's fsContainer (container.go):
// a magic-prefixed header, an mmap'd region of fixed-size padded
// records, and a lockfile guarding single-writer exclusivity — here
// generalized from "one cache file of subtrees" to "one archive file
// of encrypted sectors" with an added A/B header generation scheme the
// teacher's container does not need (it has no analogous commit step).
package sectordev

import (
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/nightlyone/lockfile"
	"golang.org/x/sys/unix"

	"github.com/vefscore/vefs/errs"
	"github.com/vefscore/vefs/internal/filecrypto"
	"github.com/vefscore/vefs/internal/layout"
	"github.com/vefscore/vefs/internal/vcrypto"
	"github.com/vefscore/vefs/internal/wipe"
	"github.com/vefscore/vefs/internal/xhash"
)

// Device owns the archive's host file exclusively (spec §5 "the sector
// device's underlying file handle is owned exclusively by the archive
// handle" — Device is that owner, one layer down).
type Device struct {
	mu sync.RWMutex

	path string
	file *os.File
	lock lockfile.Lockfile

	crypto vcrypto.Provider

	masterSecret []byte // 64 bytes, held in memory for the archive's open lifetime
	boxKeySalt   [16]byte

	region mmap.MMap // mmap of sectors [1, nSectors); sector 0 is handled unmapped

	nSectors uint64

	activeHalf   byte // 'A' or 'B'
	header       *archiveHeader
	personalize  [layout.PersonalizationAreaSize]byte
}

// CreateMode selects Open's behavior when path does not already exist.
type CreateMode int

const (
	// OpenExisting fails with no_archive_header-shaped error if path is
	// missing.
	OpenExisting CreateMode = iota
	// CreateNew initializes a fresh archive at path, failing if one
	// already exists.
	CreateNew
)

// Open opens (or creates) the archive at path, authenticating the
// static header against userPRK and recovering the master secret.
func Open(path string, userPRK []byte, mode CreateMode, crypto vcrypto.Provider) (*Device, error) {
	if len(userPRK) != 32 {
		return nil, errs.New(errs.WrongUserPRK, "user PRK must be 32 bytes, got %d", len(userPRK))
	}

	lockPath := path + ".lock"
	flock, err := lockfile.New(lockPath)
	if err != nil {
		return nil, errs.Wrap(errs.ResourceExhausted, err, "failed to construct lockfile %s", lockPath)
	}
	if err := flock.TryLock(); err != nil {
		if temp, ok := err.(interface{ Temporary() bool }); ok && temp.Temporary() {
			return nil, errs.Locked(errs.New(errs.ResourceExhausted, "archive %s is locked by another process", path))
		}
		return nil, errs.Wrap(errs.ResourceExhausted, err, "failed to lock archive %s", path)
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil

	switch mode {
	case CreateNew:
		if exists {
			flock.Unlock()
			return nil, errs.New(errs.InvalidProto, "archive %s already exists", path)
		}
		return create(path, userPRK, crypto, flock)
	default:
		if !exists {
			flock.Unlock()
			return nil, errs.New(errs.NoArchiveHeader, "archive %s does not exist", path)
		}
		return open(path, userPRK, crypto, flock)
	}
}

func create(path string, userPRK []byte, crypto vcrypto.Provider, flock lockfile.Lockfile) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		flock.Unlock()
		return nil, errs.Wrap(errs.ResourceExhausted, err, "failed to create archive file %s", path)
	}

	d := &Device{path: path, file: f, lock: flock, crypto: crypto}

	salt, err := crypto.GenerateSessionSalt()
	if err != nil {
		f.Close()
		flock.Unlock()
		return nil, errs.Wrap(errs.ResourceExhausted, err, "failed to generate KDF salt")
	}
	d.boxKeySalt = salt

	masterSecret := make([]byte, masterSecretSize)
	if err := crypto.Random(masterSecret); err != nil {
		f.Close()
		flock.Unlock()
		return nil, errs.Wrap(errs.ResourceExhausted, err, "failed to generate master secret")
	}
	d.masterSecret = masterSecret

	if err := f.Truncate(layout.SectorSize); err != nil {
		f.Close()
		flock.Unlock()
		return nil, errs.Wrap(errs.ResourceExhausted, err, "failed to allocate sector 0")
	}
	d.nSectors = 1

	if err := d.writeStaticHeader(userPRK); err != nil {
		f.Close()
		flock.Unlock()
		return nil, err
	}

	d.header = &archiveHeader{
		version:         1,
		vfsRootSectorID: 0,
		vfsTreeDepth:    -1,
		freeRootSectorID: 0,
		freeTreeDepth:    -1,
		nextSectorID:     d.nSectors,
	}
	d.activeHalf = 'A'
	if err := d.writeDynamicHeader('A', d.header); err != nil {
		f.Close()
		flock.Unlock()
		return nil, err
	}

	if err := d.mapRegion(); err != nil {
		f.Close()
		flock.Unlock()
		return nil, err
	}
	return d, nil
}

func open(path string, userPRK []byte, crypto vcrypto.Provider, flock lockfile.Lockfile) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		flock.Unlock()
		return nil, errs.Wrap(errs.ResourceExhausted, err, "failed to open archive file %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		flock.Unlock()
		return nil, errs.Wrap(errs.ResourceExhausted, err, "failed to stat archive file %s", path)
	}
	if fi.Size() < layout.SectorSize {
		f.Close()
		flock.Unlock()
		return nil, errs.New(errs.NoArchiveHeader, "archive file %s shorter than one sector", path)
	}

	sector0 := make([]byte, layout.SectorSize)
	if _, err := f.ReadAt(sector0, 0); err != nil {
		f.Close()
		flock.Unlock()
		return nil, errs.Wrap(errs.NoArchiveHeader, err, "failed to read sector 0")
	}

	sh, err := decodeStaticHeader(sector0[:staticHeaderFixedSize])
	if err != nil {
		f.Close()
		flock.Unlock()
		return nil, err
	}

	boxKeyMaterial, err := vcrypto.StretchUserPRK(userPRK, sh.kdfSalt)
	if err != nil {
		f.Close()
		flock.Unlock()
		return nil, errs.Wrap(errs.WrongUserPRK, err, "failed to stretch user PRK")
	}
	if err := sh.authenticate(boxKeyMaterial); err != nil {
		f.Close()
		flock.Unlock()
		return nil, err
	}

	masterSecret := make([]byte, masterSecretSize)
	if err := crypto.Open(masterSecret, boxKeyMaterial, sh.sealedMasterSecret[:], sh.sealedMasterSecMAC[:]); err != nil {
		f.Close()
		flock.Unlock()
		return nil, errs.New(errs.WrongUserPRK, "failed to open master secret box")
	}

	d := &Device{
		path:         path,
		file:         f,
		lock:         flock,
		crypto:       crypto,
		masterSecret: masterSecret,
		boxKeySalt:   sh.kdfSalt,
		nSectors:     uint64(fi.Size() / layout.SectorSize),
	}
	copy(d.personalize[:], sh.personalizationArea[:])

	halfA := sector0[staticHeaderFixedSize : staticHeaderFixedSize+dynamicHeaderHalfSize]
	halfB := sector0[staticHeaderFixedSize+dynamicHeaderHalfSize:]

	hdrA, okA := d.tryDecodeHalf(halfA, "header-A")
	hdrB, okB := d.tryDecodeHalf(halfB, "header-B")

	switch {
	case okA && okB:
		if hdrA.version == hdrB.version {
			f.Close()
			flock.Unlock()
			return nil, errs.New(errs.IdenticalHeaderVersion, "both dynamic header halves authenticate at version %d", hdrA.version)
		}
		if hdrA.version > hdrB.version {
			d.header, d.activeHalf = hdrA, 'A'
		} else {
			d.header, d.activeHalf = hdrB, 'B'
		}
	case okA:
		d.header, d.activeHalf = hdrA, 'A'
	case okB:
		d.header, d.activeHalf = hdrB, 'B'
	default:
		f.Close()
		flock.Unlock()
		return nil, errs.New(errs.NoArchiveHeader, "neither dynamic header half authenticates")
	}

	if err := d.mapRegion(); err != nil {
		f.Close()
		flock.Unlock()
		return nil, err
	}
	return d, nil
}

func (d *Device) tryDecodeHalf(buf []byte, role string) (*archiveHeader, bool) {
	half, ok := decodeDynamicHeaderHalf(buf)
	if !ok {
		return nil, false
	}
	keyMaterial, err := vcrypto.DeriveHeaderKeyMaterial(d.masterSecret, role, half.version)
	if err != nil {
		return nil, false
	}
	plain := make([]byte, len(half.ciphertext))
	if err := d.crypto.Open(plain, keyMaterial, half.ciphertext, half.mac[:]); err != nil {
		return nil, false
	}
	ah, err := decodeArchiveHeader(plain)
	if err != nil {
		return nil, false
	}
	ah.version = half.version
	return ah, true
}

func (d *Device) writeStaticHeader(userPRK []byte) error {
	boxKeyMaterial, err := vcrypto.StretchUserPRK(userPRK, d.boxKeySalt)
	if err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "failed to stretch user PRK")
	}

	sealed := make([]byte, masterSecretSize)
	var mac [masterSecretMACSize]byte
	if err := d.crypto.Seal(sealed, mac[:], boxKeyMaterial, d.masterSecret); err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "failed to seal master secret")
	}

	sh := &staticHeader{
		magic:              magic,
		formatVersion:      formatVersion,
		staticHeaderLength: staticHeaderFixedSize,
		kdfSalt:            d.boxKeySalt,
	}
	copy(sh.sealedMasterSecret[:], sealed)
	copy(sh.sealedMasterSecMAC[:], mac[:])
	copy(sh.personalizationArea[:], d.personalize[:])
	mac16 := computeStaticHeaderMAC(boxKeyMaterial, sh.encodePreMAC())
	copy(sh.staticHeaderMAC[:], mac16)

	_, err = d.file.WriteAt(sh.encode(), 0)
	return err
}

// UpdateStaticHeader re-seals the master secret under a new user PRK,
// rotating the static header's box key without touching any sector.
func (d *Device) UpdateStaticHeader(newUserPRK []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(newUserPRK) != 32 {
		return errs.New(errs.WrongUserPRK, "user PRK must be 32 bytes")
	}
	salt, err := d.crypto.GenerateSessionSalt()
	if err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "failed to generate KDF salt")
	}
	d.boxKeySalt = salt
	return d.writeStaticHeader(newUserPRK)
}

// Personalization returns a copy of the 4 KiB user-controlled area.
func (d *Device) Personalization() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]byte, layout.PersonalizationAreaSize)
	copy(out, d.personalize[:])
	return out
}

// SetPersonalization overwrites the in-memory personalization area. It
// reaches disk on the next UpdateStaticHeader call, which rewrites the
// static header; UpdateHeader writes only a dynamic header half and
// does not persist it.
func (d *Device) SetPersonalization(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(b) > layout.PersonalizationAreaSize {
		return errs.New(errs.OversizedStaticHeader, "personalization area over %d bytes", layout.PersonalizationAreaSize)
	}
	var buf [layout.PersonalizationAreaSize]byte
	copy(buf[:], b)
	d.personalize = buf
	return nil
}

func (d *Device) mapRegion() error {
	if d.nSectors <= layout.FirstDataSectorID {
		d.region = nil
		return nil
	}
	region, err := mmap.MapRegion(d.file, int((d.nSectors-1)*layout.SectorSize), mmap.RDWR, 0, layout.SectorSize)
	if err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "failed to mmap archive region")
	}
	d.region = region
	return nil
}

func (d *Device) unmapRegion() error {
	if d.region == nil {
		return nil
	}
	err := d.region.Unmap()
	d.region = nil
	return err
}

// Size returns the archive's current size in sectors, including
// sector 0.
func (d *Device) Size() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nSectors
}

// Resize grows or shrinks the archive to exactly nSectors sectors.
// Shrinking does not authenticate the sectors being dropped; callers
// must ensure they have already been released by the allocator.
func (d *Device) Resize(nSectors uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if nSectors == d.nSectors {
		return nil
	}
	if err := d.unmapRegion(); err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "failed to unmap before resize")
	}
	if err := d.file.Truncate(int64(nSectors) * layout.SectorSize); err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "failed to resize archive to %d sectors", nSectors)
	}
	d.nSectors = nSectors
	return d.mapRegion()
}

func (d *Device) sectorOffset(sectorID uint64) (int, error) {
	if sectorID == layout.MasterSectorID || sectorID >= d.nSectors {
		return 0, errs.New(errs.SectorReferenceOutOfRange, "sector %d out of range [1, %d)", sectorID, d.nSectors)
	}
	return int((sectorID - 1) * layout.SectorSize), nil
}

// ReadSector decrypts sectorID into buf (must be PayloadSize bytes),
// authenticating it under fileCtx's key and expectedMAC.
func (d *Device) ReadSector(buf []byte, fileCtx *filecrypto.Context, sectorID uint64, expectedMAC [16]byte, counter filecrypto.WriteCounter) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(buf) != layout.PayloadSize {
		return errs.New(errs.InvalidProto, "read buffer must be %d bytes", layout.PayloadSize)
	}
	off, err := d.sectorOffset(sectorID)
	if err != nil {
		return err
	}
	ciphertext := d.region[off : off+layout.PayloadSize]

	keyMaterial, err := fileCtx.DeriveSectorKeyMaterial(sectorID, counter)
	if err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "failed to derive sector key material")
	}
	// expectedMAC comes from the parent reference, not from this
	// sector's own on-disk trailer: authenticating against it (rather
	// than whatever tag happens to sit next to the ciphertext) is what
	// makes the tree's reference-MAC chaining actually bind a child to
	// its parent (spec §3 invariant 2).
	if err := d.crypto.Open(buf, keyMaterial, ciphertext, expectedMAC[:]); err != nil {
		// xhash.Sum64 over the raw ciphertext gives a short, stable
		// fingerprint for log correlation without dumping the sector.
		return errs.New(errs.TagMismatch, "sector %d failed authentication (ciphertext fingerprint %016x)",
			sectorID, xhash.Sum64(ciphertext)).WithSectorID(sectorID)
	}
	return nil
}

// WriteSector seals plaintext (PayloadSize bytes) into sectorID, using
// fileCtx and a freshly-derived counter value, and returns the 16-byte
// MAC the caller must store in the parent reference (spec §4.2).
func (d *Device) WriteSector(fileCtx *filecrypto.Context, sectorID uint64, plaintext []byte, counter filecrypto.WriteCounter) ([16]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var mac [16]byte
	if len(plaintext) != layout.PayloadSize {
		return mac, errs.New(errs.InvalidProto, "write buffer must be %d bytes", layout.PayloadSize)
	}
	off, err := d.sectorOffset(sectorID)
	if err != nil {
		return mac, err
	}
	keyMaterial, err := fileCtx.DeriveSectorKeyMaterial(sectorID, counter)
	if err != nil {
		return mac, errs.Wrap(errs.ResourceExhausted, err, "failed to derive sector key material")
	}
	ciphertextOut := d.region[off : off+layout.PayloadSize]
	macOut := make([]byte, vcrypto.MACSize)
	if err := d.crypto.Seal(ciphertextOut, macOut, keyMaterial, plaintext); err != nil {
		return mac, errs.Wrap(errs.ResourceExhausted, err, "failed to seal sector %d", sectorID)
	}
	copy(mac[:], macOut)
	trailer := d.region[off+layout.PayloadSize : off+layout.SectorSize]
	copy(trailer[:vcrypto.MACSize], macOut)
	for i := vcrypto.MACSize; i < layout.MACTrailerSize; i++ {
		trailer[i] = 0
	}
	return mac, nil
}

// EraseSector zero-wipes sectorID's payload and trailer; it requires
// no crypto operation since the sector becomes free.
func (d *Device) EraseSector(sectorID uint64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	off, err := d.sectorOffset(sectorID)
	if err != nil {
		return err
	}
	wipe.Bytes(d.region[off : off+layout.SectorSize])
	return nil
}

// UpdateHeader advances the archive to a new durable state: serialize
// state into the inactive half with version = active.version+1, seal
// it, flush, then flip the active role (spec §4.2 dual-header commit
// protocol, steps 1-5).
func (d *Device) UpdateHeader(state HeaderState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	nextHalf := byte('A')
	if d.activeHalf == 'A' {
		nextHalf = 'B'
	}
	hdr := stateToHeader(state)
	hdr.version = d.header.version + 1
	hdr.nextSectorID = d.nSectors

	if err := d.writeDynamicHeader(nextHalf, hdr); err != nil {
		return err
	}
	if err := d.sync(); err != nil {
		return err
	}
	d.activeHalf = nextHalf
	d.header = hdr
	return nil
}

func (d *Device) writeDynamicHeader(half byte, hdr *archiveHeader) error {
	role := "header-A"
	offset := int64(staticHeaderFixedSize)
	if half == 'B' {
		role = "header-B"
		offset = int64(staticHeaderFixedSize + dynamicHeaderHalfSize)
	}
	keyMaterial, err := vcrypto.DeriveHeaderKeyMaterial(d.masterSecret, role, hdr.version)
	if err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "failed to derive header key material")
	}
	plain := hdr.encode()
	ciphertext := make([]byte, len(plain))
	var mac [16]byte
	if err := d.crypto.Seal(ciphertext, mac[:], keyMaterial, plain); err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "failed to seal dynamic header half %c", half)
	}
	envelope := (&dynamicHeaderHalf{version: hdr.version, ciphertext: ciphertext, mac: mac}).encode()
	padded := make([]byte, dynamicHeaderHalfSize)
	copy(padded, envelope)
	if _, err := d.file.WriteAt(padded, offset); err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "failed to write dynamic header half %c", half)
	}
	return nil
}

// Header returns the currently-active archive header state.
func (d *Device) Header() HeaderState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.header.toState()
}

// ActiveHalf reports which dynamic header half ('A' or 'B') is
// currently authoritative.
func (d *Device) ActiveHalf() byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeHalf
}

// MasterSecret returns the 64-byte archive root secret, used by the
// file crypto contexts constructed above this layer.
func (d *Device) MasterSecret() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]byte, len(d.masterSecret))
	copy(out, d.masterSecret)
	return out
}

// Sync flushes the mmap'd region and the underlying file to durable
// storage; this is the barrier UpdateHeader relies on between writing
// the inactive half and flipping the active role.
func (d *Device) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sync()
}

func (d *Device) sync() error {
	if d.region != nil {
		if err := unix.Msync([]byte(d.region), unix.MS_SYNC); err != nil {
			return errs.Wrap(errs.ResourceExhausted, err, "msync failed")
		}
	}
	return d.file.Sync()
}

// Close releases the mmap, the file handle, and the exclusive lock.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	if err := d.unmapRegion(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
