package vefs

import (
	"github.com/vefscore/vefs/internal/vcrypto"
	"github.com/vefscore/vefs/internal/workpool"
)

// OpenOptions configures Open (spec §4.8, ambient "+ Configuration":
// a plain options struct following the teacher's Context convention
// of configuration fields living directly on the object rather than
// functional options).
type OpenOptions struct {
	// Create, if true, initializes a fresh archive at the given path
	// instead of opening an existing one; Open fails if one already
	// exists there.
	Create bool

	// Crypto overrides the AEAD provider; defaults to AES-256-GCM
	// (vcrypto.NewAESGCM) when nil.
	Crypto vcrypto.Provider

	// Pool overrides the background thread pool used for prefetch and
	// write-back submissions; defaults to a pool sized by
	// runtime.NumCPU() when nil.
	Pool workpool.Pool

	// CacheCapacity overrides the shared sector cache's page count;
	// defaults to defaultCacheCapacity when zero.
	CacheCapacity int
}

const defaultCacheCapacity = 1024
