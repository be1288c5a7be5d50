// Package cacheindex implements the hash-table cache index the state
// machine probes at Lookup (spec.md §4.5) and mutates at Unbusy/Drop.
//
// The in-process implementation is a straightforward sharded map, in the
// spirit of the teacher's internal/ghostpool pool: a mutex-guarded
// structure with a channel-based wake signal standing in for condition
// variables. §9's design note calls the busy list "a condition queue on
// the ObjHead" explicitly; ObjHead.wake below is exactly that, built out
// of a closed-channel broadcast the way sync.Cond would be, but
// select-friendly so a parked Session's goroutine can also watch a
// ctx.Done() or a poll timeout alongside it.
package cacheindex

import (
	"crypto/sha256"
	"hash"
	"net/http"
	"sync"

	"github.com/ocx/edgeproxy/internal/object"
)

// ObjHead is the bucket for one digest: the set of already-resolved
// variants plus, while a fetch is in flight, the pending busy ObjCore and
// the wake channel parked lookups watch.
type ObjHead struct {
	mu       sync.Mutex
	digest   [32]byte
	variants []*object.ObjCore
	pending  *object.ObjCore
	wake     chan struct{}
}

func newObjHead(digest [32]byte) *ObjHead {
	return &ObjHead{digest: digest, wake: make(chan struct{})}
}

// broadcast wakes every Session parked on this head and installs a fresh
// channel for subsequent parkers. Must be called with mu held.
func (h *ObjHead) broadcast() {
	close(h.wake)
	h.wake = make(chan struct{})
}

// Wait returns the channel to select on. Caller must re-check state after
// it fires — broadcast wakes everyone, not just the one who should win.
func (h *ObjHead) Wait() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wake
}

// Result is what Lookup hands back. Parked is true iff the caller must
// give up the Session (return `park` from the Lookup step) and retry
// Lookup after Wake fires.
type Result struct {
	Core   *object.ObjCore
	Head   *ObjHead
	Parked bool
}

// CacheIndex is the external collaborator named in spec.md §6.
type CacheIndex interface {
	// Lookup probes the index for digest, matching req's vary-relevant
	// headers against any already-resolved variant. See spec.md §4.5 for
	// the three outcomes (parked / fresh-busy-miss / resolved).
	Lookup(digest [32]byte, req *http.Request) Result
	// Unbusy publishes obj onto core (which must be the pending entry of
	// some ObjHead) and wakes anyone parked on that head.
	Unbusy(core *object.ObjCore, obj *object.Object)
	// Drop removes core from the index without publishing anything —
	// used on fetch failure so parked Sessions re-enter Lookup and one
	// of them becomes the new fetcher, rather than waiting forever.
	Drop(core *object.ObjCore)
	// Deref decrements obj's refcount and destroys it via Storage once
	// it reaches zero.
	Deref(obj *object.Object)
}

// Digest computes the session hash digest the way the `hash` policy hook
// is specified to (spec.md §4.4): callers feed bytes in, then Sum closes
// it out. Kept as a thin wrapper so the hash hook's Go signature reads
// like the spec's "initialize a SHA-256 context ... finalize".
type Digest struct {
	h hash.Hash
}

// NewDigest starts a fresh SHA-256 context for one request.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Write feeds bytes into the digest. The hash hook calls this, typically
// with the request host and URL path, and anything a policy author wants
// to vary the cache key on.
func (d *Digest) Write(b []byte) { d.h.Write(b) }

// Sum finalizes the digest. Called once, after the hash hook returns.
func (d *Digest) Sum() [32]byte {
	var out [32]byte
	copy(out[:], d.h.Sum(nil))
	return out
}
