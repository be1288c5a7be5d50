// Package object implements the cached artifact and its index handle: the
// Object/ObjCore/BusyObj triple described in spec.md §3, plus the Storage
// allocator interface of §6.
package object

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// StorageHint tells Storage.NewObject which pool to allocate from.
type StorageHint int

const (
	// StorageDefault lets the allocator pick its normal cacheable pool.
	StorageDefault StorageHint = iota
	// StorageTransient forces an uncached pool — the object is never
	// visible to future lookups no matter what TTL gets computed for it.
	StorageTransient
)

// Expiry bundles the timing decision FetchBody computes from RFC 2616
// semantics (spec.md §4.7).
type Expiry struct {
	Entered time.Time
	TTL     time.Duration
	Grace   time.Duration
	Keep    time.Duration
}

// Expired reports whether, as of now, the object is past TTL+Grace.
func (e Expiry) Expired(now time.Time) bool {
	return now.After(e.Entered.Add(e.TTL).Add(e.Grace))
}

// Object is the cached artifact. Everything under "immutable after
// unbusy" must not be mutated once Unbusy has run; only the LRU fields
// are touched afterwards, and only through the methods below so the
// CacheIndex's synchronization story (§5) stays true.
type Object struct {
	// Immutable after Unbusy.
	Status       int
	Header       http.Header
	Body         []byte // fully buffered body for the non-streaming path
	XID          uint64
	LastModified time.Time
	Gzipped      bool
	Vary         []string          // header names the variant was selected on
	VaryValues   map[string]string // the triggering request's values for those headers
	ESIData      []byte            // pre-parsed ESI instruction stream, nil if none

	Exp Expiry

	// LRU side, stored atomically and updated via TouchLRU/MarkUsed.
	lastUse atomic.Int64 // unix nano
	lastLRU atomic.Int64 // unix nano

	refs atomic.Int32
}

// NewObject is called by Storage implementations; engine code should go
// through Storage.NewObject instead of constructing an Object directly.
func NewObject() *Object {
	o := &Object{Header: make(http.Header)}
	o.refs.Store(1)
	now := time.Now().UnixNano()
	o.lastUse.Store(now)
	o.lastLRU.Store(now)
	return o
}

// Ref increments the reference count. Every path that hands an *Object to
// a Session must Ref it first.
func (o *Object) Ref() { o.refs.Add(1) }

// Deref decrements the reference count and reports whether it reached
// zero (caller should then hand the object to Storage for destruction).
func (o *Object) Deref() bool {
	return o.refs.Add(-1) == 0
}

// LastUse returns the last-use watermark.
func (o *Object) LastUse() time.Time {
	return time.Unix(0, o.lastUse.Load())
}

// MarkUsed stamps last_use to now. Called unconditionally on delivery.
func (o *Object) MarkUsed(now time.Time) {
	o.lastUse.Store(now.UnixNano())
}

// LastLRU returns the last LRU-touch watermark.
func (o *Object) LastLRU() time.Time {
	return time.Unix(0, o.lastLRU.Load())
}

// TouchLRU stamps last_lru. PrepResp only calls this when
// now-last_lru > lru_timeout (§4.9), to avoid hammering the LRU list.
func (o *Object) TouchLRU(now time.Time) {
	o.lastLRU.Store(now.UnixNano())
}

// CoreFlags are the bits an ObjCore carries (spec.md §3).
type CoreFlags uint32

const (
	// FlagBusy marks an ObjCore whose Object is still being
	// fetched/populated — not visible to CacheIndex.lookup.
	FlagBusy CoreFlags = 1 << iota
	// FlagPass marks a hit-for-pass negative cache entry: lookups that
	// land on it must bypass the cache (Pass), never Hit.
	FlagPass
)

// ObjCore is the cache-index handle pointing at an Object (or, while
// FlagBusy is set, at nothing yet — the fetching Session owns a BusyObj
// instead).
type ObjCore struct {
	mu     sync.Mutex
	flags  CoreFlags
	object *Object
	digest [32]byte
	vary   string // concrete vary-selector key once resolved
}

// NewObjCore creates a busy placeholder for a fresh cache insert.
func NewObjCore(digest [32]byte) *ObjCore {
	return &ObjCore{flags: FlagBusy, digest: digest}
}

func (oc *ObjCore) Digest() [32]byte { return oc.digest }

func (oc *ObjCore) HasFlag(f CoreFlags) bool {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.flags&f != 0
}

func (oc *ObjCore) SetFlag(f CoreFlags) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.flags |= f
}

func (oc *ObjCore) ClearFlag(f CoreFlags) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.flags &^= f
}

// Unbusy publishes obj and clears FlagBusy, making the entry visible to
// future lookups (invariant 8, spec.md §3).
func (oc *ObjCore) Unbusy(obj *Object) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.object = obj
	oc.flags &^= FlagBusy
}

// Object returns the bound object, or nil while busy.
func (oc *ObjCore) Object() *Object {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.object
}

// BusyObj is the mutable fetch-time state exclusively owned by the
// inserting Session while its ObjCore carries FlagBusy (invariant 3).
type BusyObj struct {
	Core *ObjCore

	Method       string
	BereqHeader  http.Header
	BerespHeader http.Header
	BerespStatus int

	IsGzip   bool
	IsGunzip bool
	DoGzip   bool
	DoGunzip bool
	DoESI    bool
	DoStream bool

	Exp Expiry

	// VFP is the chosen body transform pipeline element (§4.8). Concrete
	// implementations live in package codec; BusyObj only holds the
	// selected name/tag plus whatever the transform needs across calls.
	VFPName string

	// FramingChunked/FramingLength/FramingEOF mirror the classification
	// Fetch performs on the backend response (§4.7).
	FramingChunked bool
	FramingLength  int64
	FramingEOF     bool
	FramingNone    bool
}

// NewBusyObj binds fresh fetch-time state to core. Only one BusyObj may
// be bound to a given ObjCore at a time — that uniqueness is what makes
// "one fetcher per (hash,vary)" true (spec.md §4.5).
func NewBusyObj(core *ObjCore) *BusyObj {
	return &BusyObj{
		Core:         core,
		BereqHeader:  make(http.Header),
		BerespHeader: make(http.Header),
	}
}

// Storage allocates Objects, per spec.md §6.
type Storage interface {
	// NewObject requests space for an object with n_headers headers and
	// an estimated size hint. hint TRANSIENT_STORAGE forces an uncached
	// pool. Returns nil, an error on allocation failure — callers must
	// retry on StorageTransient before giving up (§4.8).
	NewObject(hint StorageHint, sizeHint int, nHeaders int) (*Object, error)
	// Destroy releases storage backing o. Called once its refcount hits
	// zero.
	Destroy(o *Object)
}
