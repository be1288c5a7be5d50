package cacheindex

import (
	"net/http"
	"sync"

	"github.com/ocx/edgeproxy/internal/object"
)

// MemIndex is the default, single-process CacheIndex: a sharded map of
// digest -> *ObjHead. Grounded on the teacher's ghostpool.PoolManager
// shape (mutex-guarded map as the source of truth, no external service
// required) generalized from "container slot" ownership to "cache
// variant" ownership.
type MemIndex struct {
	shards []shard
	mask   uint64

	storage object.Storage

	// onUnbusy/onDrop let a distributed adapter (see redisfanout.go)
	// piggyback a cross-instance wake without MemIndex knowing anything
	// about Redis.
	onUnbusy func(digest [32]byte)
	onDrop   func(digest [32]byte)
}

type shard struct {
	mu    sync.Mutex
	heads map[[32]byte]*ObjHead
}

// NewMemIndex creates a MemIndex with 2^shardBits shards. storage backs
// Deref's destroy-on-refcount-zero path.
func NewMemIndex(shardBits uint, storage object.Storage) *MemIndex {
	n := uint64(1) << shardBits
	idx := &MemIndex{shards: make([]shard, n), mask: n - 1, storage: storage}
	for i := range idx.shards {
		idx.shards[i].heads = make(map[[32]byte]*ObjHead)
	}
	return idx
}

// OnWake installs callbacks invoked after Unbusy/Drop, after the local
// broadcast has already happened — used to fan the wake out over Redis
// in the distributed configuration (spec.md §4.5's design note).
func (idx *MemIndex) OnWake(onUnbusy, onDrop func(digest [32]byte)) {
	idx.onUnbusy = onUnbusy
	idx.onDrop = onDrop
}

func (idx *MemIndex) shardFor(digest [32]byte) *shard {
	var k uint64
	for i := 0; i < 8; i++ {
		k = k<<8 | uint64(digest[i])
	}
	return &idx.shards[k&idx.mask]
}

func (idx *MemIndex) headFor(digest [32]byte, create bool) *ObjHead {
	sh := idx.shardFor(digest)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	h, ok := sh.heads[digest]
	if !ok && create {
		h = newObjHead(digest)
		sh.heads[digest] = h
	}
	return h
}

func (idx *MemIndex) dropHeadIfEmpty(digest [32]byte) {
	sh := idx.shardFor(digest)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	h, ok := sh.heads[digest]
	if !ok {
		return
	}
	h.mu.Lock()
	empty := h.pending == nil && len(h.variants) == 0
	h.mu.Unlock()
	if empty {
		delete(sh.heads, digest)
	}
}

// Lookup implements CacheIndex.Lookup. See spec.md §4.5: a nil Core with
// Parked=true means the Session must park; a non-nil busy Core means this
// call became the fetcher (Miss); a non-nil non-busy Core is a Hit or
// Pass depending on FlagPass.
func (idx *MemIndex) Lookup(digest [32]byte, req *http.Request) Result {
	h := idx.headFor(digest, true)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pending != nil {
		return Result{Head: h, Parked: true}
	}

	for _, oc := range h.variants {
		obj := oc.Object()
		if obj == nil {
			continue // shouldn't happen for a non-pending variant, but be defensive
		}
		if varyMatches(obj, req) {
			return Result{Core: oc, Head: h}
		}
	}

	oc := object.NewObjCore(digest)
	h.pending = oc
	return Result{Core: oc, Head: h}
}

// varyMatches compares req's values for obj.Vary against the values
// captured when obj was stored (spec.md §4.8's vary handling).
func varyMatches(obj *object.Object, req *http.Request) bool {
	if len(obj.Vary) == 0 {
		return true
	}
	for _, name := range obj.Vary {
		want, tracked := obj.VaryValues[name]
		got := req.Header.Get(name)
		if !tracked || want != got {
			return false
		}
	}
	return true
}

func (idx *MemIndex) Unbusy(core *object.ObjCore, obj *object.Object) {
	digest := core.Digest()
	h := idx.headFor(digest, false)
	if h == nil {
		return
	}
	core.Unbusy(obj)
	h.mu.Lock()
	if h.pending == core {
		h.pending = nil
		h.variants = append(h.variants, core)
	}
	h.broadcast()
	h.mu.Unlock()

	if idx.onUnbusy != nil {
		idx.onUnbusy(digest)
	}
}

func (idx *MemIndex) Drop(core *object.ObjCore) {
	digest := core.Digest()
	h := idx.headFor(digest, false)
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.pending == core {
		h.pending = nil
	}
	for i, v := range h.variants {
		if v == core {
			h.variants = append(h.variants[:i], h.variants[i+1:]...)
			break
		}
	}
	h.broadcast()
	h.mu.Unlock()
	idx.dropHeadIfEmpty(digest)

	if idx.onDrop != nil {
		idx.onDrop(digest)
	}
}

func (idx *MemIndex) Deref(obj *object.Object) {
	if obj == nil {
		return
	}
	if obj.Deref() {
		idx.storage.Destroy(obj)
	}
}
