package cacheindex

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/edgeproxy/internal/object"
)

func digestOf(b byte) [32]byte {
	var d [32]byte
	d[0] = b
	return d
}

func TestLookup_FirstCallerBecomesFetcher(t *testing.T) {
	idx := NewMemIndex(4, object.NewMemStorage(1<<20, 1<<20))
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	res := idx.Lookup(digestOf(1), req)
	require.False(t, res.Parked)
	require.NotNil(t, res.Core)
	assert.True(t, res.Core.HasFlag(object.FlagBusy), "the first Lookup for a digest must return the pending busy core")
}

func TestLookup_SecondCallerParksBehindPendingFetch(t *testing.T) {
	idx := NewMemIndex(4, object.NewMemStorage(1<<20, 1<<20))
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	first := idx.Lookup(digestOf(2), req)
	require.False(t, first.Parked)

	second := idx.Lookup(digestOf(2), req)
	assert.True(t, second.Parked)
	assert.Nil(t, second.Core)
	assert.Same(t, first.Head, second.Head)
}

func TestUnbusy_WakesParkedLookupAndPublishesVariant(t *testing.T) {
	idx := NewMemIndex(4, object.NewMemStorage(1<<20, 1<<20))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	digest := digestOf(3)

	first := idx.Lookup(digest, req)
	require.False(t, first.Parked)

	parked := idx.Lookup(digest, req)
	require.True(t, parked.Parked)

	wake := parked.Head.Wait()

	var wg sync.WaitGroup
	wg.Add(1)
	woke := false
	go func() {
		defer wg.Done()
		select {
		case <-wake:
			woke = true
		case <-time.After(time.Second):
		}
	}()

	obj := object.NewObject()
	idx.Unbusy(first.Core, obj)
	wg.Wait()

	assert.True(t, woke, "broadcast must fire the wake channel")

	resolved := idx.Lookup(digest, req)
	require.False(t, resolved.Parked)
	assert.Same(t, first.Core, resolved.Core)
	assert.False(t, resolved.Core.HasFlag(object.FlagBusy))
}

func TestDrop_RemovesPendingCoreSoNextLookupBecomesFetcher(t *testing.T) {
	idx := NewMemIndex(4, object.NewMemStorage(1<<20, 1<<20))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	digest := digestOf(4)

	first := idx.Lookup(digest, req)
	require.False(t, first.Parked)

	idx.Drop(first.Core)

	next := idx.Lookup(digest, req)
	require.False(t, next.Parked)
	require.NotNil(t, next.Core)
	assert.NotSame(t, first.Core, next.Core, "Drop must clear the pending slot so a fresh fetcher is chosen")
}

func TestDeref_DestroysObjectOnceRefcountReachesZero(t *testing.T) {
	storage := object.NewMemStorage(300, 300)
	idx := NewMemIndex(4, storage)

	obj, err := storage.NewObject(object.StorageDefault, 256, 0)
	require.NoError(t, err)

	_, err = storage.NewObject(object.StorageDefault, 256, 0)
	require.Error(t, err, "budget should be exhausted by the first allocation")

	idx.Deref(obj) // drops the implicit ref from NewObject to zero, freeing the budget

	_, err = storage.NewObject(object.StorageDefault, 256, 0)
	assert.NoError(t, err, "Deref reaching zero must release obj's budget back to storage")
}

func TestVaryMatches_NoVaryAlwaysMatches(t *testing.T) {
	idx := NewMemIndex(4, object.NewMemStorage(1<<20, 1<<20))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	digest := digestOf(5)

	first := idx.Lookup(digest, req)
	obj := object.NewObject()
	idx.Unbusy(first.Core, obj)

	res := idx.Lookup(digest, req)
	assert.Same(t, first.Core, res.Core)
}

func TestVaryMatches_DifferingVaryHeaderMissesExistingVariant(t *testing.T) {
	idx := NewMemIndex(4, object.NewMemStorage(1<<20, 1<<20))
	digest := digestOf(6)

	reqEn := httptest.NewRequest(http.MethodGet, "/", nil)
	reqEn.Header.Set("Accept-Language", "en")

	first := idx.Lookup(digest, reqEn)
	obj := object.NewObject()
	obj.Vary = []string{"Accept-Language"}
	obj.VaryValues = map[string]string{"Accept-Language": "en"}
	idx.Unbusy(first.Core, obj)

	reqFr := httptest.NewRequest(http.MethodGet, "/", nil)
	reqFr.Header.Set("Accept-Language", "fr")

	res := idx.Lookup(digest, reqFr)
	require.False(t, res.Parked)
	assert.NotSame(t, first.Core, res.Core, "a Vary mismatch must become a new fetcher, not reuse the stale variant")
}

func TestDigest_WriteThenSumIsDeterministic(t *testing.T) {
	d1 := NewDigest()
	d1.Write([]byte("example.com"))
	d1.Write([]byte("/path"))

	d2 := NewDigest()
	d2.Write([]byte("example.com"))
	d2.Write([]byte("/path"))

	assert.Equal(t, d1.Sum(), d2.Sum())

	d3 := NewDigest()
	d3.Write([]byte("example.com"))
	d3.Write([]byte("/other"))
	assert.NotEqual(t, d1.Sum(), d3.Sum())
}
