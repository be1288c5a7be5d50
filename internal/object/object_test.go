package object

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiry_Expired(t *testing.T) {
	now := time.Now()
	exp := Expiry{Entered: now.Add(-time.Minute), TTL: 30 * time.Second, Grace: 10 * time.Second}
	assert.True(t, exp.Expired(now), "TTL+Grace elapsed 20s ago, should be expired")

	exp2 := Expiry{Entered: now, TTL: time.Minute, Grace: 0}
	assert.False(t, exp2.Expired(now), "fresh object should not be expired")
}

func TestObject_RefDeref(t *testing.T) {
	obj := NewObject()
	obj.Ref()
	assert.False(t, obj.Deref(), "one extra ref held after NewObject's implicit one")
	obj.Ref()
	assert.False(t, obj.Deref(), "still one ref outstanding")
	assert.True(t, obj.Deref(), "refcount should reach zero exactly once")
}

func TestObject_LRUWatermarks(t *testing.T) {
	obj := NewObject()
	t0 := obj.LastLRU()

	later := t0.Add(5 * time.Second)
	obj.TouchLRU(later)
	assert.Equal(t, later.UnixNano(), obj.LastLRU().UnixNano())

	obj.MarkUsed(later)
	assert.Equal(t, later.UnixNano(), obj.LastUse().UnixNano())
}

func TestObjCore_BusyUnbusyCycle(t *testing.T) {
	digest := [32]byte{1, 2, 3}
	core := NewObjCore(digest)
	require.True(t, core.HasFlag(FlagBusy), "a freshly inserted core starts busy")
	assert.Nil(t, core.Object(), "no object bound while busy")

	obj := NewObject()
	core.Unbusy(obj)
	assert.False(t, core.HasFlag(FlagBusy), "Unbusy must clear the busy flag")
	assert.Same(t, obj, core.Object())
}

func TestObjCore_PassFlagSurvivesUnbusy(t *testing.T) {
	core := NewObjCore([32]byte{9})
	core.SetFlag(FlagPass)
	core.Unbusy(NewObject())
	assert.True(t, core.HasFlag(FlagPass), "hit-for-pass marker must survive Unbusy")

	core.ClearFlag(FlagPass)
	assert.False(t, core.HasFlag(FlagPass))
}

func TestNewBusyObj_BindsCoreAndEmptyHeaders(t *testing.T) {
	core := NewObjCore([32]byte{})
	bo := NewBusyObj(core)
	assert.Same(t, core, bo.Core)
	assert.NotNil(t, bo.BereqHeader)
	assert.NotNil(t, bo.BerespHeader)
}

func TestMemStorage_TransientNeverVisibleBeyondAllocation(t *testing.T) {
	storage := NewMemStorage(1<<20, 1<<20)
	obj, err := storage.NewObject(StorageTransient, 128, 4)
	require.NoError(t, err)
	require.NotNil(t, obj)
	storage.Destroy(obj)
}

func TestMemStorage_BudgetExhaustion(t *testing.T) {
	storage := NewMemStorage(64, 64)
	_, err := storage.NewObject(StorageDefault, 1<<20, 0)
	assert.Error(t, err, "allocating far beyond budget must fail, not silently succeed")
}
