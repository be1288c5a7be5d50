package xid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounter_NextIsMonotonic(t *testing.T) {
	c := New()
	first := c.Next()
	second := c.Next()
	assert.Equal(t, first+1, second)
}

func TestCounter_PeekDoesNotAdvance(t *testing.T) {
	c := New()
	before := c.Peek()
	assert.Equal(t, before, c.Peek())
	c.Next()
	assert.Equal(t, before+1, c.Peek())
}

func TestCounter_SetOverridesValue(t *testing.T) {
	c := New()
	c.Set(1000)
	assert.Equal(t, uint64(1000), c.Peek())
	assert.Equal(t, uint64(1001), c.Next())
}

func TestCounter_NextIsConcurrencySafe(t *testing.T) {
	c := New()
	c.Set(0)

	var wg sync.WaitGroup
	const n = 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Next()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(n), c.Peek())
}

func TestPRNG_ReseedMakesOutputReproducible(t *testing.T) {
	p1 := NewPRNG(42)
	p2 := NewPRNG(1)
	p2.Reseed(42)

	for i := 0; i < 10; i++ {
		assert.Equal(t, p1.Intn(1000), p2.Intn(1000))
	}
}

func TestPRNG_IntnStaysInRange(t *testing.T) {
	p := NewPRNG(7)
	for i := 0; i < 100; i++ {
		v := p.Intn(5)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 5)
	}
}
