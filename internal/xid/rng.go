package xid

import (
	"math/rand"
	"sync"
)

// PRNG is the process-wide pseudo-random source used anywhere the engine
// needs a non-cryptographic random pick (e.g. director/backend selection
// among equal-weight candidates). It is reseedable via the debug.srandom
// admin hook so integration tests get reproducible backend choices; seed 1
// is the conventional "reproducible" value by project convention.
type PRNG struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewPRNG returns a PRNG seeded from the given value. Tests and the
// debug.srandom hook both go through this.
func NewPRNG(seed int64) *PRNG {
	return &PRNG{src: rand.New(rand.NewSource(seed))}
}

// Reseed implements the debug.srandom admin hook.
func (p *PRNG) Reseed(seed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.src = rand.New(rand.NewSource(seed))
}

// Intn returns a non-negative pseudo-random number in [0, n).
func (p *PRNG) Intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src.Intn(n)
}
