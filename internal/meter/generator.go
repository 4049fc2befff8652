package meter

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Increment bounds for simulated consumption between two ticks (inclusive).
const (
	MinIncrement = 1
	MaxIncrement = 3
)

// Generator produces the next reading from the previous one.
type Generator interface {
	Next(previous uint64) uint64
}

// RandomGenerator adds a uniformly distributed increment in
// [MinIncrement, MaxIncrement] to the previous reading.
//
// Thread Safety:
//   - Safe for concurrent use.
type RandomGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomGenerator returns a generator drawing from src.
// A nil src selects a PCG source seeded from the current time.
func NewRandomGenerator(src rand.Source) *RandomGenerator {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	}
	return &RandomGenerator{rng: rand.New(src)}
}

// Next returns previous plus a random increment.
func (g *RandomGenerator) Next(previous uint64) uint64 {
	g.mu.Lock()
	n := g.rng.Uint64N(MaxIncrement-MinIncrement+1) + MinIncrement
	g.mu.Unlock()
	return previous + n
}
