// Package randutil centralises how the experiment derives its random streams.
//
// A session owns exactly one Shared generator. Every draw that affects an
// outcome (risk resolution, treatment and paid-round assignment) goes through
// it so that a fixed seed replays a whole session.
package randutil

import (
	"sync"

	rand "math/rand/v2"
)

const (
	goldenRatio64 = 0x9e3779b97f4a7c15
)

// New returns a *rand.Rand seeded deterministically from the provided int64.
func New(seed int64) *rand.Rand {
	u := uint64(seed)
	return rand.New(rand.NewPCG(mix(u), mix(u+goldenRatio64)))
}

// Derive returns an independent generator for a numbered stream of seed.
// The same (seed, stream) pair always yields the same sequence.
func Derive(seed int64, stream uint64) *rand.Rand {
	u := mix(uint64(seed) ^ mix(stream+goldenRatio64))
	return rand.New(rand.NewPCG(u, mix(u+goldenRatio64)))
}

func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Shared is a mutex-guarded generator safe for use from many goroutines.
type Shared struct {
	mu   sync.Mutex
	rng  *rand.Rand
	seed int64
}

// NewShared creates a shared generator seeded with seed.
func NewShared(seed int64) *Shared {
	return &Shared{rng: New(seed), seed: seed}
}

// Seed returns the seed the generator was last (re)seeded with.
func (s *Shared) Seed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seed
}

// Reseed restarts the generator from seed.
func (s *Shared) Reseed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = New(seed)
	s.seed = seed
}

// Float64 returns a value in [0.0, 1.0).
func (s *Shared) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// IntN returns a value in [0, n). It panics if n <= 0.
func (s *Shared) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Int64 returns a non-negative pseudo-random int64.
func (s *Shared) Int64() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Int64()
}

// With executes fn with exclusive access to the underlying generator.
func (s *Shared) With(fn func(*rand.Rand)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rng)
}
