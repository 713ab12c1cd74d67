package port

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// DefaultMaxAttempts caps the number of candidate draws per Allocate call.
// Random draw with rejection trades worst-case completeness for
// average-case speed; the cap guarantees termination.
const DefaultMaxAttempts = 1000

// Range is an inclusive port interval [Min, Max].
type Range struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// DefaultRange is the full unprivileged port space.
var DefaultRange = Range{Min: model.MinPort, Max: model.MaxPort}

// Validate checks that the range is non-empty and lies within the
// allocatable port space.
func (r Range) Validate() error {
	if r.Min < model.MinPort || r.Max > model.MaxPort {
		return fmt.Errorf("port range %d-%d must lie within %d-%d", r.Min, r.Max, model.MinPort, model.MaxPort)
	}
	if r.Min > r.Max {
		return fmt.Errorf("port range %d-%d is empty", r.Min, r.Max)
	}
	return nil
}

// Contains reports whether port lies in the range.
func (r Range) Contains(port int) bool {
	return port >= r.Min && port <= r.Max
}

// Size returns the number of ports in the range.
func (r Range) Size() int {
	return r.Max - r.Min + 1
}

// String formats the range as "min-max".
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Allocator picks free, bindable ports at random from a fixed range.
//
// It holds no view of which ports are in use: the caller passes the global
// active-ports view and the ports already chosen in the current render pass
// on every call. This keeps the allocator free of ambient state and makes it
// safe to share across concurrent render passes.
type Allocator struct {
	// prober verifies that an accepted candidate can be bound on the host.
	prober Prober

	portRange   Range
	maxAttempts int

	// draw returns a uniform integer in [0, n). Replaced in tests to make
	// candidate sequences deterministic.
	draw func(n int) int

	// draws counts every candidate drawn over the allocator's lifetime.
	draws atomic.Int64
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRange restricts allocation to r.
func WithRange(r Range) Option {
	return func(a *Allocator) { a.portRange = r }
}

// WithMaxAttempts overrides DefaultMaxAttempts. Non-positive values are
// ignored.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithDraw replaces the random source. fn must return a value in [0, n).
func WithDraw(fn func(n int) int) Option {
	return func(a *Allocator) { a.draw = fn }
}

// NewAllocator creates an Allocator that probes candidates with prober.
// The prober must not be nil.
func NewAllocator(prober Prober, opts ...Option) *Allocator {
	a := &Allocator{
		prober:      prober,
		portRange:   DefaultRange,
		maxAttempts: DefaultMaxAttempts,
		// math/rand/v2's top-level functions are safe for concurrent use.
		draw: rand.IntN,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Range returns the range the allocator draws from.
func (a *Allocator) Range() Range {
	return a.portRange
}

// MaxAttempts returns the per-call draw cap.
func (a *Allocator) MaxAttempts() int {
	return a.maxAttempts
}

// Draws returns the total number of candidates drawn since the allocator
// was created.
func (a *Allocator) Draws() int64 {
	return a.draws.Load()
}

// Allocate returns a port that is in the allocator's range, absent from
// used and inProgress, and bindable at the moment of the call.
//
// Algorithm:
//  1. Draw a candidate uniformly from the range.
//  2. Reject it if it is in used (ports held by other active attempts) or
//     inProgress (ports already chosen earlier in this render pass).
//  3. Otherwise probe it; return it if the bind succeeds.
//  4. After maxAttempts draws, fail with model.ErrAllocationExhausted.
//
// Neither set is modified; the caller adds the returned port to inProgress.
func (a *Allocator) Allocate(used, inProgress model.PortSet) (int, error) {
	size := a.portRange.Size()

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		a.draws.Add(1)
		candidate := a.portRange.Min + a.draw(size)

		if used.Contains(candidate) || inProgress.Contains(candidate) {
			continue
		}

		if a.prober.IsPortAvailable(candidate) {
			return candidate, nil
		}
	}

	return 0, fmt.Errorf("no available port in %s after %d attempts: %w",
		a.portRange, a.maxAttempts, model.ErrAllocationExhausted)
}
