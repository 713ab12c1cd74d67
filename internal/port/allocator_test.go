package port

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// proberFunc adapts a function to the Prober interface.
type proberFunc func(port int) bool

func (f proberFunc) IsPortAvailable(port int) bool { return f(port) }

// countingProber records every probed port. It is safe for concurrent use.
type countingProber struct {
	mu     sync.Mutex
	probed []int
	busy   model.PortSet
}

func (p *countingProber) IsPortAvailable(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, port)
	return !p.busy.Contains(port)
}

// sequenceDraw returns a draw function that yields the given ports (as
// offsets from r.Min) in order, then repeats the last one.
func sequenceDraw(r Range, ports ...int) func(int) int {
	i := 0
	return func(int) int {
		p := ports[len(ports)-1]
		if i < len(ports) {
			p = ports[i]
		}
		i++
		return p - r.Min
	}
}

// fullRange returns a PortSet containing every port in r.
func fullRange(r Range) model.PortSet {
	s := make(model.PortSet, r.Size())
	for p := r.Min; p <= r.Max; p++ {
		s.Add(p)
	}
	return s
}

func TestRange_Validate(t *testing.T) {
	tests := []struct {
		name     string
		r        Range
		hasError bool
	}{
		{"default", DefaultRange, false},
		{"narrow", Range{Min: 40000, Max: 40010}, false},
		{"single port", Range{Min: 3000, Max: 3000}, false},
		{"privileged", Range{Min: 80, Max: 9000}, true},
		{"too high", Range{Min: 3000, Max: 70000}, true},
		{"inverted", Range{Min: 5000, Max: 4000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.hasError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRange_ContainsAndSize(t *testing.T) {
	r := Range{Min: 1024, Max: 1033}
	assert.Equal(t, 10, r.Size())
	assert.True(t, r.Contains(1024))
	assert.True(t, r.Contains(1033))
	assert.False(t, r.Contains(1034))
	assert.Equal(t, "1024-1033", r.String())
	assert.Equal(t, 64512, DefaultRange.Size())
}

// TestAllocate_ReturnsBindablePortInRange uses the real Scanner and the
// real random source.
func TestAllocate_ReturnsBindablePortInRange(t *testing.T) {
	allocator := NewAllocator(NewScanner())

	port, err := allocator.Allocate(nil, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, port, model.MinPort)
	assert.LessOrEqual(t, port, model.MaxPort)
}

// TestAllocate_SkipsUsedAndInProgress verifies that candidates present in
// either set are rejected without being probed.
func TestAllocate_SkipsUsedAndInProgress(t *testing.T) {
	r := DefaultRange
	prober := &countingProber{}
	allocator := NewAllocator(prober, WithDraw(sequenceDraw(r, 3000, 4000, 5000)))

	port, err := allocator.Allocate(model.NewPortSet(3000), model.NewPortSet(4000))
	require.NoError(t, err)

	assert.Equal(t, 5000, port)
	assert.Equal(t, []int{5000}, prober.probed, "rejected candidates must not be probed")
	assert.EqualValues(t, 3, allocator.Draws())
}

// TestAllocate_SkipsUnbindablePorts verifies that ports failing the live
// probe are skipped.
func TestAllocate_SkipsUnbindablePorts(t *testing.T) {
	r := DefaultRange
	prober := &countingProber{busy: model.NewPortSet(3000)}
	allocator := NewAllocator(prober, WithDraw(sequenceDraw(r, 3000, 3001)))

	port, err := allocator.Allocate(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3001, port)
	assert.Equal(t, []int{3000, 3001}, prober.probed)
}

// TestAllocate_DoesNotMutateInputs verifies that the allocator leaves the
// accumulation of in-progress ports to the caller.
func TestAllocate_DoesNotMutateInputs(t *testing.T) {
	used := model.NewPortSet(1024)
	inProgress := model.NewPortSet()
	allocator := NewAllocator(proberFunc(func(int) bool { return true }))

	_, err := allocator.Allocate(used, inProgress)
	require.NoError(t, err)
	assert.Equal(t, 1, used.Len())
	assert.Equal(t, 0, inProgress.Len())
}

// TestAllocate_ExhaustedAfterExactlyCap pre-marks every port in the range
// as used. The allocator must fail after exactly DefaultMaxAttempts draws,
// and must never reach the prober.
func TestAllocate_ExhaustedAfterExactlyCap(t *testing.T) {
	prober := &countingProber{}
	allocator := NewAllocator(prober)

	_, err := allocator.Allocate(fullRange(DefaultRange), nil)
	require.Error(t, err)

	assert.True(t, errors.Is(err, model.ErrAllocationExhausted))
	assert.Contains(t, err.Error(), "1000 attempts")
	assert.EqualValues(t, DefaultMaxAttempts, allocator.Draws(), "must stop at the cap, not before and not after")
	assert.Empty(t, prober.probed)
}

// TestAllocate_ExhaustedWhenNothingBindable covers the other rejection
// path: every candidate is free in the ledger but fails the probe.
func TestAllocate_ExhaustedWhenNothingBindable(t *testing.T) {
	calls := 0
	allocator := NewAllocator(proberFunc(func(int) bool {
		calls++
		return false
	}), WithMaxAttempts(25))

	_, err := allocator.Allocate(nil, nil)
	assert.ErrorIs(t, err, model.ErrAllocationExhausted)
	assert.Equal(t, 25, calls)
	assert.EqualValues(t, 25, allocator.Draws())
}

// TestAllocate_SucceedsOnLastAttempt verifies the cap is not hit early:
// a free candidate on the final permitted draw is still returned.
func TestAllocate_SucceedsOnLastAttempt(t *testing.T) {
	r := Range{Min: 40000, Max: 40001}
	draws := make([]int, DefaultMaxAttempts)
	for i := range draws {
		draws[i] = 40000
	}
	draws[len(draws)-1] = 40001

	allocator := NewAllocator(proberFunc(func(int) bool { return true }),
		WithRange(r), WithDraw(sequenceDraw(r, draws...)))

	port, err := allocator.Allocate(model.NewPortSet(40000), nil)
	require.NoError(t, err)
	assert.Equal(t, 40001, port)
	assert.EqualValues(t, DefaultMaxAttempts, allocator.Draws())
}

func TestAllocate_RespectsRange(t *testing.T) {
	r := Range{Min: 45000, Max: 45009}
	allocator := NewAllocator(proberFunc(func(int) bool { return true }), WithRange(r))

	for i := 0; i < 50; i++ {
		port, err := allocator.Allocate(nil, nil)
		require.NoError(t, err)
		assert.True(t, r.Contains(port), "port %d outside %s", port, r)
	}
}

func TestNewAllocator_Options(t *testing.T) {
	allocator := NewAllocator(NewScanner(), WithMaxAttempts(0))
	assert.Equal(t, DefaultMaxAttempts, allocator.MaxAttempts(), "non-positive cap is ignored")
	assert.Equal(t, DefaultRange, allocator.Range())

	allocator = NewAllocator(NewScanner(), WithMaxAttempts(10), WithRange(Range{Min: 2000, Max: 3000}))
	assert.Equal(t, 10, allocator.MaxAttempts())
	assert.Equal(t, Range{Min: 2000, Max: 3000}, allocator.Range())
}

// TestAllocate_Concurrent verifies that one allocator can serve many
// render passes at once.
func TestAllocate_Concurrent(t *testing.T) {
	allocator := NewAllocator(proberFunc(func(int) bool { return true }))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := allocator.Allocate(nil, nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 16, allocator.Draws())
}
