package registry

import (
	"fmt"
	"sort"
	"sync"
)

// CellState is the fetch state of one (block, LOD) pair.
type CellState int

const (
	Missing CellState = iota
	Requested
	Loaded
	// Failed is reached once a cell has exhausted its attempt budget.
	// It is terminal: the scheduler never asks for it again.
	Failed
)

func (s CellState) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("CellState(%d)", int(s))
	}
}

// DefaultMaxFetchAttempts is used when a registry is built with a
// non-positive attempt budget.
const DefaultMaxFetchAttempts = 3

type cell[T any] struct {
	state    CellState
	attempts int
	payload  T
}

// lodTable is the per-LOD state machine shared by span and metric blocks.
type lodTable[T any] struct {
	mu          sync.RWMutex
	maxAttempts int
	cells       map[int]*cell[T]
}

func newLodTable[T any](maxAttempts int) lodTable[T] {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxFetchAttempts
	}
	return lodTable[T]{maxAttempts: maxAttempts, cells: make(map[int]*cell[T])}
}

func (t *lodTable[T]) get(lod int) *cell[T] {
	c, ok := t.cells[lod]
	if !ok {
		c = &cell[T]{}
		t.cells[lod] = c
	}
	return c
}

func (t *lodTable[T]) request(lod int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(lod)
	if c.state != Missing {
		return false
	}
	c.state = Requested
	c.attempts++
	return true
}

func (t *lodTable[T]) store(lod int, payload T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(lod)
	if c.state == Loaded {
		return false
	}
	c.state = Loaded
	c.payload = payload
	return true
}

func (t *lodTable[T]) fail(lod int) CellState {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(lod)
	if c.state != Requested {
		return c.state
	}
	if c.attempts >= t.maxAttempts {
		c.state = Failed
	} else {
		c.state = Missing
	}
	return c.state
}

func (t *lodTable[T]) state(lod int) CellState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.cells[lod]; ok {
		return c.state
	}
	return Missing
}

func (t *lodTable[T]) attempts(lod int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.cells[lod]; ok {
		return c.attempts
	}
	return 0
}

func (t *lodTable[T]) inState(s CellState) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var lods []int
	for lod, c := range t.cells {
		if c.state == s {
			lods = append(lods, lod)
		}
	}
	sort.Ints(lods)
	return lods
}

// atOrBelow returns the largest loaded LOD <= lod.
func (t *lodTable[T]) atOrBelow(lod int) (T, int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best := -1
	for l, c := range t.cells {
		if c.state == Loaded && l <= lod && l > best {
			best = l
		}
	}
	if best < 0 {
		var zero T
		return zero, -1, false
	}
	return t.cells[best].payload, best, true
}

// nearest returns the loaded LOD closest to lod, preferring finer data
// on ties.
func (t *lodTable[T]) nearest(lod int) (T, int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best, bestDist := -1, 0
	for l, c := range t.cells {
		if c.state != Loaded {
			continue
		}
		d := l - lod
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDist || (d == bestDist && l < best) {
			best, bestDist = l, d
		}
	}
	if best < 0 {
		var zero T
		return zero, -1, false
	}
	return t.cells[best].payload, best, true
}
