package registry

import (
	"cmp"
	"slices"

	"github.com/tobert/tracelod/internal/model"
)

// asyncLod is the only level async data comes in.
const asyncLod = 0

// RequestAsyncStats marks the block's async stats in flight, see
// SpanBlock.RequestLod.
func (b *SpanBlock) RequestAsyncStats() bool { return b.async.request(asyncLod) }

// StoreAsyncStats records the block's async stats.
func (b *SpanBlock) StoreAsyncStats(st model.AsyncBlockStats) bool {
	return b.async.store(asyncLod, st)
}

// FailAsyncStats clears the in-flight mark of the async stats.
func (b *SpanBlock) FailAsyncStats() CellState { return b.async.fail(asyncLod) }

// AsyncStatsState returns the fetch state of the async stats.
func (b *SpanBlock) AsyncStatsState() CellState { return b.async.state(asyncLod) }

// AsyncStats returns the async stats once loaded.
func (b *SpanBlock) AsyncStats() (model.AsyncBlockStats, bool) {
	st, _, ok := b.async.atOrBelow(asyncLod)
	return st, ok
}

// AsyncSection holds the async spans of one fixed width slice of the
// process clock.
type AsyncSection struct {
	Index int
	Range model.TimeRange
	lods  lodTable[[]model.AsyncSpanTrack]
}

// Request marks the section in flight.
func (s *AsyncSection) Request() bool { return s.lods.request(asyncLod) }

// Fail clears the in-flight mark, see SpanBlock.Fail.
func (s *AsyncSection) Fail() CellState { return s.lods.fail(asyncLod) }

// State returns the fetch state of the section.
func (s *AsyncSection) State() CellState { return s.lods.state(asyncLod) }

// Tracks returns the loaded tracks of the section.
func (s *AsyncSection) Tracks() ([]model.AsyncSpanTrack, bool) {
	t, _, ok := s.lods.atOrBelow(asyncLod)
	return t, ok
}

// AsyncSection returns section index, registering it over r on first use.
func (r *Registry) AsyncSection(index int, rng model.TimeRange) *AsyncSection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.asyncSections[index]; ok {
		return s
	}
	s := &AsyncSection{Index: index, Range: rng, lods: newLodTable[[]model.AsyncSpanTrack](r.maxAttempts)}
	r.asyncSections[index] = s
	return s
}

// AsyncSections returns the registered sections by index.
func (r *Registry) AsyncSections() []*AsyncSection {
	r.mu.RLock()
	out := make([]*AsyncSection, 0, len(r.asyncSections))
	for _, s := range r.asyncSections {
		out = append(out, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *AsyncSection) int { return cmp.Compare(a.Index, b.Index) })
	return out
}

// AsyncDepth returns the most tracks any loaded section has.
func (r *Registry) AsyncDepth() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.asyncDepth
}

// MergeAsyncSpans stores the tracks of s with their scopes and updates the
// counters. It returns false when s was already loaded.
func (r *Registry) MergeAsyncSpans(s *AsyncSection, tracks []model.AsyncSpanTrack, scopes []model.ScopeDesc) bool {
	if !s.lods.store(asyncLod, tracks) {
		return false
	}
	r.MergeScopes(scopes)
	n := 0
	for _, t := range tracks {
		n += len(t.Spans)
	}
	r.asyncSpansLoaded.Add(int64(n))
	r.mu.Lock()
	r.asyncDepth = max(r.asyncDepth, len(tracks))
	r.mu.Unlock()
	return true
}
