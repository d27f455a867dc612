package registry

import (
	"iter"
	"sort"

	"github.com/tobert/tracelod/internal/model"
)

// IsInViewport reports whether the block overlaps [minMs, maxMs].
// Arguments with minMs > maxMs are not meaningful.
func IsInViewport(b model.BlockMetadata, minMs, maxMs float64) bool {
	return !(b.BeginMs > maxMs || b.EndMs < minMs)
}

// SpanBlock is a block of a cpu stream and the LODs of its spans
// fetched so far.
type SpanBlock struct {
	Meta  model.BlockMetadata
	lods  lodTable[*model.SpanBlockLod]
	async lodTable[model.AsyncBlockStats]
}

func newSpanBlock(meta model.BlockMetadata, maxAttempts int) *SpanBlock {
	return &SpanBlock{
		Meta:  meta,
		lods:  newLodTable[*model.SpanBlockLod](maxAttempts),
		async: newLodTable[model.AsyncBlockStats](maxAttempts),
	}
}

// RequestLod marks lod in flight. It returns false when the LOD is
// already loaded, already in flight, or has failed for good.
func (b *SpanBlock) RequestLod(lod int) bool { return b.lods.request(lod) }

// Store records the payload of lod. Only the first store of a LOD wins.
func (b *SpanBlock) Store(lod int, data *model.SpanBlockLod) bool { return b.lods.store(lod, data) }

// Fail clears the in-flight mark of lod and returns the resulting state:
// Missing while attempts remain, Failed after that.
func (b *SpanBlock) Fail(lod int) CellState { return b.lods.fail(lod) }

// State returns the fetch state of lod.
func (b *SpanBlock) State(lod int) CellState { return b.lods.state(lod) }

// Attempts returns how many times lod has been requested.
func (b *SpanBlock) Attempts(lod int) int { return b.lods.attempts(lod) }

// InFlight lists the LODs currently requested.
func (b *SpanBlock) InFlight() []int { return b.lods.inState(Requested) }

// LoadedLods lists the LODs stored so far in ascending order.
func (b *SpanBlock) LoadedLods() []int { return b.lods.inState(Loaded) }

// Best returns the loaded data to draw for lod: the closest LOD at or
// below it if any, else the closest coarser one so something is shown
// while a finer LOD is in flight.
func (b *SpanBlock) Best(lod int) (*model.SpanBlockLod, bool) {
	if d, _, ok := b.lods.atOrBelow(lod); ok {
		return d, true
	}
	d, _, ok := b.lods.nearest(lod)
	return d, ok
}

// MetricBlock is one block of one metric series.
type MetricBlock struct {
	Meta model.BlockMetadata
	lods lodTable[[]model.MetricPoint]
}

func newMetricBlock(meta model.BlockMetadata, maxAttempts int) *MetricBlock {
	return &MetricBlock{Meta: meta, lods: newLodTable[[]model.MetricPoint](maxAttempts)}
}

// RequestLod marks lod in flight, see SpanBlock.RequestLod.
func (b *MetricBlock) RequestLod(lod int) bool { return b.lods.request(lod) }

// Store records the points of lod; they are sorted by time if needed.
// Only the first store of a LOD wins.
func (b *MetricBlock) Store(lod int, points []model.MetricPoint) bool {
	if !sort.SliceIsSorted(points, func(i, j int) bool { return points[i].TimeMs < points[j].TimeMs }) {
		points = append([]model.MetricPoint(nil), points...)
		sort.SliceStable(points, func(i, j int) bool { return points[i].TimeMs < points[j].TimeMs })
	}
	return b.lods.store(lod, points)
}

// Fail clears the in-flight mark of lod, see SpanBlock.Fail.
func (b *MetricBlock) Fail(lod int) CellState { return b.lods.fail(lod) }

// State returns the fetch state of lod.
func (b *MetricBlock) State(lod int) CellState { return b.lods.state(lod) }

// InFlight lists the LODs currently requested.
func (b *MetricBlock) InFlight() []int { return b.lods.inState(Requested) }

// GetPoints yields the points of the closest loaded LOD <= lod whose time
// falls in [minMs, maxMs]. With withBoundaries it also yields the nearest
// point just outside each edge. Nothing is yielded when no such LOD is
// loaded. The sequence reads an immutable snapshot and can be iterated
// any number of times.
func (b *MetricBlock) GetPoints(minMs, maxMs float64, lod int, withBoundaries bool) iter.Seq[model.MetricPoint] {
	points, _, ok := b.lods.atOrBelow(lod)
	if !ok {
		return func(func(model.MetricPoint) bool) {}
	}
	return pointsInRange(points, minMs, maxMs, withBoundaries)
}

func pointsInRange(points []model.MetricPoint, minMs, maxMs float64, withBoundaries bool) iter.Seq[model.MetricPoint] {
	return func(yield func(model.MetricPoint) bool) {
		first := sort.Search(len(points), func(i int) bool { return points[i].TimeMs >= minMs })
		i := first
		if withBoundaries && first > 0 {
			i = first - 1
		}
		for ; i < len(points); i++ {
			p := points[i]
			if p.TimeMs > maxMs {
				if withBoundaries {
					yield(p)
				}
				return
			}
			if !yield(p) {
				return
			}
		}
	}
}
