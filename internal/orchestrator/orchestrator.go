// Package orchestrator keeps the visible part of a timeline loaded at the
// LOD the current zoom calls for.
//
// A single scheduler goroutine owns every decision: on each kick (the view
// changed) and on each fetch completion it rescans the registry for
// (block, LOD) pairs that intersect the view and are still missing, and
// dispatches as many as the concurrency limit allows. Work that does not
// fit is picked up by the pass that follows the next completion.
//
// With async spans enabled, a block's async stats are only asked for once
// its span LOD for the view has settled, and a section's async spans once
// the stats of every block overlapping it have.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/semaphore"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/lod"
	"github.com/tobert/tracelod/internal/model"
	"github.com/tobert/tracelod/internal/registry"
)

const (
	DefaultConcurrency  = 8
	DefaultFetchTimeout = 30 * time.Second

	// MaxAsyncSections is the widest view, in async sections, for which
	// async spans are fetched.
	MaxAsyncSections = 64

	kindSpans      = "spans"
	kindMetric     = "metric"
	kindAsyncStats = "async_stats"
	kindAsyncSpans = "async_spans"
)

// Options configure an Orchestrator. Zero values pick the defaults.
type Options struct {
	// Concurrency caps simultaneous outstanding fetches.
	Concurrency int
	// FetchTimeout bounds a single fetch so it cannot hold a slot forever.
	FetchTimeout time.Duration
	Logger       log.Logger
	Metrics      *Metrics
	// OnMerge is called from the scheduler goroutine after each payload
	// is merged into the registry.
	OnMerge func()
	// AsyncSpans enables fetching async stats and async span sections.
	AsyncSpans bool
}

// View is the window the orchestrator keeps loaded.
type View struct {
	Range   model.TimeRange
	WidthPx int
}

// Stats are the progress counters behind the loading indicator.
type Stats struct {
	Requested int64 `json:"requested"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	InFlight  int64 `json:"in_flight"`
}

// Orchestrator drives fetches for one registry.
type Orchestrator struct {
	client  dataservice.Client
	reg     *registry.Registry
	logger  log.Logger
	metrics *Metrics
	onMerge func()
	timeout time.Duration
	async   bool

	sem  *semaphore.Weighted
	kick chan struct{}
	done chan completion
	wg   sync.WaitGroup

	view atomic.Pointer[View]

	requested atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64

	idleMu sync.Mutex
	idle   bool
	idleCh chan struct{}
	// epoch counts kicks. A pass may only go idle if no kick arrived
	// since it started, since it may have scanned an older view.
	epoch uint64

	// Only touched by the scheduler goroutine.
	skipped map[string]struct{}
}

// completion is what a fetch goroutine reports back to the loop.
type completion struct {
	kind    string
	started time.Time
	err     error

	span      *registry.SpanBlock
	spanReply *dataservice.SpansReply

	metric     *registry.MetricBlock
	metricName string
	metricData model.MetricBlockData

	statsBlock *registry.SpanBlock
	stats      model.AsyncBlockStats

	section    *registry.AsyncSection
	asyncReply *dataservice.AsyncSpansReply

	lod int
}

// New builds an orchestrator. Call Run to start scheduling.
func New(client dataservice.Client, reg *registry.Registry, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Orchestrator{
		client:  client,
		reg:     reg,
		logger:  log.With(opts.Logger, "component", "orchestrator"),
		metrics: opts.Metrics,
		onMerge: opts.OnMerge,
		timeout: opts.FetchTimeout,
		async:   opts.AsyncSpans,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		kick:    make(chan struct{}, 1),
		// Every in-flight fetch holds a slot, so completions never
		// outnumber the buffer and fetch goroutines never block on send.
		done:    make(chan completion, opts.Concurrency),
		idleCh:  make(chan struct{}),
		skipped: make(map[string]struct{}),
	}
}

// SetView replaces the window to keep loaded and schedules a pass.
func (o *Orchestrator) SetView(v View) {
	o.view.Store(&v)
	o.Kick()
}

// Kick schedules a scheduling pass, e.g. after a metric was toggled.
// Kicks coalesce.
func (o *Orchestrator) Kick() {
	o.idleMu.Lock()
	o.epoch++
	if o.idle {
		o.idleCh = make(chan struct{})
		o.idle = false
	}
	o.idleMu.Unlock()
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run is the scheduler loop. It returns when ctx is done, after every
// fetch goroutine has exited.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.kick:
			o.schedule(ctx)
		case c := <-o.done:
			o.complete(c)
			o.schedule(ctx)
		}
	}
}

// Stats returns the progress counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Requested: o.requested.Load(),
		Completed: o.completed.Load(),
		Failed:    o.failed.Load(),
		InFlight:  o.inFlight.Load(),
	}
}

// Idle reports whether the last pass found nothing missing in view and no
// fetch is outstanding.
func (o *Orchestrator) Idle() bool {
	o.idleMu.Lock()
	defer o.idleMu.Unlock()
	return o.idle
}

// WaitIdle blocks until Idle is true or ctx is done.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	o.idleMu.Lock()
	ch := o.idleCh
	o.idleMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) currentEpoch() uint64 {
	o.idleMu.Lock()
	defer o.idleMu.Unlock()
	return o.epoch
}

// finishPass records the outcome of the pass that started at epoch.
// Nothing changes when a kick arrived in the meantime: the queued kick
// runs another pass over the newer view.
func (o *Orchestrator) finishPass(epoch uint64, idle bool) {
	o.idleMu.Lock()
	defer o.idleMu.Unlock()
	if epoch != o.epoch {
		return
	}
	switch {
	case idle && !o.idle:
		close(o.idleCh)
	case !idle && o.idle:
		o.idleCh = make(chan struct{})
	}
	o.idle = idle
}

// schedule is one pass over the registry.
func (o *Orchestrator) schedule(ctx context.Context) {
	epoch := o.currentEpoch()
	v := o.view.Load()
	if v == nil || ctx.Err() != nil {
		o.finishPass(epoch, o.inFlight.Load() == 0)
		return
	}

	pending := false
	proc, hasProc := o.reg.Process()

	for _, b := range o.reg.SpanBlocks() {
		want, ok := lod.ComputePreferredLod(v.WidthPx, v.Range, b.Meta.Range())
		if !ok || b.State(want) != registry.Missing {
			continue
		}
		stream, hasStream := o.reg.Stream(b.Meta.StreamID)
		if !hasProc || !hasStream {
			o.skip(b.Meta.BlockID, "msg", "block context missing, skipping", "block", b.Meta.BlockID, "stream", b.Meta.StreamID)
			continue
		}
		pending = true
		if !o.sem.TryAcquire(1) {
			continue
		}
		if !b.RequestLod(want) {
			o.sem.Release(1)
			continue
		}
		o.dispatchSpans(ctx, b, dataservice.SpansRequest{Process: proc, Stream: stream, BlockID: b.Meta.BlockID, Lod: want})
	}

	for _, series := range o.reg.Metrics() {
		if !series.Enabled() {
			continue
		}
		for _, b := range series.Blocks() {
			want, ok := lod.ComputePreferredLod(v.WidthPx, v.Range, b.Meta.Range())
			if !ok || b.State(want) != registry.Missing {
				continue
			}
			if !hasProc {
				o.skip(b.Meta.BlockID, "msg", "process missing, skipping metric block", "block", b.Meta.BlockID)
				continue
			}
			pending = true
			if !o.sem.TryAcquire(1) {
				continue
			}
			if !b.RequestLod(want) {
				o.sem.Release(1)
				continue
			}
			o.dispatchMetric(ctx, b, dataservice.MetricRequest{
				ProcessID:  proc.ID,
				BlockID:    b.Meta.BlockID,
				MetricName: series.Desc.Name,
				Lod:        want,
			})
		}
	}

	if o.async && hasProc && o.scheduleAsync(ctx, v, proc) {
		pending = true
	}

	o.finishPass(epoch, !pending && o.inFlight.Load() == 0)
}

// scheduleAsync dispatches the async tiers for the sections v overlaps and
// reports whether any async work is still outstanding. Views wider than
// MaxAsyncSections fetch nothing.
func (o *Orchestrator) scheduleAsync(ctx context.Context, v *View, proc model.Process) bool {
	first, last := dataservice.AsyncSectionsOf(v.Range)
	if last-first+1 > MaxAsyncSections {
		return false
	}
	window := model.TimeRange{BeginMs: dataservice.AsyncSection(first).BeginMs, EndMs: dataservice.AsyncSection(last).EndMs}
	blocks := o.reg.SpanBlocks()
	pending := false

	for _, b := range blocks {
		if !window.Overlaps(b.Meta.Range()) || b.AsyncStatsState() != registry.Missing {
			continue
		}
		pending = true
		if o.awaitingSpans(v, b) {
			continue
		}
		if !o.sem.TryAcquire(1) {
			continue
		}
		if !b.RequestAsyncStats() {
			o.sem.Release(1)
			continue
		}
		o.dispatchAsyncStats(ctx, b, proc.ID)
	}

	for n := first; n <= last; n++ {
		sec := o.reg.AsyncSection(n, dataservice.AsyncSection(n))
		if sec.State() != registry.Missing {
			continue
		}
		ids, ready := sectionBlocks(sec, blocks)
		if !ready {
			pending = true
			continue
		}
		if len(ids) == 0 {
			o.reg.MergeAsyncSpans(sec, nil, nil)
			continue
		}
		pending = true
		if !o.sem.TryAcquire(1) {
			continue
		}
		if !sec.Request() {
			o.sem.Release(1)
			continue
		}
		o.dispatchAsyncSpans(ctx, sec, dataservice.AsyncSpansRequest{ProcessID: proc.ID, Section: n, BlockIDs: ids})
	}
	return pending
}

// awaitingSpans reports whether b's span LOD for v is still to come.
// Blocks the span tier skips never get one and are not waited for.
func (o *Orchestrator) awaitingSpans(v *View, b *registry.SpanBlock) bool {
	want, ok := lod.ComputePreferredLod(v.WidthPx, v.Range, b.Meta.Range())
	if !ok {
		return false
	}
	if _, known := o.reg.Stream(b.Meta.StreamID); !known {
		return false
	}
	st := b.State(want)
	return st == registry.Missing || st == registry.Requested
}

// sectionBlocks returns the blocks whose async events overlap sec, and
// false while the stats of an overlapping block are still unknown. Blocks
// whose stats failed for good are left out.
func sectionBlocks(sec *registry.AsyncSection, blocks []*registry.SpanBlock) ([]string, bool) {
	var ids []string
	for _, b := range blocks {
		if !sec.Range.Overlaps(b.Meta.Range()) {
			continue
		}
		switch b.AsyncStatsState() {
		case registry.Loaded:
			if st, _ := b.AsyncStats(); st.NbEvents > 0 && st.Range().Overlaps(sec.Range) {
				ids = append(ids, b.Meta.BlockID)
			}
		case registry.Failed:
		default:
			return nil, false
		}
	}
	return ids, true
}

func (o *Orchestrator) skip(blockID string, keyvals ...any) {
	if _, seen := o.skipped[blockID]; seen {
		return
	}
	o.skipped[blockID] = struct{}{}
	level.Warn(o.logger).Log(keyvals...)
}

func (o *Orchestrator) dispatchSpans(ctx context.Context, b *registry.SpanBlock, req dataservice.SpansRequest) {
	o.begin(kindSpans)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		c := completion{kind: kindSpans, started: time.Now(), span: b, lod: req.Lod}
		defer func() { o.done <- c }()

		fctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		reply, err := o.client.FetchBlockSpans(fctx, req)
		if err == nil {
			err = reply.Validate(req)
		}
		c.spanReply, c.err = reply, err
	}()
}

func (o *Orchestrator) dispatchMetric(ctx context.Context, b *registry.MetricBlock, req dataservice.MetricRequest) {
	o.begin(kindMetric)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		c := completion{kind: kindMetric, started: time.Now(), metric: b, metricName: req.MetricName, lod: req.Lod}
		defer func() { o.done <- c }()

		fctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		data, err := o.client.FetchBlockMetric(fctx, req)
		if err == nil && data.Lod != req.Lod {
			err = errLodMismatch{asked: req.Lod, got: data.Lod}
		}
		c.metricData, c.err = data, err
	}()
}

func (o *Orchestrator) dispatchAsyncStats(ctx context.Context, b *registry.SpanBlock, processID string) {
	o.begin(kindAsyncStats)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		c := completion{kind: kindAsyncStats, started: time.Now(), statsBlock: b}
		defer func() { o.done <- c }()

		fctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		c.stats, c.err = o.client.FetchBlockAsyncStats(fctx, processID, b.Meta.BlockID)
	}()
}

func (o *Orchestrator) dispatchAsyncSpans(ctx context.Context, sec *registry.AsyncSection, req dataservice.AsyncSpansRequest) {
	o.begin(kindAsyncSpans)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		c := completion{kind: kindAsyncSpans, started: time.Now(), section: sec}
		defer func() { o.done <- c }()

		fctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		reply, err := o.client.FetchAsyncSpans(fctx, req)
		if err == nil && reply.Section != req.Section {
			err = fmt.Errorf("asked for async section %d, got %d", req.Section, reply.Section)
		}
		c.asyncReply, c.err = reply, err
	}()
}

func (o *Orchestrator) begin(kind string) {
	o.requested.Add(1)
	o.inFlight.Add(1)
	o.metrics.requests.WithLabelValues(kind).Inc()
	o.metrics.inFlight.Inc()
}

// complete releases the slot of c and merges or records its outcome.
func (o *Orchestrator) complete(c completion) {
	o.sem.Release(1)
	o.inFlight.Add(-1)
	o.metrics.inFlight.Dec()
	o.metrics.duration.WithLabelValues(c.kind).Observe(time.Since(c.started).Seconds())

	if c.err != nil {
		o.failed.Add(1)
		o.metrics.failures.WithLabelValues(c.kind).Inc()
		var state registry.CellState
		var target string
		switch c.kind {
		case kindSpans:
			state, target = c.span.Fail(c.lod), c.span.Meta.BlockID
		case kindMetric:
			state, target = c.metric.Fail(c.lod), c.metric.Meta.BlockID
		case kindAsyncStats:
			state, target = c.statsBlock.FailAsyncStats(), c.statsBlock.Meta.BlockID
		case kindAsyncSpans:
			state, target = c.section.Fail(), fmt.Sprintf("section %d", c.section.Index)
		}
		level.Warn(o.logger).Log("msg", "fetch failed", "kind", c.kind, "block", target, "metric", c.metricName,
			"lod", c.lod, "state", state, "err", c.err)
		return
	}

	o.completed.Add(1)
	o.metrics.completed.WithLabelValues(c.kind).Inc()
	var merged bool
	switch c.kind {
	case kindSpans:
		merged = o.reg.MergeSpans(c.span, c.spanReply.Lod, c.spanReply.Scopes)
	case kindMetric:
		merged = o.reg.MergeMetric(c.metric, c.metricData)
	case kindAsyncStats:
		merged = c.statsBlock.StoreAsyncStats(c.stats)
	case kindAsyncSpans:
		merged = o.reg.MergeAsyncSpans(c.section, c.asyncReply.Tracks, c.asyncReply.Scopes)
	}
	if merged && o.onMerge != nil {
		o.onMerge()
	}
}

type errLodMismatch struct{ asked, got int }

func (e errLodMismatch) Error() string {
	return fmt.Sprintf("asked for lod %d, got %d", e.asked, e.got)
}
