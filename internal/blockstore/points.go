package blockstore

import (
	"cmp"
	"context"
	"math"
	"slices"

	"github.com/go-kit/log/level"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"github.com/tobert/tracelod/internal/model"
)

type openMetricBlock struct {
	descs  []model.MetricDesc
	points map[string][]model.MetricPoint
	n      int
}

type metricBlock struct {
	meta      model.BlockMetadata
	processID string
	descs     []model.MetricDesc
	points    map[string][]model.MetricPoint
}

// ReceiveMetrics ingests gauge and sum data points. Histograms and
// summaries have no single value to plot and are skipped.
func (s *Store) ReceiveMetrics(ctx context.Context, resourceMetrics []*metricspb.ResourceMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rm := range resourceMetrics {
		first, ok := firstPointTime(rm)
		if !ok {
			continue
		}
		p := s.processLocked(processKey(rm.GetResource()), first, describeProcess(rm.GetResource()))
		s.metricsStreamLocked(p)
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				for _, dp := range numberPoints(m) {
					pt := model.MetricPoint{TimeMs: p.ms(int64(dp.GetTimeUnixNano())), Value: numberValue(dp)}
					if math.IsNaN(pt.Value) {
						continue
					}
					s.addPointLocked(p, model.MetricDesc{Name: m.GetName(), Unit: m.GetUnit()}, pt)
					n++
				}
			}
		}
	}
	s.metrics.pointsIngested.Add(float64(n))
	return nil
}

func numberPoints(m *metricspb.Metric) []*metricspb.NumberDataPoint {
	switch data := m.GetData().(type) {
	case *metricspb.Metric_Gauge:
		return data.Gauge.GetDataPoints()
	case *metricspb.Metric_Sum:
		return data.Sum.GetDataPoints()
	}
	return nil
}

func numberValue(dp *metricspb.NumberDataPoint) float64 {
	switch v := dp.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		return v.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		return float64(v.AsInt)
	}
	return math.NaN()
}

func firstPointTime(rm *metricspb.ResourceMetrics) (int64, bool) {
	first, ok := int64(0), false
	for _, sm := range rm.GetScopeMetrics() {
		for _, m := range sm.GetMetrics() {
			for _, dp := range numberPoints(m) {
				t := int64(dp.GetTimeUnixNano())
				if !ok || t < first {
					first, ok = t, true
				}
			}
		}
	}
	return first, ok
}

func (s *Store) metricsStreamLocked(p *processState) {
	if p.metricsStream != "" {
		return
	}
	p.metricsStream = p.proc.ID + "/metrics"
	s.metricStreams[p.metricsStream] = p
}

func (s *Store) addPointLocked(p *processState, desc model.MetricDesc, pt model.MetricPoint) {
	open := p.openMetrics
	if open == nil {
		open = &openMetricBlock{points: make(map[string][]model.MetricPoint)}
		p.openMetrics = open
	}
	if _, ok := open.points[desc.Name]; !ok {
		open.descs = append(open.descs, desc)
	}
	open.points[desc.Name] = append(open.points[desc.Name], pt)
	open.n++
	if open.n >= s.cfg.PointsPerBlock {
		s.sealMetricsLocked(p)
	}
}

func (s *Store) sealMetricsLocked(p *processState) {
	open := p.openMetrics
	if open == nil || open.n == 0 {
		return
	}
	p.openMetrics = nil

	begin, end := math.Inf(1), math.Inf(-1)
	for _, pts := range open.points {
		slices.SortStableFunc(pts, func(a, b model.MetricPoint) int { return cmp.Compare(a.TimeMs, b.TimeMs) })
		begin = math.Min(begin, pts[0].TimeMs)
		end = math.Max(end, pts[len(pts)-1].TimeMs)
	}
	slices.SortFunc(open.descs, func(a, b model.MetricDesc) int { return cmp.Compare(a.Name, b.Name) })

	b := &metricBlock{
		meta: model.BlockMetadata{
			BlockID:   s.nextBlockIDLocked("metrics"),
			StreamID:  p.metricsStream,
			BeginMs:   begin,
			EndMs:     end,
			NbObjects: open.n,
		},
		processID: p.proc.ID,
		descs:     open.descs,
		points:    open.points,
	}
	p.metricBlocks = append(p.metricBlocks, b)
	s.metricBlocks[b.meta.BlockID] = b
	s.metrics.blocksSealed.WithLabelValues("metrics").Inc()
	level.Debug(s.logger).Log("msg", "sealed metric block", "block", b.meta.BlockID,
		"process", p.proc.ID, "series", len(b.descs), "points", open.n)
}
