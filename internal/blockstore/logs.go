package blockstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/go-kit/log/level"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/tobert/tracelod/internal/dataservice"
	"github.com/tobert/tracelod/internal/model"
)

type logBlock struct {
	meta      model.BlockMetadata
	processID string
	entries   []model.LogEntry
}

// ReceiveLogs ingests OTLP log records into the log stream of their
// process. Records carry the scope name as target and their body as text.
func (s *Store) ReceiveLogs(ctx context.Context, resourceLogs []*logspb.ResourceLogs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rl := range resourceLogs {
		first, ok := firstLogTime(rl)
		if !ok {
			continue
		}
		p := s.processLocked(processKey(rl.GetResource()), first, describeProcess(rl.GetResource()))
		s.logStreamLocked(p)
		for _, sl := range rl.GetScopeLogs() {
			target := sl.GetScope().GetName()
			for _, rec := range sl.GetLogRecords() {
				p.openLog = append(p.openLog, model.LogEntry{
					TimeMs: p.ms(logTime(rec)),
					Level:  logLevel(rec),
					Target: target,
					Msg:    anyValueString(rec.GetBody()),
				})
				n++
				if len(p.openLog) >= s.cfg.LogsPerBlock {
					s.sealLogLocked(p)
				}
			}
		}
	}
	s.metrics.logsIngested.Add(float64(n))
	return nil
}

func logTime(rec *logspb.LogRecord) int64 {
	if t := rec.GetTimeUnixNano(); t != 0 {
		return int64(t)
	}
	return int64(rec.GetObservedTimeUnixNano())
}

func firstLogTime(rl *logspb.ResourceLogs) (int64, bool) {
	first, ok := int64(0), false
	for _, sl := range rl.GetScopeLogs() {
		for _, rec := range sl.GetLogRecords() {
			t := logTime(rec)
			if !ok || t < first {
				first, ok = t, true
			}
		}
	}
	return first, ok
}

// logLevel maps the OTLP severity number ranges onto levels. Records
// without a number fall back to their severity text, then to info.
func logLevel(rec *logspb.LogRecord) model.LogLevel {
	switch sev := rec.GetSeverityNumber(); {
	case sev >= logspb.SeverityNumber_SEVERITY_NUMBER_FATAL:
		return model.LevelFatal
	case sev >= logspb.SeverityNumber_SEVERITY_NUMBER_ERROR:
		return model.LevelError
	case sev >= logspb.SeverityNumber_SEVERITY_NUMBER_WARN:
		return model.LevelWarn
	case sev >= logspb.SeverityNumber_SEVERITY_NUMBER_INFO:
		return model.LevelInfo
	case sev >= logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG:
		return model.LevelDebug
	case sev >= logspb.SeverityNumber_SEVERITY_NUMBER_TRACE:
		return model.LevelTrace
	}
	if lvl, err := model.ParseLogLevel(rec.GetSeverityText()); err == nil {
		return lvl
	}
	return model.LevelInfo
}

func (s *Store) logStreamLocked(p *processState) {
	if p.logStream != "" {
		return
	}
	p.logStream = p.proc.ID + "/log"
	s.logStreams[p.logStream] = p
}

func (s *Store) sealLogLocked(p *processState) {
	if len(p.openLog) == 0 {
		return
	}
	entries := p.openLog
	p.openLog = nil
	slices.SortStableFunc(entries, func(a, b model.LogEntry) int { return cmp.Compare(a.TimeMs, b.TimeMs) })

	b := &logBlock{
		meta: model.BlockMetadata{
			BlockID:   s.nextBlockIDLocked("log"),
			StreamID:  p.logStream,
			BeginMs:   entries[0].TimeMs,
			EndMs:     entries[len(entries)-1].TimeMs,
			NbObjects: len(entries),
		},
		processID: p.proc.ID,
		entries:   entries,
	}
	p.logBlocks = append(p.logBlocks, b)
	s.logBlocks++
	s.metrics.blocksSealed.WithLabelValues("log").Inc()
	level.Debug(s.logger).Log("msg", "sealed log block", "block", b.meta.BlockID,
		"process", p.proc.ID, "entries", len(entries))
}

// ListProcessLogEntries pages through the sealed log blocks of a process in
// order. Entries before req.Begin are skipped without being filtered.
func (s *Store) ListProcessLogEntries(ctx context.Context, req dataservice.LogRequest) (*dataservice.LogReply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Begin < 0 {
		return nil, fmt.Errorf("log of %q: negative begin %d", req.ProcessID, req.Begin)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = dataservice.DefaultLogLimit
	}
	needles := model.SearchNeedles(req.Search)

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[req.ProcessID]
	if !ok {
		return nil, fmt.Errorf("process %q: %w", req.ProcessID, dataservice.ErrNotFound)
	}

	reply := &dataservice.LogReply{Begin: req.Begin, Entries: []model.LogEntry{}}
	idx, next := 0, -1
	for _, b := range p.logBlocks {
		reply.Total += len(b.entries)
		if next >= 0 || idx+len(b.entries) <= req.Begin {
			idx += len(b.entries)
			continue
		}
		for i, e := range b.entries[max(req.Begin-idx, 0):] {
			if len(reply.Entries) == limit {
				next = idx + max(req.Begin-idx, 0) + i
				break
			}
			if e.AtLeast(req.Level) && e.Matches(needles) {
				reply.Entries = append(reply.Entries, e)
			}
		}
		idx += len(b.entries)
	}
	if next < 0 {
		next = max(idx, req.Begin)
	}
	reply.Next = next
	return reply, nil
}

// CountProcessLogEntries counts the sealed log entries of a process.
func (s *Store) CountProcessLogEntries(ctx context.Context, processID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[processID]
	if !ok {
		return 0, fmt.Errorf("process %q: %w", processID, dataservice.ErrNotFound)
	}
	n := 0
	for _, b := range p.logBlocks {
		n += len(b.entries)
	}
	return n, nil
}
