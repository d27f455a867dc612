package session

import (
	"context"

	"github.com/tobert/tracelod/internal/dataservice"
)

// Log returns one page of the loaded process's log. The process ID of req
// is ignored.
func (s *Session) Log(ctx context.Context, req dataservice.LogRequest) (*dataservice.LogReply, error) {
	proc, ok := s.reg.Process()
	if !ok || !s.reg.Ready() {
		return nil, ErrNotLoaded
	}
	req.ProcessID = proc.ID
	return s.client.ListProcessLogEntries(ctx, req)
}

// LogCount returns the number of log entries of the loaded process.
func (s *Session) LogCount(ctx context.Context) (int, error) {
	proc, ok := s.reg.Process()
	if !ok || !s.reg.Ready() {
		return 0, ErrNotLoaded
	}
	return s.client.CountProcessLogEntries(ctx, proc.ID)
}
