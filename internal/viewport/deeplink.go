package viewport

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/tobert/tracelod/internal/model"
)

// Query string parameters understood on load.
const (
	ParamProcess = "process"
	ParamBegin   = "begin"
	ParamEnd     = "end"
)

// DeepLink is the parsed form of the begin/end/process query contract.
type DeepLink struct {
	ProcessID string
	Begin     *float64
	End       *float64
}

// ParseDeepLink reads process, begin and end from q. Missing parameters
// stay nil; malformed numbers are an error.
func ParseDeepLink(q url.Values) (DeepLink, error) {
	dl := DeepLink{ProcessID: q.Get(ParamProcess)}
	var err error
	if dl.Begin, err = parseMs(q, ParamBegin); err != nil {
		return DeepLink{}, err
	}
	if dl.End, err = parseMs(q, ParamEnd); err != nil {
		return DeepLink{}, err
	}
	if dl.Begin != nil && dl.End != nil && *dl.Begin > *dl.End {
		return DeepLink{}, fmt.Errorf("%w: begin=%g end=%g", model.ErrInvertedRange, *dl.Begin, *dl.End)
	}
	return dl, nil
}

func parseMs(q url.Values, key string) (*float64, error) {
	s := q.Get(key)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s parameter %q: %w", key, s, err)
	}
	return &v, nil
}

// Selection returns the range described by the link when both ends are set.
func (dl DeepLink) Selection() (model.TimeRange, bool) {
	if dl.Begin == nil || dl.End == nil {
		return model.TimeRange{}, false
	}
	return model.TimeRange{BeginMs: *dl.Begin, EndMs: *dl.End}, true
}

// Encode renders the link as a query string (without leading '?').
func (dl DeepLink) Encode() string {
	q := url.Values{}
	if dl.ProcessID != "" {
		q.Set(ParamProcess, dl.ProcessID)
	}
	if dl.Begin != nil {
		q.Set(ParamBegin, strconv.FormatFloat(*dl.Begin, 'f', -1, 64))
	}
	if dl.End != nil {
		q.Set(ParamEnd, strconv.FormatFloat(*dl.End, 'f', -1, 64))
	}
	return q.Encode()
}

// SelectionLink builds a link to basePath for processID and sel, e.g. the
// cumulative call graph of exactly that range.
func SelectionLink(basePath, processID string, sel model.TimeRange) string {
	b, e := sel.BeginMs, sel.EndMs
	return basePath + "?" + DeepLink{ProcessID: processID, Begin: &b, End: &e}.Encode()
}
