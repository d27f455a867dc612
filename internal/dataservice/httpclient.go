package dataservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tobert/tracelod/internal/model"
)

// HTTPClient is a Client talking to a Handler served by another process.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient targets the server at baseURL, e.g. "http://127.0.0.1:4380".
// A nil hc uses a client with a 60 second overall timeout.
func NewHTTPClient(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/") + PathPrefix, http: hc}
}

func (c *HTTPClient) ListRecentProcesses(ctx context.Context) ([]model.Process, error) {
	var out []model.Process
	return out, c.get(ctx, "/processes", &out)
}

func (c *HTTPClient) FindProcess(ctx context.Context, processID string) (model.Process, error) {
	var out model.Process
	return out, c.get(ctx, "/processes/"+url.PathEscape(processID), &out)
}

func (c *HTTPClient) ListProcessStreams(ctx context.Context, processID string) ([]model.Stream, error) {
	var out []model.Stream
	return out, c.get(ctx, "/processes/"+url.PathEscape(processID)+"/streams", &out)
}

func (c *HTTPClient) ListStreamBlocks(ctx context.Context, streamID string) ([]model.BlockMetadata, error) {
	var out []model.BlockMetadata
	return out, c.get(ctx, "/streams/"+url.PathEscape(streamID)+"/blocks", &out)
}

func (c *HTTPClient) FetchBlockSpans(ctx context.Context, req SpansRequest) (*SpansReply, error) {
	var out SpansReply
	if err := c.post(ctx, "/block_spans", req, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(req); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListProcessMetrics(ctx context.Context, processID string) ([]model.MetricDesc, error) {
	var out []model.MetricDesc
	return out, c.get(ctx, "/processes/"+url.PathEscape(processID)+"/metrics", &out)
}

func (c *HTTPClient) FetchBlockMetricManifest(ctx context.Context, processID, blockID string) (model.MetricBlockManifest, error) {
	var out model.MetricBlockManifest
	path := "/processes/" + url.PathEscape(processID) + "/blocks/" + url.PathEscape(blockID) + "/metric_manifest"
	return out, c.get(ctx, path, &out)
}

func (c *HTTPClient) FetchBlockMetric(ctx context.Context, req MetricRequest) (model.MetricBlockData, error) {
	var out model.MetricBlockData
	return out, c.post(ctx, "/block_metric", req, &out)
}

func (c *HTTPClient) SearchProcesses(ctx context.Context, search string) ([]model.Process, error) {
	var out []model.Process
	return out, c.get(ctx, "/processes?"+url.Values{"search": {search}}.Encode(), &out)
}

func (c *HTTPClient) ListProcessChildren(ctx context.Context, processID string) ([]model.Process, error) {
	var out []model.Process
	return out, c.get(ctx, "/processes/"+url.PathEscape(processID)+"/children", &out)
}

func (c *HTTPClient) ListProcessLogEntries(ctx context.Context, req LogRequest) (*LogReply, error) {
	var out LogReply
	if err := c.post(ctx, "/process_log", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CountProcessLogEntries(ctx context.Context, processID string) (int, error) {
	var out logCount
	return out.Count, c.get(ctx, "/processes/"+url.PathEscape(processID)+"/log_count", &out)
}

func (c *HTTPClient) FetchBlockAsyncStats(ctx context.Context, processID, blockID string) (model.AsyncBlockStats, error) {
	var out model.AsyncBlockStats
	path := "/processes/" + url.PathEscape(processID) + "/blocks/" + url.PathEscape(blockID) + "/async_stats"
	return out, c.get(ctx, path, &out)
}

func (c *HTTPClient) FetchAsyncSpans(ctx context.Context, req AsyncSpansRequest) (*AsyncSpansReply, error) {
	var out AsyncSpansReply
	if err := c.post(ctx, "/async_spans", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		switch eb.Code {
		case codeNotFound:
			return fmt.Errorf("%s: %w", eb.Error, ErrNotFound)
		case codeMissingLod:
			return fmt.Errorf("%s: %w", eb.Error, ErrMissingLod)
		}
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, eb.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s reply: %w", req.URL.Path, err)
	}
	return nil
}
