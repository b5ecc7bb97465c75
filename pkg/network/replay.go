package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// DefaultMaxReplayBody caps the response body returned by a replay, in characters.
const DefaultMaxReplayBody = 64 * 1024

// ErrSensitiveOverride is returned when an override targets a sensitive header.
var ErrSensitiveOverride = errors.New("overriding sensitive headers is not allowed")

// ErrUnknownRequest is returned when no replay data exists for a request id.
var ErrUnknownRequest = errors.New("no replay data for request")

// Fetcher issues a request with the page session's cookies and credentials.
type Fetcher interface {
	Fetch(ctx context.Context, req core.HTTPRequest) (*core.HTTPResponse, error)
}

// Overrides modify a captured request before it is re-issued.
type Overrides struct {
	URL         string            // Replaces the URL wholesale
	Query       map[string]string // Merged into the query string
	Headers     map[string]string // Merged into headers; sensitive names are rejected
	Body        *string           // Replaces the body
	BodyReplace map[string]string // Literal old→new replacements in the body
}

// OverridesFromParams decodes overrides from resolved step params.
func OverridesFromParams(params map[string]interface{}) (Overrides, error) {
	var ov Overrides
	if v, ok := params["url"].(string); ok {
		ov.URL = v
	}
	var err error
	if ov.Query, err = stringMap(params["query"], "query"); err != nil {
		return ov, err
	}
	if ov.Headers, err = stringMap(params["headers"], "headers"); err != nil {
		return ov, err
	}
	if ov.BodyReplace, err = stringMap(params["bodyReplace"], "bodyReplace"); err != nil {
		return ov, err
	}
	if raw, ok := params["body"]; ok && raw != nil {
		var body string
		switch b := raw.(type) {
		case string:
			body = b
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return ov, fmt.Errorf("encode body override: %w", err)
			}
			body = string(data)
		}
		ov.Body = &body
	}
	return ov, nil
}

func stringMap(v interface{}, name string) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be a mapping, got %T", name, v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch s := val.(type) {
		case string:
			out[k] = s
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(s)
		}
	}
	return out, nil
}

// Apply builds the request to issue from a base request and overrides.
func Apply(base core.HTTPRequest, ov Overrides) (core.HTTPRequest, error) {
	for name := range ov.Headers {
		if IsSensitiveHeader(name) {
			return core.HTTPRequest{}, fmt.Errorf("%w: %s", ErrSensitiveOverride, strings.ToLower(name))
		}
	}

	req := core.HTTPRequest{Method: base.Method, URL: base.URL, Body: base.Body, Headers: map[string]string{}}
	if req.Method == "" {
		req.Method = "GET"
	}
	for k, v := range base.Headers {
		req.Headers[k] = v
	}

	if ov.URL != "" {
		req.URL = ov.URL
	}
	if len(ov.Query) > 0 {
		u, err := url.Parse(req.URL)
		if err != nil {
			return core.HTTPRequest{}, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		keys := make([]string, 0, len(ov.Query))
		for k := range ov.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, ov.Query[k])
		}
		u.RawQuery = q.Encode()
		req.URL = u.String()
	}
	for k, v := range ov.Headers {
		// Replace case-insensitively so a header never appears twice
		for existing := range req.Headers {
			if strings.EqualFold(existing, k) {
				delete(req.Headers, existing)
			}
		}
		req.Headers[k] = v
	}
	if ov.Body != nil {
		req.Body = *ov.Body
	}
	for old, repl := range ov.BodyReplace {
		req.Body = strings.ReplaceAll(req.Body, old, repl)
	}
	return req, nil
}

// Result is the bounded outcome of a replay.
type Result struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        string `json:"body"`
	BodySize    int    `json:"bodySize"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// NewResult bounds a raw response.
func NewResult(resp *core.HTTPResponse, maxBody int) *Result {
	if maxBody <= 0 {
		maxBody = DefaultMaxReplayBody
	}
	body := string(resp.Body)
	bounded := Truncate(body, maxBody)
	return &Result{
		Status:      resp.Status,
		ContentType: resp.ContentType(),
		Body:        bounded,
		BodySize:    len(resp.Body),
		Truncated:   len(bounded) < len(body),
	}
}

// Value renders the result as a variable value. JSON bodies are decoded under "json".
func (r *Result) Value() map[string]interface{} {
	v := map[string]interface{}{
		"status":      r.Status,
		"contentType": r.ContentType,
		"body":        r.Body,
		"bodySize":    r.BodySize,
	}
	if r.Truncated {
		v["truncated"] = true
	}
	if strings.Contains(strings.ToLower(r.ContentType), "json") && !r.Truncated {
		var parsed interface{}
		if err := json.Unmarshal([]byte(r.Body), &parsed); err == nil {
			v["json"] = parsed
		}
	}
	return v
}

// Replayer re-issues captured requests through the page session.
type Replayer struct {
	Buffer  *Buffer
	Fetcher Fetcher
	MaxBody int
}

// NewReplayer creates a replayer over a capture buffer.
func NewReplayer(buf *Buffer, f Fetcher) *Replayer {
	return &Replayer{Buffer: buf, Fetcher: f, MaxBody: DefaultMaxReplayBody}
}

// Replay re-issues request id with overrides. It also returns the exact request sent.
func (r *Replayer) Replay(ctx context.Context, id string, ov Overrides) (*Result, core.HTTPRequest, error) {
	data, ok := r.Buffer.Replay(id)
	if !ok {
		return nil, core.HTTPRequest{}, fmt.Errorf("%w %s", ErrUnknownRequest, id)
	}
	req, err := Apply(data.Request(), ov)
	if err != nil {
		return nil, core.HTTPRequest{}, err
	}
	resp, err := r.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, req, fmt.Errorf("replay %s: %w", id, err)
	}
	return NewResult(resp, r.MaxBody), req, nil
}
