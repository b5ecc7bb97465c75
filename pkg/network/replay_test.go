package network

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/driver/mock"
)

func TestApplyOverrides(t *testing.T) {
	body := `{"page":1}`
	base := core.HTTPRequest{
		Method:  "POST",
		URL:     "https://example.com/api/search?q=old&lang=en",
		Headers: map[string]string{"Content-Type": "application/json", "Cookie": "sid=1"},
		Body:    body,
	}
	req, err := Apply(base, Overrides{
		Query:       map[string]string{"q": "shoes"},
		Headers:     map[string]string{"content-type": "application/vnd.api+json", "X-Trace": "1"},
		BodyReplace: map[string]string{`"page":1`: `"page":2`},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api/search?lang=en&q=shoes", req.URL)
	assert.Equal(t, "application/vnd.api+json", req.Headers["content-type"])
	_, dup := req.Headers["Content-Type"]
	assert.False(t, dup)
	assert.Equal(t, "sid=1", req.Headers["Cookie"], "session headers are kept")
	assert.Equal(t, `{"page":2}`, req.Body)
	assert.Equal(t, "sid=1", base.Headers["Cookie"])
	assert.Equal(t, "application/json", base.Headers["Content-Type"], "base must not be mutated")
}

func TestApplyRejectsSensitiveOverride(t *testing.T) {
	for _, name := range []string{"Authorization", "cookie", "X-API-Key"} {
		_, err := Apply(core.HTTPRequest{URL: "https://x"}, Overrides{Headers: map[string]string{name: "evil"}})
		assert.ErrorIs(t, err, ErrSensitiveOverride, name)
	}
}

func TestApplyURLAndBodyOverride(t *testing.T) {
	b := "raw"
	req, err := Apply(core.HTTPRequest{URL: "https://a/x"}, Overrides{URL: "https://b/y", Body: &b})
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "https://b/y", req.URL)
	assert.Equal(t, "raw", req.Body)
}

func TestOverridesFromParams(t *testing.T) {
	ov, err := OverridesFromParams(map[string]interface{}{
		"url":     "https://x",
		"query":   map[string]interface{}{"page": 2},
		"headers": map[string]interface{}{"x-a": "b"},
		"body":    map[string]interface{}{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, "2", ov.Query["page"])
	assert.Equal(t, `{"k":"v"}`, *ov.Body)

	_, err = OverridesFromParams(map[string]interface{}{"query": "nope"})
	assert.Error(t, err)
}

func TestReplayUsesSessionFetcher(t *testing.T) {
	var sent core.HTTPRequest
	d := mock.New(mock.Config{OnFetch: func(_ context.Context, req core.HTTPRequest) (*core.HTTPResponse, error) {
		sent = req
		return &core.HTTPResponse{
			Status:  200,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    []byte(`{"items":[1,2,3]}`),
		}, nil
	}})
	buf := NewBuffer(5)
	buf.Attach(d)
	d.Emit(mock.Exchange{URL: "https://example.com/api/items?page=1", Headers: map[string]string{"Cookie": "sid=1"}, Status: 200})
	id := buf.Entries()[0].ID

	r := NewReplayer(buf, d)
	res, req, err := r.Replay(context.Background(), id, Overrides{Query: map[string]string{"page": "2"}})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api/items?page=2", sent.URL)
	assert.Equal(t, "sid=1", sent.Headers["Cookie"])
	assert.Equal(t, sent, req)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "application/json", res.ContentType)

	v := res.Value()
	assert.Equal(t, map[string]interface{}{"items": []interface{}{1.0, 2.0, 3.0}}, v["json"])
}

func TestReplayUnknownID(t *testing.T) {
	r := NewReplayer(NewBuffer(1), mock.New(mock.Config{}))
	_, _, err := r.Replay(context.Background(), "req-0-0", Overrides{})
	assert.True(t, errors.Is(err, ErrUnknownRequest))
}

func TestResultBoundsBody(t *testing.T) {
	resp := &core.HTTPResponse{Status: 200, Headers: map[string]string{"content-type": "application/json"}, Body: []byte(strings.Repeat("a", 50))}
	res := NewResult(resp, 10)
	assert.Equal(t, 10, len(res.Body))
	assert.Equal(t, 50, res.BodySize)
	assert.True(t, res.Truncated)
	_, hasJSON := res.Value()["json"]
	assert.False(t, hasJSON)
}
