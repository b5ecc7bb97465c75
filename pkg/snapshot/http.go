package snapshot

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/network"
)

// RefPrefix marks request refs minted from snapshots in HTTP mode.
const RefPrefix = "snapshot:"

type idempotentKey struct{}

// NewHTTPClient builds the resty client used for HTTP-mode replays. Retries
// happen in the retryablehttp round-tripper and only for idempotent methods;
// the last response is passed through once retries run out.
func NewHTTPClient(timeout time.Duration) *resty.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.CheckRetry = retryIdempotent
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return resty.NewWithClient(retryClient.StandardClient()).SetTimeout(timeout)
}

func retryIdempotent(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if idempotent, _ := ctx.Value(idempotentKey{}).(bool); !idempotent {
		return false, ctx.Err()
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// HTTPNetwork serves network steps from snapshots without a page.
type HTTPNetwork struct {
	Store   *Store
	Client  *resty.Client
	MaxBody int
	Now     func() time.Time
}

// NewHTTPNetwork creates an HTTP-mode network backend.
func NewHTTPNetwork(store *Store, client *resty.Client) *HTTPNetwork {
	return &HTTPNetwork{Store: store, Client: client, MaxBody: network.DefaultMaxReplayBody, Now: time.Now}
}

func (h *HTTPNetwork) usable(step flow.Step, kind string) (Snapshot, error) {
	snap, ok := h.Store.Usable(step, h.Now())
	if !ok || snap.Kind != kind {
		return Snapshot{}, core.ErrSnapshotMissing.WithMessage(fmt.Sprintf("no usable %s snapshot for step %s", kind, step.ID))
	}
	return snap, nil
}

// Find returns a ref to the step's own snapshot.
func (h *HTTPNetwork) Find(ctx context.Context, step flow.Step, q network.Query) (flow.RequestRef, error) {
	if _, err := h.usable(step, KindFind); err != nil {
		return flow.RequestRef{}, err
	}
	return flow.RequestRef{RequestID: RefPrefix + step.ID}, nil
}

// Replay issues the snapshot's base request with overrides and validates the response.
func (h *HTTPNetwork) Replay(ctx context.Context, step flow.Step, ref flow.RequestRef, ov network.Overrides) (*network.Result, error) {
	snap, err := h.usable(step, KindReplay)
	if err != nil {
		return nil, err
	}
	req, err := network.Apply(snap.Request, ov)
	if err != nil {
		return nil, err
	}
	resp, err := h.Do(ctx, req)
	if err != nil {
		return nil, core.ErrStepFailure.WithMessage(fmt.Sprintf("http replay of step %s", step.ID)).WithCause(err)
	}
	if err := snap.ResponseValidation.Check(resp.Status, resp.ContentType(), string(resp.Body)); err != nil {
		return nil, err
	}
	return network.NewResult(resp, h.MaxBody), nil
}

// Do sends req with resty.
func (h *HTTPNetwork) Do(ctx context.Context, req core.HTTPRequest) (*core.HTTPResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	r := h.Client.R().SetContext(context.WithValue(ctx, idempotentKey{}, isIdempotent(method)))
	for k, v := range req.Headers {
		if skipHeader(k) {
			continue
		}
		r.SetHeader(k, v)
	}
	if req.Body != "" {
		r.SetBody(req.Body)
	}
	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(resp.Header()))
	for k, v := range resp.Header() {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	return &core.HTTPResponse{Status: resp.StatusCode(), Headers: headers, Body: resp.Body()}, nil
}

// skipHeader drops pseudo and transport-managed headers captured from the browser.
func skipHeader(name string) bool {
	if strings.HasPrefix(name, ":") {
		return true
	}
	switch strings.ToLower(name) {
	case "host", "content-length", "connection", "accept-encoding", "transfer-encoding", "keep-alive":
		return true
	}
	return false
}
