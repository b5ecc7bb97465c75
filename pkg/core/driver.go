package core

import (
	"context"
	"strings"

	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

// Driver defines the page driver the interpreter acts through.
// Implementations: Playwright (browser) and mock (tests). HTTP-only replay
// runs without a driver.
// The FlowRunner handles flow logic; Driver just executes individual primitives.
// Every blocking call takes a context whose deadline is the step deadline.
type Driver interface {
	// Navigate loads url in the current page
	Navigate(ctx context.Context, url string) error

	// Locate returns all elements matching a single selector
	Locate(ctx context.Context, selector string) ([]ElementHandle, error)

	// Act performs an action on an element and returns its textual result
	Act(ctx context.Context, el ElementHandle, action Action) (string, error)

	// CurrentURL returns the page's current URL
	CurrentURL() string

	// Content returns the page HTML (used for failure artifacts)
	Content(ctx context.Context) (string, error)

	// OnRequest registers a callback for every outgoing request
	OnRequest(fn func(Request))

	// OnResponse registers a callback for every response
	OnResponse(fn func(Response))

	// Fetch re-issues an HTTP request using the page's cookie/credential context
	Fetch(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// Screenshotter is implemented by drivers that can capture the page as PNG.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// AsyncNetwork is implemented by drivers that deliver network events to
// observers on their own goroutine. Events are stamped with the step id
// current when they arrived, and Flush returns once every event received so
// far has reached its observers.
type AsyncNetwork interface {
	SetStep(stepID string)
	Flush(ctx context.Context) error
}

// ElementHandle is an opaque driver-specific element reference.
type ElementHandle interface{}

// ActionKind enumerates element actions.
type ActionKind string

// ActionKind values
const (
	ActionClick     ActionKind = "click"
	ActionFill      ActionKind = "fill"
	ActionText      ActionKind = "text"
	ActionAttribute ActionKind = "attribute"
	ActionIsVisible ActionKind = "is_visible" // Result is "true" or "false"
)

// Action describes what to do with an element.
type Action struct {
	Kind  ActionKind
	Value string // Fill value
	Name  string // Attribute name
}

// Request is an outgoing request as observed on the page.
type Request struct {
	Handle       interface{}       // Driver-native identity, used to pair responses
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	ResourceType string            `json:"resourceType"`
	Headers      map[string]string `json:"headers"`
	PostData     string            `json:"postData,omitempty"`
}

// Response is a response as observed on the page.
type Response struct {
	Request Request // Request.Handle pairs this response with its request
	Status  int
	StepID  string // Set by AsyncNetwork drivers at arrival; empty otherwise
	Headers map[string]string
	Body    func() ([]byte, error) // Lazily read; may fail for redirects or aborted loads
}

// HTTPRequest is a request to be issued outside of page navigation.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponse is the outcome of Fetch.
type HTTPResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// ContentType returns the response Content-Type header (case-insensitive lookup).
func (r *HTTPResponse) ContentType() string {
	return HeaderValue(r.Headers, "content-type")
}

// HeaderValue looks a header up case-insensitively.
func HeaderValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// EventSink receives structured run events (the caller's log sink).
type EventSink interface {
	Emit(event Event)
}

// ArtifactSink receives failure artifacts. It is only invoked on a stopping failure.
type ArtifactSink interface {
	SaveScreenshot(ctx context.Context, label string) error
	SaveHTML(ctx context.Context, label, html string) error
}

// RunContext bundles the collaborators borrowed for exactly one run.
// The engine never persists it.
type RunContext struct {
	Driver    Driver
	Events    EventSink
	Artifacts ArtifactSink
}

// ExecutedBy indicates what component executed a step
type ExecutedBy string

// ExecutedBy values
const (
	ExecutedByDriver   ExecutedBy = "driver"   // Executed through the page driver
	ExecutedByRunner   ExecutedBy = "runner"   // Executed by the interpreter (vars, scripts)
	ExecutedByCache    ExecutedBy = "cache"    // Restored from the once-cache
	ExecutedBySnapshot ExecutedBy = "snapshot" // Replayed from a request snapshot
)

// StepRef is a lightweight reference used by events.
func StepRef(s flow.Step) map[string]interface{} {
	ref := map[string]interface{}{"stepId": s.ID, "type": string(s.Type)}
	if s.Label != "" {
		ref["label"] = s.Label
	}
	return ref
}
