// Package mock provides an in-memory page driver for testing without a browser.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// Element is a fake DOM element.
type Element struct {
	Selector string
	Text     string
	Value    string
	Attrs    map[string]string
	Hidden   bool
}

// Exchange is one simulated request/response pair emitted on the page.
type Exchange struct {
	Method       string
	URL          string
	ResourceType string
	Headers      map[string]string
	PostData     string
	Status       int
	RespHeaders  map[string]string
	Body         string
}

// Call records one driver invocation.
type Call struct {
	Method string
	Arg    string
}

// Driver is a mock implementation of core.Driver for testing.
type Driver struct {
	// Configuration
	Config Config

	mu         sync.Mutex
	url        string
	elements   map[string][]*Element
	calls      []Call
	step       string
	onRequest  []func(core.Request)
	onResponse []func(core.Response)

	queueOnce sync.Once
	queue     chan func()
}

// Config configures mock driver behavior.
type Config struct {
	// StartURL is the initial page URL
	StartURL string
	// Delay adds artificial latency to every blocking call; it honours ctx cancellation
	Delay time.Duration
	// OnNavigate runs after the URL changes; it may emit traffic or fail the navigation
	OnNavigate func(d *Driver, url string) error
	// OnClick runs when an element is clicked
	OnClick func(d *Driver, el *Element) error
	// OnFetch answers Fetch; defaults to 200 with an empty JSON object
	OnFetch func(ctx context.Context, req core.HTTPRequest) (*core.HTTPResponse, error)
	// AsyncDelay, when positive, delivers emitted traffic on a background
	// goroutine after the delay, stamping responses with the current step
	AsyncDelay time.Duration
}

// New creates a new mock driver.
func New(cfg Config) *Driver {
	if cfg.StartURL == "" {
		cfg.StartURL = "about:blank"
	}
	return &Driver{Config: cfg, url: cfg.StartURL, elements: make(map[string][]*Element)}
}

// AddElement places an element on the page under its selector.
func (d *Driver) AddElement(el *Element) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elements[el.Selector] = append(d.elements[el.Selector], el)
	return el
}

// RemoveElements removes every element under selector.
func (d *Driver) RemoveElements(selector string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.elements, selector)
}

// SetURL changes the current URL without navigating.
func (d *Driver) SetURL(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
}

// Calls returns a copy of the recorded calls.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallCount returns how many times method was invoked.
func (d *Driver) CallCount(method string) int {
	n := 0
	for _, c := range d.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (d *Driver) record(method, arg string) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Method: method, Arg: arg})
	d.mu.Unlock()
}

func (d *Driver) wait(ctx context.Context) error {
	if d.Config.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.Config.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Navigate simulates loading url.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.record("navigate", url)
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.SetURL(url)
	if d.Config.OnNavigate != nil {
		return d.Config.OnNavigate(d, url)
	}
	return nil
}

// Locate returns every element registered under selector.
func (d *Driver) Locate(ctx context.Context, selector string) ([]core.ElementHandle, error) {
	d.record("locate", selector)
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	els := d.elements[selector]
	handles := make([]core.ElementHandle, len(els))
	for i, el := range els {
		handles[i] = el
	}
	return handles, nil
}

// Act performs action on an element returned by Locate.
func (d *Driver) Act(ctx context.Context, handle core.ElementHandle, action core.Action) (string, error) {
	el, ok := handle.(*Element)
	if !ok {
		return "", fmt.Errorf("mock: foreign element handle %T", handle)
	}
	d.record(string(action.Kind), el.Selector)
	if err := d.wait(ctx); err != nil {
		return "", err
	}

	switch action.Kind {
	case core.ActionClick:
		if el.Hidden {
			return "", fmt.Errorf("mock: element %s is not visible", el.Selector)
		}
		if d.Config.OnClick != nil {
			return "", d.Config.OnClick(d, el)
		}
		return "", nil
	case core.ActionFill:
		d.mu.Lock()
		el.Value = action.Value
		d.mu.Unlock()
		return "", nil
	case core.ActionText:
		return el.Text, nil
	case core.ActionAttribute:
		return el.Attrs[action.Name], nil
	case core.ActionIsVisible:
		if el.Hidden {
			return "false", nil
		}
		return "true", nil
	}
	return "", fmt.Errorf("mock: unsupported action %q", action.Kind)
}

// CurrentURL returns the page URL.
func (d *Driver) CurrentURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Content renders the fake DOM as minimal HTML.
func (d *Driver) Content(ctx context.Context) (string, error) {
	d.record("content", "")
	d.mu.Lock()
	defer d.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for sel, els := range d.elements {
		for _, el := range els {
			fmt.Fprintf(&sb, "<div data-selector=%q>%s</div>", sel, el.Text)
		}
	}
	sb.WriteString("</body></html>")
	return sb.String(), nil
}

// OnRequest registers a request observer.
func (d *Driver) OnRequest(fn func(core.Request)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRequest = append(d.onRequest, fn)
}

// OnResponse registers a response observer.
func (d *Driver) OnResponse(fn func(core.Response)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResponse = append(d.onResponse, fn)
}

// Emit simulates page traffic: observers see the request and then the response.
func (d *Driver) Emit(ex Exchange) {
	if ex.Method == "" {
		ex.Method = "GET"
	}
	req := core.Request{
		Handle:       &ex,
		Method:       ex.Method,
		URL:          ex.URL,
		ResourceType: ex.ResourceType,
		Headers:      ex.Headers,
		PostData:     ex.PostData,
	}
	body := ex.Body
	resp := core.Response{
		Request: req,
		Status:  ex.Status,
		Headers: ex.RespHeaders,
		Body:    func() ([]byte, error) { return []byte(body), nil },
	}

	if d.Config.AsyncDelay <= 0 {
		d.notify(req, resp)
		return
	}
	d.mu.Lock()
	resp.StepID = d.step
	d.mu.Unlock()
	delay := d.Config.AsyncDelay
	d.asyncQueue() <- func() {
		time.Sleep(delay)
		d.notify(req, resp)
	}
}

func (d *Driver) notify(req core.Request, resp core.Response) {
	d.mu.Lock()
	onReq := append([]func(core.Request){}, d.onRequest...)
	onResp := append([]func(core.Response){}, d.onResponse...)
	d.mu.Unlock()

	for _, fn := range onReq {
		fn(req)
	}
	for _, fn := range onResp {
		fn(resp)
	}
}

func (d *Driver) asyncQueue() chan func() {
	d.queueOnce.Do(func() {
		d.queue = make(chan func(), 256)
		go func() {
			for fn := range d.queue {
				fn()
			}
		}()
	})
	return d.queue
}

// SetStep stamps asynchronously delivered responses with stepID.
func (d *Driver) SetStep(stepID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.step = stepID
}

// Flush waits for asynchronously emitted traffic to reach the observers.
func (d *Driver) Flush(ctx context.Context) error {
	d.record("flush", "")
	if d.Config.AsyncDelay <= 0 {
		return nil
	}
	reached := make(chan struct{})
	d.asyncQueue() <- func() { close(reached) }
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch answers an out-of-band request through OnFetch.
func (d *Driver) Fetch(ctx context.Context, req core.HTTPRequest) (*core.HTTPResponse, error) {
	d.record("fetch", req.Method+" "+req.URL)
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	if d.Config.OnFetch != nil {
		return d.Config.OnFetch(ctx, req)
	}
	return &core.HTTPResponse{
		Status:  200,
		Headers: map[string]string{"content-type": "application/json"},
		Body:    []byte("{}"),
	}, nil
}

// Screenshot returns a mock PNG image.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	d.record("screenshot", "")
	// Minimal valid PNG (1x1 transparent pixel)
	return []byte{
		0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, // PNG signature
		0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52, // IHDR chunk
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
		0x89, 0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41,
		0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00,
		0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE,
		0x42, 0x60, 0x82,
	}, nil
}

var (
	_ core.Driver        = (*Driver)(nil)
	_ core.Screenshotter = (*Driver)(nil)
	_ core.AsyncNetwork  = (*Driver)(nil)
)
