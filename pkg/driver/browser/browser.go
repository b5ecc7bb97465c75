// Package browser implements core.Driver on top of Playwright.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/logger"
)

// Config configures a browser session.
type Config struct {
	Browser        string // chromium (default), firefox, webkit
	Headless       bool
	UserDataDir    string // persistent profile directory; empty uses an ephemeral context
	ViewportWidth  int
	ViewportHeight int
	DefaultTimeout time.Duration
	Install        bool   // download the browser before launching
	DriverDir      string // Playwright driver location; empty uses the library default
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.Browser == "" {
		c.Browser = "chromium"
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1280
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 720
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
}

// Driver drives a single Playwright page.
type Driver struct {
	cfg     Config
	pw      *playwright.Playwright
	browser playwright.Browser // nil for persistent contexts
	context playwright.BrowserContext
	page    playwright.Page

	mu         sync.Mutex
	step       string
	onRequest  []func(core.Request)
	onResponse []func(core.Response)

	// Page events are handed to a single worker so observers never run on
	// Playwright's dispatch goroutine (reading a body there would deadlock).
	events chan func()
	done   chan struct{}
	once   sync.Once
}

// Launch starts Playwright and opens a page.
func Launch(cfg Config) (*Driver, error) {
	cfg.Defaults()

	if cfg.Install {
		err := playwright.Install(&playwright.RunOptions{
			DriverDirectory: cfg.DriverDir,
			Browsers:        []string{cfg.Browser},
			Verbose:         false,
			Stdout:          io.Discard,
			Stderr:          io.Discard,
		})
		if err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(&playwright.RunOptions{
		DriverDirectory: cfg.DriverDir,
		Stdout:          io.Discard,
		Stderr:          io.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	bt, err := browserType(pw, cfg.Browser)
	if err != nil {
		_ = pw.Stop()
		return nil, err
	}

	d := &Driver{
		cfg:    cfg,
		pw:     pw,
		events: make(chan func(), 1024),
		done:   make(chan struct{}),
	}
	viewport := &playwright.Size{Width: cfg.ViewportWidth, Height: cfg.ViewportHeight}

	if cfg.UserDataDir != "" {
		d.context, err = bt.LaunchPersistentContext(cfg.UserDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
			Headless: playwright.Bool(cfg.Headless),
			Viewport: viewport,
		})
		if err != nil {
			_ = pw.Stop()
			return nil, fmt.Errorf("launch persistent context: %w", err)
		}
	} else {
		d.browser, err = bt.Launch(playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(cfg.Headless)})
		if err != nil {
			_ = pw.Stop()
			return nil, fmt.Errorf("launch %s: %w", cfg.Browser, err)
		}
		d.context, err = d.browser.NewContext(playwright.BrowserNewContextOptions{Viewport: viewport})
		if err != nil {
			_ = d.browser.Close()
			_ = pw.Stop()
			return nil, fmt.Errorf("create context: %w", err)
		}
	}

	if pages := d.context.Pages(); len(pages) > 0 {
		d.page = pages[0]
	} else if d.page, err = d.context.NewPage(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	d.page.SetDefaultTimeout(float64(cfg.DefaultTimeout.Milliseconds()))

	go d.dispatch()
	d.page.OnRequest(d.handleRequest)
	d.page.OnResponse(d.handleResponse)

	logger.Info("browser launched: %s headless=%v profile=%q", cfg.Browser, cfg.Headless, cfg.UserDataDir)
	return d, nil
}

func browserType(pw *playwright.Playwright, name string) (playwright.BrowserType, error) {
	switch strings.ToLower(name) {
	case "", "chromium", "chrome":
		return pw.Chromium, nil
	case "firefox":
		return pw.Firefox, nil
	case "webkit", "safari":
		return pw.WebKit, nil
	}
	return nil, fmt.Errorf("unsupported browser %q", name)
}

// Close shuts down page, context, browser and Playwright in that order.
func (d *Driver) Close() error {
	var errs []error
	d.once.Do(func() {
		close(d.done)
		if d.page != nil {
			if err := d.page.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close page: %w", err))
			}
		}
		if d.context != nil {
			if err := d.context.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close context: %w", err))
			}
		}
		if d.browser != nil {
			if err := d.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		if d.pw != nil {
			if err := d.pw.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop playwright: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

func (d *Driver) dispatch() {
	for {
		select {
		case fn := <-d.events:
			fn()
		case <-d.done:
			return
		}
	}
}

func (d *Driver) enqueue(fn func()) {
	select {
	case d.events <- fn:
	case <-d.done:
	default:
		logger.Warn("browser: network event queue full, dropping event")
	}
}

func (d *Driver) handleRequest(req playwright.Request) {
	r := toRequest(req)
	d.enqueue(func() {
		for _, fn := range d.requestObservers() {
			fn(r)
		}
	})
}

func (d *Driver) handleResponse(resp playwright.Response) {
	d.mu.Lock()
	step := d.step
	d.mu.Unlock()
	r := core.Response{
		Request: toRequest(resp.Request()),
		Status:  resp.Status(),
		Headers: resp.Headers(),
		Body:    resp.Body,
		StepID:  step,
	}
	d.enqueue(func() {
		if all, err := resp.AllHeaders(); err == nil {
			r.Headers = all
		}
		for _, fn := range d.responseObservers() {
			fn(r)
		}
	})
}

func (d *Driver) requestObservers() []func(core.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]func(core.Request){}, d.onRequest...)
}

func (d *Driver) responseObservers() []func(core.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]func(core.Response){}, d.onResponse...)
}

// SetStep stamps responses arriving from now on with stepID.
func (d *Driver) SetStep(stepID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.step = stepID
}

// Flush waits until every network event queued so far has reached the
// observers.
func (d *Driver) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	select {
	case d.events <- func() { close(reached) }:
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reached:
		return nil
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toRequest(req playwright.Request) core.Request {
	r := core.Request{
		Handle:       req,
		Method:       req.Method(),
		URL:          req.URL(),
		ResourceType: req.ResourceType(),
		Headers:      req.Headers(),
	}
	if body, err := req.PostData(); err == nil {
		r.PostData = body
	}
	return r
}

// Navigate loads url and waits for the load event.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMs(ctx, d.cfg.DefaultTimeout),
	})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Locate returns every element matching selector. An empty slice is not an error.
func (d *Driver) Locate(ctx context.Context, selector string) ([]core.ElementHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	locators, err := d.page.Locator(selector).All()
	if err != nil {
		return nil, fmt.Errorf("locate %q: %w", selector, err)
	}
	out := make([]core.ElementHandle, len(locators))
	for i, l := range locators {
		out[i] = l
	}
	return out, nil
}

// Act performs action on an element returned by Locate.
func (d *Driver) Act(ctx context.Context, el core.ElementHandle, action core.Action) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	loc, ok := el.(playwright.Locator)
	if !ok {
		return "", fmt.Errorf("element handle %T is not a playwright locator", el)
	}
	timeout := timeoutMs(ctx, d.cfg.DefaultTimeout)

	switch action.Kind {
	case core.ActionClick:
		return "", loc.Click(playwright.LocatorClickOptions{Timeout: timeout})
	case core.ActionFill:
		return "", loc.Fill(action.Value, playwright.LocatorFillOptions{Timeout: timeout})
	case core.ActionText:
		return loc.TextContent(playwright.LocatorTextContentOptions{Timeout: timeout})
	case core.ActionAttribute:
		return loc.GetAttribute(action.Name, playwright.LocatorGetAttributeOptions{Timeout: timeout})
	case core.ActionIsVisible:
		visible, err := loc.IsVisible()
		if err != nil {
			return "", err
		}
		if visible {
			return "true", nil
		}
		return "false", nil
	}
	return "", fmt.Errorf("unsupported action %q", action.Kind)
}

// CurrentURL returns the page URL.
func (d *Driver) CurrentURL() string {
	return d.page.URL()
}

// Content returns the page HTML.
func (d *Driver) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.page.Content()
}

// Screenshot captures the full page as PNG.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Timeout:  timeoutMs(ctx, d.cfg.DefaultTimeout),
	})
}

// OnRequest registers fn for every outgoing page request.
func (d *Driver) OnRequest(fn func(core.Request)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRequest = append(d.onRequest, fn)
}

// OnResponse registers fn for every page response.
func (d *Driver) OnResponse(fn func(core.Response)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResponse = append(d.onResponse, fn)
}

// Fetch issues req through the context's request API, sharing the page's cookies.
func (d *Driver) Fetch(ctx context.Context, req core.HTTPRequest) (*core.HTTPResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}
	opts := playwright.APIRequestContextFetchOptions{
		Method:  playwright.String(method),
		Headers: fetchHeaders(req.Headers),
		Timeout: timeoutMs(ctx, d.cfg.DefaultTimeout),
	}
	if req.Body != "" {
		opts.Data = req.Body
	}

	resp, err := d.context.Request().Fetch(req.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", method, req.URL, err)
	}
	defer func() { _ = resp.Dispose() }()

	body, err := resp.Body()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &core.HTTPResponse{
		Status:  resp.Status(),
		Headers: resp.Headers(),
		Body:    body,
	}, nil
}

// fetchHeaders drops pseudo and hop-by-hop headers the request API sets itself.
func fetchHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, ":") {
			continue
		}
		switch lk {
		case "content-length", "host", "connection", "accept-encoding":
			continue
		}
		out[k] = v
	}
	return out
}

// timeoutMs converts the context deadline into a Playwright timeout, capped by
// fallback. Playwright treats 0 as "no timeout", so the result is at least 1ms.
func timeoutMs(ctx context.Context, fallback time.Duration) *float64 {
	d := fallback
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); d <= 0 || remaining < d {
			d = remaining
		}
	}
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(float64(ms))
}

var (
	_ core.Driver        = (*Driver)(nil)
	_ core.Screenshotter = (*Driver)(nil)
	_ core.AsyncNetwork  = (*Driver)(nil)
)
