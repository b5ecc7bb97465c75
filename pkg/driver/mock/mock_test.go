package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

func TestNavigateAndLocate(t *testing.T) {
	d := New(Config{})
	d.AddElement(&Element{Selector: "#title", Text: "Hello"})

	if err := d.Navigate(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	if d.CurrentURL() != "https://example.com" {
		t.Errorf("CurrentURL() = %q", d.CurrentURL())
	}

	els, err := d.Locate(context.Background(), "#title")
	if err != nil || len(els) != 1 {
		t.Fatalf("Locate() = %v, %v", els, err)
	}
	text, err := d.Act(context.Background(), els[0], core.Action{Kind: core.ActionText})
	if err != nil || text != "Hello" {
		t.Errorf("Act(text) = %q, %v", text, err)
	}
	if d.CallCount("navigate") != 1 {
		t.Errorf("CallCount(navigate) = %d, want 1", d.CallCount("navigate"))
	}
}

func TestDelayHonoursContext(t *testing.T) {
	d := New(Config{Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := d.Navigate(ctx, "https://example.com")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Navigate() error = %v, want deadline exceeded", err)
	}
}

func TestEmitNotifiesObservers(t *testing.T) {
	d := New(Config{})
	var gotReq core.Request
	var gotStatus int
	d.OnRequest(func(r core.Request) { gotReq = r })
	d.OnResponse(func(r core.Response) { gotStatus = r.Status })

	d.Emit(Exchange{URL: "https://example.com/api/me", Status: 401})

	if gotReq.Method != "GET" || gotReq.URL != "https://example.com/api/me" {
		t.Errorf("request = %+v", gotReq)
	}
	if gotStatus != 401 {
		t.Errorf("status = %d, want 401", gotStatus)
	}
}

func TestHiddenElement(t *testing.T) {
	d := New(Config{})
	el := d.AddElement(&Element{Selector: "#x", Hidden: true})

	v, _ := d.Act(context.Background(), el, core.Action{Kind: core.ActionIsVisible})
	if v != "false" {
		t.Errorf("is_visible = %q, want false", v)
	}
	if _, err := d.Act(context.Background(), el, core.Action{Kind: core.ActionClick}); err == nil {
		t.Error("expected click on hidden element to fail")
	}
}

func TestAsyncEmitDeliversOnFlush(t *testing.T) {
	d := New(Config{AsyncDelay: 5 * time.Millisecond})
	var mu sync.Mutex
	var got []core.Response
	d.OnResponse(func(r core.Response) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	d.SetStep("orders")
	d.Emit(Exchange{URL: "https://example.com/api/orders", Status: 401})
	d.SetStep("next")

	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("responses delivered = %d, want 1", len(got))
	}
	if got[0].StepID != "orders" {
		t.Errorf("StepID = %q, want orders", got[0].StepID)
	}
}
