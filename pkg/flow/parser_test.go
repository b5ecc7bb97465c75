package flow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_SimpleFlow(t *testing.T) {
	yaml := `
- id: open
  type: navigate
  params:
    url: "https://example.com/login"
- id: user
  type: fill
  params:
    target: "#user"
    value: "{{inputs.username}}"
- id: submit
  type: click
  optional: true
  params:
    target:
      selector: "button[type=submit]"
      fallbacks: ["#login"]
`
	flow, err := Parse([]byte(yaml), "test.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(flow.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(flow.Steps))
	}

	if flow.Steps[0].Type != StepNavigate {
		t.Errorf("expected navigate, got %q", flow.Steps[0].Type)
	}
	if got := flow.Steps[0].StringParam("url"); got != "https://example.com/login" {
		t.Errorf("expected url param, got %q", got)
	}
	if got := flow.Steps[1].StringParam("value"); got != "{{inputs.username}}" {
		t.Errorf("template should be kept verbatim, got %q", got)
	}
	if !flow.Steps[2].IsOptional() {
		t.Error("expected submit to be optional")
	}

	target, err := TargetParam(flow.Steps[2].Params["target"])
	if err != nil {
		t.Fatalf("TargetParam: %v", err)
	}
	if got := target.Candidates(); len(got) != 2 || got[1] != "#login" {
		t.Errorf("Candidates() = %v", got)
	}
}

func TestParse_WithConfig(t *testing.T) {
	yaml := `
name: Export invoices
tags:
  - billing
inputs:
  month: "2024-01"
---
- id: login
  type: navigate
  once: profile
  params:
    url: https://example.com
- id: fetch
  type: network_replay
  timeoutMs: 5000
  onError: continue
  params:
    request: "{{vars.invoiceRequest}}"
    out: invoices
`
	flow, err := Parse([]byte(yaml), "test.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if flow.Config.Name != "Export invoices" {
		t.Errorf("expected name, got %q", flow.Config.Name)
	}
	if flow.Config.Inputs["month"] != "2024-01" {
		t.Errorf("expected input default, got %q", flow.Config.Inputs["month"])
	}
	if flow.Steps[0].Once != OnceProfile {
		t.Errorf("expected once=profile, got %q", flow.Steps[0].Once)
	}
	if flow.Steps[1].TimeoutMs != 5000 {
		t.Errorf("expected timeoutMs=5000, got %d", flow.Steps[1].TimeoutMs)
	}
	if flow.Steps[1].OnError != OnErrorContinue {
		t.Errorf("expected onError=continue, got %q", flow.Steps[1].OnError)
	}
	if len(flow.OnceSteps()) != 1 {
		t.Errorf("expected 1 once step, got %d", len(flow.OnceSteps()))
	}
}

func TestParse_SkipIf(t *testing.T) {
	yaml := `
- id: login
  type: click
  params: {target: "#login"}
  skip_if:
    any:
      - url_includes: /dashboard
      - element_visible:
          selector: "#logout"
          fallbacks: [".logout"]
      - var_equals: {name: loggedIn, value: true}
`
	flow, err := Parse([]byte(yaml), "test.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cond := flow.Steps[0].SkipIf
	if cond == nil {
		t.Fatal("expected skip_if")
	}
	if cond.Kind() != "any" || len(cond.Any) != 3 {
		t.Fatalf("unexpected condition: %+v", cond)
	}
	if cond.Any[1].ElementVisible.Fallbacks[0] != ".logout" {
		t.Errorf("unexpected target: %+v", cond.Any[1].ElementVisible)
	}
	if cond.Any[2].VarEquals.Value != true {
		t.Errorf("expected bool value, got %v", cond.Any[2].VarEquals.Value)
	}
	if !cond.NeedsPage() {
		t.Error("url/element leaves need a page")
	}
}

func TestParse_UnknownConditionKey(t *testing.T) {
	yaml := `
- id: a
  type: set_var
  params: {name: x, value: 1}
  skip_if:
    cookie_present: session
`
	flow, err := Parse([]byte(yaml), "test.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cond := flow.Steps[0].SkipIf
	if cond.Kind() != "" {
		t.Errorf("expected no known kind, got %q", cond.Kind())
	}
	if len(cond.Unknown) != 1 || cond.Unknown[0] != "cookie_present" {
		t.Errorf("Unknown = %v", cond.Unknown)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"empty", "", "empty flow file"},
		{"missing type", "- id: a\n  params: {}\n", "missing a type"},
		{"unknown type", "- id: a\n  type: teleport\n", "unknown step type: teleport"},
		{"scalar step", "- navigate\n", "step must be a mapping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "bad.yaml")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestParseError_Line(t *testing.T) {
	_, err := Parse([]byte("- id: a\n  type: set_var\n- id: b\n  type: bogus\n"), "f.yaml")
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Line != 3 {
		t.Errorf("Line = %d, want 3", pe.Line)
	}
	if !strings.HasPrefix(pe.Error(), "f.yaml:3:") {
		t.Errorf("Error() = %q", pe.Error())
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.yaml")
	if err := os.WriteFile(path, []byte("- id: a\n  type: sleep\n  params: {ms: 10}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if f.SourcePath != path {
		t.Errorf("SourcePath = %q", f.SourcePath)
	}

	if _, err := ParseFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStep_Dependency(t *testing.T) {
	tests := []struct {
		step Step
		want Dependency
	}{
		{Step{Type: StepNavigate}, DependsOnPage},
		{Step{Type: StepNetworkFind}, DependsOnSnapshot},
		{Step{Type: StepNetworkReplay}, DependsOnSnapshot},
		{Step{Type: StepSetVar}, DependsOnNothing},
		{Step{Type: StepScript}, DependsOnNothing},
		{Step{Type: StepAssert, Params: map[string]any{"condition": map[string]any{"var_truthy": "ok"}}}, DependsOnNothing},
		{Step{Type: StepAssert, Params: map[string]any{"condition": map[string]any{"url_includes": "/home"}}}, DependsOnPage},
	}
	for _, tt := range tests {
		if got := tt.step.Dependency(); got != tt.want {
			t.Errorf("%s: Dependency() = %v, want %v", tt.step.Type, got, tt.want)
		}
	}
}
