package jsengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

func TestEval(t *testing.T) {
	engine := New()

	tests := []struct {
		name     string
		script   string
		expected interface{}
	}{
		{"simple number", "1 + 2", int64(3)},
		{"string concat", "'hello' + ' ' + 'world'", "hello world"},
		{"boolean", "true && false", false},
		{"null coalescing", "null ?? 'default'", "default"},
		{"array length", "[1, 2, 3].length", int64(3)},
		{"object property", "({name: 'test'}).name", "test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Eval(tt.script)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %v (%T), got %v (%T)", tt.expected, tt.expected, result, result)
			}
		})
	}
}

func TestBindAndOutput(t *testing.T) {
	engine := New()
	engine.Bind("vars", map[string]interface{}{
		"price": 10,
		"req":   flow.RequestRef{RequestID: "req-1-2"},
		"user":  map[string]interface{}{"name": "ada"},
	})
	engine.Bind("inputs", map[string]interface{}{"qty": 3})

	err := engine.Run(context.Background(), `
		output.total = vars.price * inputs.qty;
		output.ref = vars.req;
		collect.greeting = "hi " + vars.user.name;
	`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	out := engine.Output()
	if out["total"] != int64(30) {
		t.Errorf("total = %v (%T), want 30", out["total"], out["total"])
	}
	if out["ref"] != "req-1-2" {
		t.Errorf("ref = %v, want req-1-2", out["ref"])
	}
	if got := engine.Collected()["greeting"]; got != "hi ada" {
		t.Errorf("greeting = %v", got)
	}
}

func TestJSON(t *testing.T) {
	engine := New()
	if err := engine.Run(context.Background(), `output.n = json('{"a":{"b":2}}').a.b`); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if engine.Output()["n"] != int64(2) {
		t.Errorf("n = %v", engine.Output()["n"])
	}
}

func TestConsoleDoesNotFail(t *testing.T) {
	engine := New()
	if err := engine.Run(context.Background(), `console.log("x", 1); console.warn("y"); console.error("z")`); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestRunInterruptedByContext(t *testing.T) {
	engine := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := engine.Run(ctx, `while (true) {}`)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("script was not interrupted promptly")
	}
}

func TestRunScriptError(t *testing.T) {
	engine := New()
	if err := engine.Run(context.Background(), "throw new Error('boom')"); err == nil {
		t.Error("expected error")
	}
}

func TestEvalError(t *testing.T) {
	engine := New()
	if _, err := engine.Eval("undefinedFunction()"); err == nil {
		t.Error("expected error")
	}
}

func TestOutputEmptyWhenReplaced(t *testing.T) {
	engine := New()
	if err := engine.Run(context.Background(), "output = null"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(engine.Output()) != 0 {
		t.Errorf("Output() = %v, want empty", engine.Output())
	}
}
