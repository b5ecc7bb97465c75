// Package jsengine evaluates the JavaScript of script steps.
package jsengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/logger"
)

// Engine wraps a goja runtime. Scripts read `vars` and `inputs` and write
// results into the `output` (merged into vars) and `collect` objects.
type Engine struct {
	runtime *goja.Runtime
	mu      sync.Mutex
}

// New creates a new JS engine instance
func New() *Engine {
	e := &Engine{runtime: goja.New()}
	e.setupBuiltins()
	return e
}

// setupBuiltins registers all built-in functions and objects
func (e *Engine) setupBuiltins() {
	e.setupConsole()

	// JSON helper
	e.runtime.Set("json", e.jsonFunc())

	// Result objects (for storing values to pass back to flow)
	e.runtime.Set("output", e.runtime.NewObject())
	e.runtime.Set("collect", e.runtime.NewObject())
}

// setupConsole routes console.log/warn/error to the diagnostic log.
func (e *Engine) setupConsole() {
	makeConsoleFunc := func(log func(string, ...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			log("script: %s", fmt.Sprintln(args...))
			return goja.Undefined()
		}
	}

	console := e.runtime.NewObject()
	console.Set("log", makeConsoleFunc(logger.Info))
	console.Set("warn", makeConsoleFunc(logger.Warn))
	console.Set("error", makeConsoleFunc(logger.Error))
	e.runtime.Set("console", console)
}

// jsonFunc returns the json() helper function
func (e *Engine) jsonFunc() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(e.runtime.NewTypeError("json requires 1 argument"))
		}

		str := call.Arguments[0].String()

		// Parse JSON string and return JS object
		result, err := e.runtime.RunString(fmt.Sprintf("JSON.parse(%q)", str))
		if err != nil {
			panic(e.runtime.NewTypeError(fmt.Sprintf("invalid JSON: %v", err)))
		}

		return result
	}
}

// Bind exposes a read-only copy of a variable scope as a global object.
// Request refs are exposed as their request id.
func (e *Engine) Bind(name string, values map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obj := e.runtime.NewObject()
	for k, v := range values {
		obj.Set(k, toJS(v))
	}
	e.runtime.Set(name, obj)
}

func toJS(v interface{}) interface{} {
	switch val := v.(type) {
	case flow.RequestRef:
		return val.RequestID
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = toJS(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = toJS(item)
		}
		return out
	}
	return v
}

// Eval evaluates a JavaScript expression and returns the result
func (e *Engine) Eval(script string) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.runtime.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("JS eval error: %w", err)
	}

	return result.Export(), nil
}

// Run executes a script. Cancelling ctx interrupts it.
func (e *Engine) Run(ctx context.Context, script string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			e.runtime.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if _, err := e.runtime.RunString(script); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("JS runtime error: %w", err)
	}
	return nil
}

// Output returns a copy of the output object
func (e *Engine) Output() map[string]interface{} {
	return e.exportObject("output")
}

// Collected returns a copy of the collect object
func (e *Engine) Collected() map[string]interface{} {
	return e.exportObject("collect")
}

func (e *Engine) exportObject(name string) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make(map[string]interface{})
	val := e.runtime.Get(name)
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return result
	}
	if m, ok := val.Export().(map[string]interface{}); ok {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
