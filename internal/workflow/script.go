package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const defaultScriptTimeout = 250 * time.Millisecond

// scriptHandler runs a JavaScript snippet from settings.source. The
// resolved inputs are visible as `input`; the script fills `output`, whose
// keys become the function's outputs. Scripts have no I/O and are
// interrupted after timeout.
func scriptHandler(timeout time.Duration) Handler {
	return func(ctx context.Context, call Call) (map[string]any, error) {
		source, _ := call.Settings["source"].(string)
		if source == "" {
			return nil, fmt.Errorf("setting %q must be a non-empty string", "source")
		}
		return runScript(ctx, source, call.Inputs, timeout)
	}
}

func runScript(ctx context.Context, source string, inputs map[string]any, timeout time.Duration) (map[string]any, error) {
	// Round-trip through JSON so the VM only ever sees plain values.
	raw, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode script input: %w", err)
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("decode script input: %w", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := vm.Set("input", plain); err != nil {
		return nil, fmt.Errorf("bind input: %w", err)
	}
	output := vm.NewObject()
	if err := vm.Set("output", output); err != nil {
		return nil, fmt.Errorf("bind output: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	if _, err := vm.RunString(source); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("script interrupted: %v", interrupted.Value())
		}
		return nil, fmt.Errorf("script: %w", err)
	}

	exported, ok := output.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("script output must be an object")
	}
	return exported, nil
}
