package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/internal/store"
)

// Contract declares what a function reads from and writes to the context.
// Pipelines can be checked against contracts without running them.
type Contract struct {
	// Inputs must be mapped and must resolve at run time.
	Inputs []string
	// OptionalInputs may be mapped; unresolved values are omitted.
	OptionalInputs []string
	// Outputs are the only keys a function may write back. Nil means any
	// output parameter name is accepted.
	Outputs []string
	// AnyInputs accepts input parameters beyond the declared ones.
	AnyInputs bool
	// Settings lists settings keys that must be present.
	Settings []string
	// Deferred functions have effects outside the database. They are
	// queued during the pipeline and run only after the transaction commits.
	Deferred bool
}

// accepts reports whether name is a declared input.
func (c Contract) accepts(name string) bool {
	return c.AnyInputs || slices.Contains(c.Inputs, name) || slices.Contains(c.OptionalInputs, name)
}

// produces reports whether name is a declared output.
func (c Contract) produces(name string) bool {
	return c.Outputs == nil || slices.Contains(c.Outputs, name)
}

// Call carries everything a function invocation may use.
type Call struct {
	// Tx is the surrounding transaction; nil for deferred functions.
	Tx       store.Tx
	Action   *ActionContext
	Inputs   map[string]any
	Settings map[string]any
	Now      time.Time
}

// Handler performs a function's effect and returns its outputs.
type Handler func(ctx context.Context, call Call) (map[string]any, error)

// FunctionDef is a registered function.
type FunctionDef struct {
	Code     string
	Contract Contract
	Handler  Handler
}

// Registry maps function codes to implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]FunctionDef
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]FunctionDef)}
}

// Register adds a function. Panics on duplicate codes or a nil handler.
func (r *Registry) Register(code string, contract Contract, handler Handler) {
	if handler == nil {
		panic(fmt.Sprintf("workflow: nil handler for function %q", code))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[code]; exists {
		panic(fmt.Sprintf("workflow: function %q already registered", code))
	}
	r.funcs[code] = FunctionDef{Code: code, Contract: contract, Handler: handler}
}

// Lookup returns the function registered under code.
func (r *Registry) Lookup(code string) (FunctionDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.funcs[code]
	return def, ok
}

// Codes returns all registered function codes, sorted.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.funcs))
	for code := range r.funcs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
