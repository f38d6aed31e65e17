package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// deferredCall is a post-commit effect captured during the pipeline. Inputs
// are resolved when the function's turn comes, not when it finally runs.
type deferredCall struct {
	def      FunctionDef
	inputs   map[string]any
	settings map[string]any
	action   *ActionContext
}

// runPipeline executes the action's functions in ascending order against the
// shared context. The first failure aborts the pipeline.
func (e *Engine) runPipeline(ctx context.Context, tx store.Tx, actx *ActionContext, action model.Action) error {
	resolver := NewResolver(actx)
	logger := e.requestLogger(ctx)

	for _, fn := range action.OrderedFunctions() {
		def, ok := e.registry.Lookup(fn.Code)
		if !ok {
			return e.functionFailed(fn.Code, fmt.Errorf("function not registered"))
		}

		inputs, err := resolveInputs(resolver, def.Contract, fn)
		if err != nil {
			return e.functionFailed(fn.Code, err)
		}

		logger.Debug("pipeline function",
			zap.String("action", actx.System.ActionCode),
			zap.String("function", fn.Code),
			zap.Int("order", fn.Order),
			zap.Bool("deferred", def.Contract.Deferred),
			zap.Any("inputs", observability.RedactBody(inputs, e.sensitiveFields)),
		)

		if def.Contract.Deferred {
			actx.deferred = append(actx.deferred, deferredCall{
				def:      def,
				inputs:   inputs,
				settings: fn.Settings,
				action:   actx,
			})
			continue
		}

		out, err := def.Handler(ctx, Call{
			Tx:       tx,
			Action:   actx,
			Inputs:   inputs,
			Settings: fn.Settings,
			Now:      actx.System.Now,
		})
		if err != nil {
			if _, isEnvelope := model.AsEnvelope(err); isEnvelope {
				e.metrics.RecordFunctionFailure(fn.Code)
				return err
			}
			return e.functionFailed(fn.Code, err)
		}

		// Only declared outputs reach the context.
		for _, p := range fn.OutputParameters {
			if v, ok := out[p.Name]; ok {
				actx.Set(p.ContextKey(), v)
			}
		}
	}
	return nil
}

func (e *Engine) functionFailed(code string, err error) error {
	e.metrics.RecordFunctionFailure(code)
	return model.NewFunctionFailedError(code, err)
}

// resolveInputs evaluates a function's input mappings. An empty mapping reads
// the data key of the same name.
func resolveInputs(r *Resolver, contract Contract, fn model.Function) (map[string]any, error) {
	inputs := make(map[string]any, len(fn.InputParameters))
	for _, p := range fn.InputParameters {
		expr := p.Mapping
		if expr == "" {
			expr = "data." + p.Name
		}
		v, err := r.Resolve(expr)
		if errors.Is(err, ErrUnresolved) && !slices.Contains(contract.Inputs, p.Name) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", p.Name, err)
		}
		inputs[p.Name] = v
	}
	for _, name := range contract.Inputs {
		if _, ok := inputs[name]; !ok {
			return nil, fmt.Errorf("required input %q is not mapped", name)
		}
	}
	return inputs, nil
}

// runDeferred executes post-commit effects. The action is already committed,
// so failures are logged and counted but never returned.
func (e *Engine) runDeferred(ctx context.Context, calls []deferredCall) {
	if len(calls) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	logger := e.requestLogger(ctx)

	for _, c := range calls {
		effectCtx, cancel := context.WithTimeout(ctx, e.effectTimeout)
		_, err := c.def.Handler(effectCtx, Call{
			Action:   c.action,
			Inputs:   maps.Clone(c.inputs),
			Settings: c.settings,
			Now:      c.action.System.Now,
		})
		cancel()

		if err != nil {
			e.metrics.RecordDeferredEffect(c.def.Code, "failed")
			logger.Warn("deferred effect failed",
				zap.String("function", c.def.Code),
				zap.String("action", c.action.System.ActionCode),
				zap.Int64("entity_id", c.action.System.EntityID),
				zap.Error(err),
			)
			continue
		}
		e.metrics.RecordDeferredEffect(c.def.Code, "ok")
	}
}
