package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/caseflow/model"
)

// VError describes a single validation error in a workflow config.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var validTriggers = []string{model.TriggerGet, model.TriggerAuto, model.TriggerUser, model.TriggerSystem}

// Validator adapts ValidateConfig to a single-error check for config sources.
func Validator(registry *Registry) func(model.WorkflowConfig) error {
	return func(cfg model.WorkflowConfig) error {
		verrs := ValidateConfig(cfg, registry)
		if len(verrs) == 0 {
			return nil
		}
		errs := make([]error, len(verrs))
		for i, ve := range verrs {
			errs[i] = ve
		}
		return errors.Join(errs...)
	}
}

// ValidateConfig checks a config structurally and checks every pipeline
// against the registered function contracts, without executing anything.
func ValidateConfig(cfg model.WorkflowConfig, registry *Registry) []VError {
	var errs []VError

	if cfg.EntityCode == "" {
		errs = append(errs, VError{Path: "entity_code", Code: "REQUIRED", Message: "entity_code is required"})
	}
	if cfg.OrgUnitCode == "" {
		errs = append(errs, VError{Path: "org_unit_code", Code: "REQUIRED", Message: "org_unit_code is required"})
	}
	if len(cfg.States) == 0 {
		errs = append(errs, VError{Path: "states", Code: "REQUIRED", Message: "at least one state is required"})
	}

	states := make(map[string]bool, len(cfg.States))
	for i, s := range cfg.States {
		sp := fmt.Sprintf("states[%d]", i)
		if s.Code == "" {
			errs = append(errs, VError{Path: sp + ".code", Code: "REQUIRED", Message: "state code is required"})
			continue
		}
		if states[s.Code] {
			errs = append(errs, VError{Path: sp + ".code", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate state %q", s.Code)})
		}
		states[s.Code] = true
	}

	actions := make(map[string]bool, len(cfg.Actions))
	getFrom := make(map[string]string)
	for i, a := range cfg.Actions {
		ap := fmt.Sprintf("actions[%d]", i)
		if a.Code == "" {
			errs = append(errs, VError{Path: ap + ".code", Code: "REQUIRED", Message: "action code is required"})
		} else if actions[a.Code] {
			errs = append(errs, VError{Path: ap + ".code", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate action %q", a.Code)})
		}
		actions[a.Code] = true

		if !slices.Contains(validTriggers, a.Trigger) {
			errs = append(errs, VError{Path: ap + ".trigger", Code: "INVALID", Message: fmt.Sprintf("trigger %q must be one of %v", a.Trigger, validTriggers)})
		}
		if !states[a.FromStateCode] {
			errs = append(errs, VError{Path: ap + ".from_state_code", Code: "UNKNOWN_STATE", Message: fmt.Sprintf("state %q is not declared", a.FromStateCode)})
		}
		if !states[a.ToStateCode] {
			errs = append(errs, VError{Path: ap + ".to_state_code", Code: "UNKNOWN_STATE", Message: fmt.Sprintf("state %q is not declared", a.ToStateCode)})
		}
		if a.Trigger == model.TriggerGet {
			if other, dup := getFrom[a.FromStateCode]; dup {
				errs = append(errs, VError{Path: ap + ".trigger", Code: "AMBIGUOUS_GET", Message: fmt.Sprintf("state %q already has get action %q", a.FromStateCode, other)})
			} else {
				getFrom[a.FromStateCode] = a.Code
			}
		}
		for _, expr := range redirectExpressions(a.RedirectURL) {
			if err := CheckExpression(expr); err != nil {
				errs = append(errs, VError{Path: ap + ".redirect_url", Code: "INVALID_EXPRESSION", Message: err.Error()})
			}
		}
		errs = append(errs, validatePipeline(ap, a, registry)...)
	}

	return errs
}

func validatePipeline(prefix string, a model.Action, registry *Registry) []VError {
	var errs []VError

	orders := make(map[int]string, len(a.Functions))
	for i, fn := range a.Functions {
		if other, dup := orders[fn.Order]; dup {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.functions[%d].order", prefix, i),
				Code:    "DUPLICATE_ORDER",
				Message: fmt.Sprintf("order %d already used by %q", fn.Order, other),
			})
		}
		orders[fn.Order] = fn.Code
	}

	// Keys written by each position, for read-before-write detection.
	ordered := a.OrderedFunctions()
	writtenAt := make(map[string]int)
	for pos, fn := range ordered {
		for _, p := range fn.OutputParameters {
			if _, seen := writtenAt[p.ContextKey()]; !seen {
				writtenAt[p.ContextKey()] = pos
			}
		}
	}

	for pos, fn := range ordered {
		fp := fmt.Sprintf("%s.functions[%s]", prefix, fn.Code)
		def, ok := registry.Lookup(fn.Code)
		if !ok {
			errs = append(errs, VError{Path: fp, Code: "UNKNOWN_FUNCTION", Message: fmt.Sprintf("function %q is not registered (known: %s)", fn.Code, strings.Join(registry.Codes(), ", "))})
			continue
		}
		c := def.Contract

		mapped := make(map[string]bool, len(fn.InputParameters))
		for _, p := range fn.InputParameters {
			mapped[p.Name] = true
			if !c.accepts(p.Name) {
				errs = append(errs, VError{Path: fp + ".input_parameters." + p.Name, Code: "UNDECLARED_INPUT", Message: fmt.Sprintf("function %q does not read %q", fn.Code, p.Name)})
			}
			expr := p.Mapping
			if expr == "" {
				expr = "data." + p.Name
			}
			if err := CheckExpression(expr); err != nil {
				errs = append(errs, VError{Path: fp + ".input_parameters." + p.Name, Code: "INVALID_EXPRESSION", Message: err.Error()})
				continue
			}
			if key, ok := dataKey(expr); ok {
				if at, written := writtenAt[key]; written && at > pos {
					errs = append(errs, VError{Path: fp + ".input_parameters." + p.Name, Code: "READ_BEFORE_WRITE", Message: fmt.Sprintf("%q is only produced by a later function", key)})
				}
			}
		}
		for _, name := range c.Inputs {
			if !mapped[name] {
				errs = append(errs, VError{Path: fp + ".input_parameters", Code: "MISSING_INPUT", Message: fmt.Sprintf("required input %q is not mapped", name)})
			}
		}
		for _, p := range fn.OutputParameters {
			if c.Deferred {
				errs = append(errs, VError{Path: fp + ".output_parameters." + p.Name, Code: "DEFERRED_OUTPUT", Message: "post-commit functions cannot produce outputs"})
				continue
			}
			if !c.produces(p.Name) {
				errs = append(errs, VError{Path: fp + ".output_parameters." + p.Name, Code: "UNDECLARED_OUTPUT", Message: fmt.Sprintf("function %q does not produce %q", fn.Code, p.Name)})
			}
		}
		for _, key := range c.Settings {
			if _, ok := fn.Settings[key]; !ok {
				errs = append(errs, VError{Path: fp + ".settings." + key, Code: "REQUIRED", Message: fmt.Sprintf("setting %q is required", key)})
			}
		}
	}
	return errs
}
