package workflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// ErrUnresolved reports an expression whose source value is absent.
var ErrUnresolved = errors.New("value not present")

// Resolver evaluates mapping expressions against an ActionContext.
type Resolver struct {
	ctx *ActionContext
}

// NewResolver creates a resolver bound to an action context.
func NewResolver(ctx *ActionContext) *Resolver {
	return &Resolver{ctx: ctx}
}

// Resolve evaluates a mapping expression and returns the resolved value.
// Supported expressions:
//   - data.field / data.a.b     value from the data bag (nested maps)
//   - system.user               invocation facts: user, correlation_id,
//     action_code, entity_id, entity_code, org_unit_code,
//     from_state_code, to_state_code, now
//   - entity.field              persisted case data overlaid with the
//     caller's entity data, plus priority and assignment
//   - $.data.items[0].id        JSONPath over {data, system, entity}
//   - 'literal'                 single-quoted string
//   - 123 / 99.99               numeric literal
//   - true / false / null
func (r *Resolver) Resolve(expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	if len(expr) >= 2 && expr[0] == '\'' && expr[len(expr)-1] == '\'' {
		return expr[1 : len(expr)-1], nil
	}
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if isNumericLiteral(expr) {
		return parseNumeric(expr)
	}
	if strings.HasPrefix(expr, "$") {
		return r.resolveJSONPath(expr)
	}

	prefix, path, ok := strings.Cut(expr, ".")
	if !ok {
		return nil, fmt.Errorf("invalid expression %q: missing source prefix", expr)
	}
	if path == "" {
		return nil, fmt.Errorf("invalid expression %q: empty path after prefix", expr)
	}

	var source map[string]any
	switch prefix {
	case "data":
		source = r.ctx.data
	case "system":
		source = r.ctx.systemMap()
	case "entity":
		source = r.ctx.entityMap()
	default:
		return nil, fmt.Errorf("unknown expression prefix %q in %q", prefix, expr)
	}

	val, found := navigatePath(source, path)
	if !found {
		return nil, fmt.Errorf("%s field %q: %w", prefix, path, ErrUnresolved)
	}
	return val, nil
}

func (r *Resolver) resolveJSONPath(expr string) (any, error) {
	root := map[string]any{
		"data":   r.ctx.data,
		"system": r.ctx.systemMap(),
		"entity": r.ctx.entityMap(),
	}
	val, err := jsonpath.JsonPathLookup(root, expr)
	if err != nil {
		// The library reports absent keys and out-of-range indexes as
		// lookup errors; surface them as unresolved.
		return nil, fmt.Errorf("jsonpath %q: %v: %w", expr, err, ErrUnresolved)
	}
	return val, nil
}

// CheckExpression reports syntax errors without evaluating against data.
func CheckExpression(expr string) error {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return fmt.Errorf("empty expression")
	case len(expr) >= 2 && expr[0] == '\'' && expr[len(expr)-1] == '\'':
		return nil
	case expr == "true" || expr == "false" || expr == "null" || isNumericLiteral(expr):
		return nil
	case strings.HasPrefix(expr, "$"):
		if _, err := jsonpath.Compile(expr); err != nil {
			return fmt.Errorf("invalid jsonpath %q: %w", expr, err)
		}
		return nil
	}
	prefix, path, ok := strings.Cut(expr, ".")
	if !ok || path == "" {
		return fmt.Errorf("invalid expression %q: want prefix.path", expr)
	}
	switch prefix {
	case "data", "system", "entity":
		return nil
	default:
		return fmt.Errorf("unknown expression prefix %q in %q", prefix, expr)
	}
}

// dataKey returns the data bag key an expression reads, if it reads one
// directly (data.key or data.key.nested).
func dataKey(expr string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(expr), "data.")
	if !ok || rest == "" {
		return "", false
	}
	key, _, _ := strings.Cut(rest, ".")
	return key, true
}

// navigatePath walks a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// isNumericLiteral returns true if the string looks like a number.
func isNumericLiteral(s string) bool {
	if len(s) == 0 {
		return false
	}
	start := 0
	if s[0] == '-' || s[0] == '+' {
		start = 1
		if start >= len(s) {
			return false
		}
	}
	hasDot := false
	for i := start; i < len(s); i++ {
		if s[i] == '.' {
			if hasDot {
				return false
			}
			hasDot = true
		} else if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseNumeric parses a numeric string literal.
func parseNumeric(s string) (any, error) {
	if strings.ContainsRune(s, '.') {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
	}
	return v, nil
}
