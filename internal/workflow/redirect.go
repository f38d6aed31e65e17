package workflow

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var redirectToken = regexp.MustCompile(`\{([^{}]+)\}`)

// renderRedirect substitutes {expr} tokens in a redirect template. Values
// before the first literal '?' are path-escaped, values after it are
// query-escaped; unresolvable tokens render empty.
func renderRedirect(tmpl string, r *Resolver) string {
	if tmpl == "" {
		return ""
	}
	var b strings.Builder
	inQuery := false
	last := 0
	for _, m := range redirectToken.FindAllStringSubmatchIndex(tmpl, -1) {
		literal := tmpl[last:m[0]]
		b.WriteString(literal)
		inQuery = inQuery || strings.Contains(literal, "?")
		last = m[1]

		v, err := r.Resolve(tokenExpr(tmpl[m[2]:m[3]]))
		if err != nil || v == nil {
			continue
		}
		if inQuery {
			b.WriteString(url.QueryEscape(fmt.Sprint(v)))
		} else {
			b.WriteString(url.PathEscape(fmt.Sprint(v)))
		}
	}
	b.WriteString(tmpl[last:])
	return b.String()
}

// redirectExpressions returns the expressions referenced by a template.
func redirectExpressions(tmpl string) []string {
	var exprs []string
	for _, m := range redirectToken.FindAllStringSubmatch(tmpl, -1) {
		exprs = append(exprs, tokenExpr(m[1]))
	}
	return exprs
}

// tokenExpr maps a bare token name to the data bag key of that name.
func tokenExpr(token string) string {
	expr := strings.TrimSpace(token)
	if strings.Contains(expr, ".") || strings.HasPrefix(expr, "'") || isNumericLiteral(expr) {
		return expr
	}
	return "data." + expr
}
