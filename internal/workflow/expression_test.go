package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/model"
)

func testActionContext() *ActionContext {
	team := int64(7)
	return newActionContext(SystemFields{
		UserName:      "alice",
		CorrelationID: "corr-1",
		ActionCode:    "triage",
		EntityID:      42,
		EntityCode:    "ALERT",
		OrgUnitCode:   "AML",
		FromStateCode: "NEW",
		ToStateCode:   "IN_REVIEW",
		Now:           time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC),
	}, model.CaseState{
		EntityID:         42,
		EntityCode:       "ALERT",
		Priority:         model.PriorityHigh,
		AssignedToTeamID: &team,
		Data:             map[string]any{"risk_score": 87, "owner": "bob"},
	}, map[string]any{
		"comment": "looks fine",
		"customer": map[string]any{
			"id":   "C-9",
			"tags": []any{"pep", "vip"},
		},
	}, map[string]any{"owner": "carol"})
}

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver(testActionContext())

	tests := []struct {
		expr string
		want any
	}{
		{"data.comment", "looks fine"},
		{"data.customer.id", "C-9"},
		{"system.user", "alice"},
		{"system.entity_id", int64(42)},
		{"system.to_state_code", "IN_REVIEW"},
		{"entity.risk_score", 87},
		{"entity.owner", "carol"},
		{"entity.priority", "High"},
		{"entity.assigned_to_team_id", int64(7)},
		{"$.data.customer.tags[1]", "vip"},
		{"$.system.action_code", "triage"},
		{"'literal value'", "literal value"},
		{"123", int64(123)},
		{"-2.5", -2.5},
		{"true", true},
		{"false", false},
		{"null", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := r.Resolve(tt.expr)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %#v, want %#v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestResolver_Resolve_unresolved(t *testing.T) {
	r := NewResolver(testActionContext())
	for _, expr := range []string{"data.missing", "data.customer.missing", "entity.nope", "$.data.customer.tags[5]"} {
		_, err := r.Resolve(expr)
		if !errors.Is(err, ErrUnresolved) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnresolved", expr, err)
		}
	}
}

func TestResolver_Resolve_invalid(t *testing.T) {
	r := NewResolver(testActionContext())
	for _, expr := range []string{"", "nodot", "route.id", "data."} {
		_, err := r.Resolve(expr)
		if err == nil || errors.Is(err, ErrUnresolved) {
			t.Errorf("Resolve(%q) error = %v, want syntax error", expr, err)
		}
	}
}

func TestCheckExpression(t *testing.T) {
	valid := []string{"data.a", "system.user", "entity.x.y", "'x'", "12", "true", "$.data.items[0].id"}
	for _, expr := range valid {
		if err := CheckExpression(expr); err != nil {
			t.Errorf("CheckExpression(%q) = %v", expr, err)
		}
	}
	invalid := []string{"", "plain", "input.x", "data."}
	for _, expr := range invalid {
		if err := CheckExpression(expr); err == nil {
			t.Errorf("CheckExpression(%q) = nil, want error", expr)
		}
	}
}

func TestDataKey(t *testing.T) {
	tests := []struct {
		expr string
		key  string
		ok   bool
	}{
		{"data.score", "score", true},
		{"data.customer.id", "customer", true},
		{"system.user", "", false},
		{"$.data.score", "", false},
	}
	for _, tt := range tests {
		key, ok := dataKey(tt.expr)
		if key != tt.key || ok != tt.ok {
			t.Errorf("dataKey(%q) = %q, %v; want %q, %v", tt.expr, key, ok, tt.key, tt.ok)
		}
	}
}

func TestRenderRedirect(t *testing.T) {
	actx := testActionContext()
	actx.Set("next_step", "review notes")
	actx.Set("reviewer", "a&b=c d")
	r := NewResolver(actx)

	tests := []struct {
		tmpl string
		want string
	}{
		{"", ""},
		{"/alerts/{system.entity_id}", "/alerts/42"},
		{"/alerts/{system.entity_id}/{next_step}", "/alerts/42/review%20notes"},
		{"/x/{data.missing}/y", "/x//y"},
		{"/static", "/static"},
		{"/alerts/{system.entity_id}?by={reviewer}&step={next_step}", "/alerts/42?by=a%26b%3Dc+d&step=review+notes"},
		{"/people/{reviewer}", "/people/a&b=c%20d"},
	}
	for _, tt := range tests {
		if got := renderRedirect(tt.tmpl, r); got != tt.want {
			t.Errorf("renderRedirect(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}
