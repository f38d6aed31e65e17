package workflow

import (
	"maps"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// SystemFields are the immutable facts of one action invocation. FromStateCode
// and ToStateCode describe the transition being executed.
type SystemFields struct {
	UserName      string
	CorrelationID string
	ActionCode    string
	EntityID      int64
	EntityCode    string
	OrgUnitCode   string
	FromStateCode string
	ToStateCode   string
	Now           time.Time
}

// ActionContext is the shared blackboard for one action invocation. Functions
// read their declared inputs from it and write their declared outputs back;
// they never call one another.
type ActionContext struct {
	System SystemFields

	// Case is the working copy of the locked case row. Functions that persist
	// fields mutate it; the engine writes it back after the pipeline.
	Case model.CaseState

	// Entity is the caller-supplied view of the entity (read-only to functions).
	Entity map[string]any

	data     map[string]any
	deferred []deferredCall
}

func newActionContext(sys SystemFields, current model.CaseState, data, entity map[string]any) *ActionContext {
	bag := make(map[string]any, len(data))
	maps.Copy(bag, data)
	return &ActionContext{
		System: sys,
		Case:   current.Clone(),
		Entity: entity,
		data:   bag,
	}
}

// Get returns a data bag value.
func (c *ActionContext) Get(key string) (any, bool) {
	v, ok := c.data[key]
	return v, ok
}

// Set writes a data bag value.
func (c *ActionContext) Set(key string, value any) {
	c.data[key] = value
}

// Data returns a shallow copy of the data bag.
func (c *ActionContext) Data() map[string]any {
	return maps.Clone(c.data)
}

// systemMap exposes the system fields to expressions.
func (c *ActionContext) systemMap() map[string]any {
	return map[string]any{
		"user":            c.System.UserName,
		"correlation_id":  c.System.CorrelationID,
		"action_code":     c.System.ActionCode,
		"entity_id":       c.System.EntityID,
		"entity_code":     c.System.EntityCode,
		"org_unit_code":   c.System.OrgUnitCode,
		"from_state_code": c.System.FromStateCode,
		"to_state_code":   c.System.ToStateCode,
		"now":             c.System.Now.Format(time.RFC3339),
	}
}

// entityMap merges persisted case data with the caller's entity view and the
// current working-copy fields.
func (c *ActionContext) entityMap() map[string]any {
	out := make(map[string]any, len(c.Case.Data)+len(c.Entity)+4)
	maps.Copy(out, c.Case.Data)
	maps.Copy(out, c.Entity)
	out["priority"] = string(c.Case.Priority)
	if c.Case.AssignedToTeamID != nil {
		out["assigned_to_team_id"] = *c.Case.AssignedToTeamID
	}
	if c.Case.AssignedToUser != nil {
		out["assigned_to_user"] = *c.Case.AssignedToUser
	}
	return out
}
