package model

import "sort"

// Action trigger kinds.
const (
	TriggerGet    = "get"
	TriggerAuto   = "auto"
	TriggerUser   = "user"
	TriggerSystem = "system"
)

// WorkflowConfig is the read-only state/action definition for one
// (entity code, org unit) pair.
type WorkflowConfig struct {
	EntityCode  string   `yaml:"entity_code"   json:"entity_code"`
	OrgUnitCode string   `yaml:"org_unit_code" json:"org_unit_code"`
	Version     string   `yaml:"version"       json:"version"`
	States      []State  `yaml:"states"        json:"states"`
	Actions     []Action `yaml:"actions"       json:"actions"`

	// SourceFile records the originating file path for file-backed configs.
	SourceFile string `yaml:"-" json:"-"`
}

// State is an opaque state code with a display name.
type State struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// Action is a config-defined transition with an ordered function pipeline.
type Action struct {
	Code          string     `yaml:"code"            json:"code"`
	Name          string     `yaml:"name"            json:"name,omitempty"`
	Trigger       string     `yaml:"trigger"         json:"trigger"`
	FromStateCode string     `yaml:"from_state_code" json:"from_state_code"`
	ToStateCode   string     `yaml:"to_state_code"   json:"to_state_code"`
	RedirectURL   string     `yaml:"redirect_url"    json:"redirect_url,omitempty"`
	Permission    string     `yaml:"permission"      json:"permission,omitempty"`
	Functions     []Function `yaml:"functions"       json:"functions,omitempty"`
}

// Function is one step of an action's pipeline.
type Function struct {
	Code             string         `yaml:"code"              json:"code"`
	Order            int            `yaml:"order"             json:"order"`
	InputParameters  []Parameter    `yaml:"input_parameters"  json:"input_parameters,omitempty"`
	OutputParameters []Parameter    `yaml:"output_parameters" json:"output_parameters,omitempty"`
	Settings         map[string]any `yaml:"settings"          json:"settings,omitempty"`
}

// Parameter declares a function input or output. For inputs, Mapping is the
// expression evaluated against the workflow context. For outputs, Mapping is
// the context key the value is written to (defaults to Name).
type Parameter struct {
	Name    string `yaml:"name"    json:"name"`
	Mapping string `yaml:"mapping" json:"mapping,omitempty"`
}

// ContextKey returns the data key an output parameter is written to.
func (p Parameter) ContextKey() string {
	if p.Mapping != "" {
		return p.Mapping
	}
	return p.Name
}

// FindAction returns the action with the given code.
func (c WorkflowConfig) FindAction(code string) (Action, bool) {
	for _, a := range c.Actions {
		if a.Code == code {
			return a, true
		}
	}
	return Action{}, false
}

// FindGetAction returns the get-triggered action leaving the given state.
func (c WorkflowConfig) FindGetAction(stateCode string) (Action, bool) {
	for _, a := range c.Actions {
		if a.Trigger == TriggerGet && a.FromStateCode == stateCode {
			return a, true
		}
	}
	return Action{}, false
}

// HasState reports whether a state code is declared.
func (c WorkflowConfig) HasState(code string) bool {
	for _, s := range c.States {
		if s.Code == code {
			return true
		}
	}
	return false
}

// OrderedFunctions returns the action's functions sorted by ascending order.
func (a Action) OrderedFunctions() []Function {
	fns := make([]Function, len(a.Functions))
	copy(fns, a.Functions)
	sort.SliceStable(fns, func(i, j int) bool { return fns[i].Order < fns[j].Order })
	return fns
}
