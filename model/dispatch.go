package model

// Dispatch outcome codes returned by the get-next endpoint.
const (
	DispatchLeased      = 0
	DispatchNoTeams     = 1
	DispatchNoCandidate = 2
)

// DispatchResult is the outcome of a get-next request. NoTeams and
// NoCandidate are routine outcomes, not errors.
type DispatchResult struct {
	Code        int        `json:"code"`
	Message     string     `json:"message,omitempty"`
	RedirectURL string     `json:"redirectUrl,omitempty"`
	Case        *CaseState `json:"-"`
}

// ActionRequest is one named action submitted against one case.
type ActionRequest struct {
	EntityCode  string         `json:"entityCode"`
	EntityID    int64          `json:"entityId"`
	OrgUnitCode string         `json:"orgUnitCode"`
	ActionCode  string         `json:"actionCode"`
	Data        map[string]any `json:"data,omitempty"`
	EntityData  map[string]any `json:"entityData,omitempty"`
}

// Key returns the targeted case key.
func (r ActionRequest) Key() CaseKey {
	return CaseKey{EntityID: r.EntityID, EntityCode: r.EntityCode}
}

// ActionResponse is the body returned for direct action submissions.
type ActionResponse struct {
	Message      string   `json:"message"`
	RedirectURLs []string `json:"redirectUrls"`
}
