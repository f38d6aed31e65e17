package model

import (
	"fmt"
	"time"
)

// Priority is the dispatch priority band of a case.
type Priority string

// Priority bands, highest first.
const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// Rank orders priorities so that a higher rank is dispatched first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ParsePriority validates a priority string.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// CaseKey identifies a case row.
type CaseKey struct {
	EntityID   int64  `json:"entity_id"`
	EntityCode string `json:"entity_code"`
}

func (k CaseKey) String() string {
	return fmt.Sprintf("%s#%d", k.EntityCode, k.EntityID)
}

// CaseState is the authoritative current position of one case. Lease fields
// are nil or in the past when the case is unclaimed.
type CaseState struct {
	EntityID         int64          `json:"entity_id"`
	EntityCode       string         `json:"entity_code"`
	OrgUnitCode      string         `json:"org_unit_code"`
	AssignedToTeamID *int64         `json:"assigned_to_team_id,omitempty"`
	AssignedToUser   *string        `json:"assigned_to_user,omitempty"`
	LeaseUser        *string        `json:"lease_user,omitempty"`
	LeaseExpires     *time.Time     `json:"lease_expires,omitempty"`
	FromStateCode    string         `json:"from_state_code"`
	ToStateCode      string         `json:"to_state_code"`
	Priority         Priority       `json:"priority"`
	DateTime         time.Time      `json:"date_time"`
	Data             map[string]any `json:"data,omitempty"`
}

// Key returns the case's primary key.
func (c CaseState) Key() CaseKey {
	return CaseKey{EntityID: c.EntityID, EntityCode: c.EntityCode}
}

// Leased reports whether the case holds an unexpired lease at now.
func (c CaseState) Leased(now time.Time) bool {
	return c.LeaseUser != nil && c.LeaseExpires != nil && !c.LeaseExpires.Before(now)
}

// Snapshot returns the case as a plain map for audit before/after data.
func (c CaseState) Snapshot() map[string]any {
	snap := map[string]any{
		"entity_id":       c.EntityID,
		"entity_code":     c.EntityCode,
		"org_unit_code":   c.OrgUnitCode,
		"from_state_code": c.FromStateCode,
		"to_state_code":   c.ToStateCode,
		"priority":        string(c.Priority),
	}
	if c.AssignedToTeamID != nil {
		snap["assigned_to_team_id"] = *c.AssignedToTeamID
	}
	if c.AssignedToUser != nil {
		snap["assigned_to_user"] = *c.AssignedToUser
	}
	if len(c.Data) > 0 {
		snap["data"] = c.Data
	}
	return snap
}

// Clone returns a deep-enough copy for buffered writes: pointer fields and the
// data map are copied so the clone can be mutated independently.
func (c CaseState) Clone() CaseState {
	out := c
	if c.AssignedToTeamID != nil {
		v := *c.AssignedToTeamID
		out.AssignedToTeamID = &v
	}
	if c.AssignedToUser != nil {
		v := *c.AssignedToUser
		out.AssignedToUser = &v
	}
	if c.LeaseUser != nil {
		v := *c.LeaseUser
		out.LeaseUser = &v
	}
	if c.LeaseExpires != nil {
		v := *c.LeaseExpires
		out.LeaseExpires = &v
	}
	if c.Data != nil {
		out.Data = make(map[string]any, len(c.Data))
		for k, v := range c.Data {
			out.Data[k] = v
		}
	}
	return out
}

// Attachment is an uploaded file carried in a workflow context's data bag.
type Attachment struct {
	FieldName   string `json:"field_name"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Content     []byte `json:"-"`
}

// Document is a file attached to a case by a pipeline function.
type Document struct {
	ID          string    `json:"id"`
	EntityID    int64     `json:"entity_id"`
	EntityCode  string    `json:"entity_code"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Content     []byte    `json:"-"`
	UploadedBy  string    `json:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at"`
}
