package model

import "time"

// AuditCategoryWorkflow marks entries written for committed action transitions.
const AuditCategoryWorkflow = "workflow"

// AuditEntry is what a caller submits to the ledger.
type AuditEntry struct {
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Category       string         `json:"category"`
	Action         string         `json:"action"`
	TargetType     string         `json:"target_type"`
	TargetIDNum    *int64         `json:"target_id_num,omitempty"`
	TargetIDString *string        `json:"target_id_string,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	BeforeData     map[string]any `json:"before_data,omitempty"`
	AfterData      map[string]any `json:"after_data,omitempty"`
}

// AuditLogEntry is one immutable row of the hash-chained audit log.
// Snapshots are stored in canonical JSON form so the hash can be recomputed
// from the persisted bytes.
type AuditLogEntry struct {
	ID             int64     `json:"id"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Category       string    `json:"category"`
	Action         string    `json:"action"`
	Actor          string    `json:"actor"`
	TargetType     string    `json:"target_type"`
	TargetIDNum    *int64    `json:"target_id_num,omitempty"`
	TargetIDString *string   `json:"target_id_string,omitempty"`
	Metadata       []byte    `json:"metadata,omitempty"`
	BeforeData     []byte    `json:"before_data,omitempty"`
	AfterData      []byte    `json:"after_data,omitempty"`
	PrevHash       string    `json:"prev_hash"`
	Hash           string    `json:"hash"`
	HMAC           string    `json:"hmac"`
	CreatedAt      time.Time `json:"created_at"`
}

// VerificationReport summarizes an offline replay of the audit chain.
type VerificationReport struct {
	Valid      bool   `json:"valid"`
	Checked    int    `json:"checked"`
	LastHash   string `json:"last_hash,omitempty"`
	BrokenAtID int64  `json:"broken_at_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
