// Package audit maintains the tamper-evident, hash-chained audit log. Every
// entry commits to its predecessor's hash and is authenticated with an HMAC
// keyed by a server secret.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// ErrEmptySecret is returned when a ledger is created without an HMAC key.
var ErrEmptySecret = errors.New("audit: HMAC secret must not be empty")

// Ledger appends entries to the chain inside a caller-owned transaction.
type Ledger struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger keyed by secret.
func NewLedger(secret []byte, opts ...Option) (*Ledger, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	l := &Ledger{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append locks the chain head, links entry to it, and writes both the entry
// and the new head through tx. The meta lock is held until tx ends, so
// concurrent appends are serialized and the chain stays linear. Any failure
// must abort the caller's transaction.
func (l *Ledger) Append(ctx context.Context, tx store.AuditTx, actor string, entry model.AuditEntry) (_ model.AuditLogEntry, err error) {
	ctx, span := observability.StartSpan(ctx, "audit.append",
		observability.AttrAction.String(entry.Action))
	defer func() { observability.EndSpanWithError(span, err) }()

	prev, err := tx.LockAuditMeta(ctx)
	if err != nil {
		return model.AuditLogEntry{}, err
	}

	row, err := l.seal(entry, actor, prev)
	if err != nil {
		return model.AuditLogEntry{}, err
	}

	if err := tx.InsertAuditEntry(ctx, &row); err != nil {
		return model.AuditLogEntry{}, err
	}
	if err := tx.UpdateAuditMeta(ctx, row.Hash); err != nil {
		return model.AuditLogEntry{}, err
	}
	return row, nil
}

// seal builds the persisted row for entry and computes its hash and HMAC.
func (l *Ledger) seal(entry model.AuditEntry, actor, prev string) (model.AuditLogEntry, error) {
	row := model.AuditLogEntry{
		CorrelationID:  entry.CorrelationID,
		Category:       entry.Category,
		Action:         entry.Action,
		Actor:          actor,
		TargetType:     entry.TargetType,
		TargetIDNum:    entry.TargetIDNum,
		TargetIDString: entry.TargetIDString,
		PrevHash:       prev,
		CreatedAt:      canonicalTime(l.now()),
	}

	var err error
	if row.Metadata, err = marshalSnapshot(entry.Metadata); err != nil {
		return model.AuditLogEntry{}, fmt.Errorf("metadata: %w", err)
	}
	if row.BeforeData, err = marshalSnapshot(entry.BeforeData); err != nil {
		return model.AuditLogEntry{}, fmt.Errorf("before data: %w", err)
	}
	if row.AfterData, err = marshalSnapshot(entry.AfterData); err != nil {
		return model.AuditLogEntry{}, fmt.Errorf("after data: %w", err)
	}

	hash, err := chainHash(row, prev)
	if err != nil {
		return model.AuditLogEntry{}, err
	}
	row.Hash = hash
	row.HMAC = l.sign(hash)
	return row, nil
}

func (l *Ledger) sign(hash string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// hashedFields is the fixed-order view of an entry that the hash commits to.
type hashedFields struct {
	CorrelationID  string          `json:"correlation_id"`
	Category       string          `json:"category"`
	Action         string          `json:"action"`
	TargetType     string          `json:"target_type"`
	TargetIDNum    *int64          `json:"target_id_num"`
	TargetIDString *string         `json:"target_id_string"`
	Metadata       json.RawMessage `json:"metadata"`
	BeforeData     json.RawMessage `json:"before_data"`
	AfterData      json.RawMessage `json:"after_data"`
	CreatedAt      string          `json:"created_at"`
}

// chainHash returns hex(SHA-256(canonical entry || actor || prev)).
func chainHash(row model.AuditLogEntry, prev string) (string, error) {
	fields := hashedFields{
		CorrelationID:  row.CorrelationID,
		Category:       row.Category,
		Action:         row.Action,
		TargetType:     row.TargetType,
		TargetIDNum:    row.TargetIDNum,
		TargetIDString: row.TargetIDString,
		CreatedAt:      canonicalTime(row.CreatedAt).Format(time.RFC3339Nano),
	}

	var err error
	if fields.Metadata, err = canonicalJSON(row.Metadata); err != nil {
		return "", fmt.Errorf("metadata: %w", err)
	}
	if fields.BeforeData, err = canonicalJSON(row.BeforeData); err != nil {
		return "", fmt.Errorf("before data: %w", err)
	}
	if fields.AfterData, err = canonicalJSON(row.AfterData); err != nil {
		return "", fmt.Errorf("after data: %w", err)
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode hashed fields: %w", err)
	}

	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(row.Actor))
	h.Write([]byte(prev))
	return hex.EncodeToString(h.Sum(nil)), nil
}
