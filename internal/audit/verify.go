package audit

import (
	"context"
	"crypto/hmac"
	"errors"

	"github.com/pitabwire/caseflow/model"
)

// ChainReader streams persisted audit rows in insertion order and reports
// the committed chain head.
type ChainReader interface {
	ScanAuditLog(ctx context.Context, fn func(model.AuditLogEntry) error) error
	AuditHead(ctx context.Context) (string, error)
}

// errChainBroken stops the scan once the first bad entry is found.
var errChainBroken = errors.New("chain broken")

// Verify replays the chain from genesis and reports the first entry whose
// prev_hash, hash, or HMAC does not match. The head recorded in audit_meta
// must be one of the replayed hashes, so rows removed from the tail are
// detected too. A broken chain returns the report together with a
// CHAIN_INTEGRITY error.
func (l *Ledger) Verify(ctx context.Context, reader ChainReader) (model.VerificationReport, error) {
	// Read before scanning: rows appended meanwhile only extend the scan.
	head, err := reader.AuditHead(ctx)
	if err != nil {
		return model.VerificationReport{}, err
	}

	report := model.VerificationReport{Valid: true}
	prev := ""
	var lastID int64
	headSeen := head == ""

	err = reader.ScanAuditLog(ctx, func(row model.AuditLogEntry) error {
		if reason := l.check(row, prev); reason != "" {
			report.Valid = false
			report.BrokenAtID = row.ID
			report.Reason = reason
			return errChainBroken
		}
		report.Checked++
		prev = row.Hash
		lastID = row.ID
		report.LastHash = prev
		headSeen = headSeen || row.Hash == head
		return nil
	})

	switch {
	case errors.Is(err, errChainBroken):
		return report, model.NewChainIntegrityError(report.BrokenAtID, report.Reason)
	case err != nil:
		return model.VerificationReport{}, err
	}
	if !headSeen {
		report.Valid = false
		report.BrokenAtID = lastID
		report.Reason = "chain ends before the recorded head; trailing entries are missing"
		return report, model.NewChainIntegrityError(lastID, report.Reason)
	}
	return report, nil
}

// check returns why row fails verification against prev, or "".
func (l *Ledger) check(row model.AuditLogEntry, prev string) string {
	if row.PrevHash != prev {
		return "prev_hash does not match preceding entry"
	}
	hash, err := chainHash(row, prev)
	if err != nil {
		return "entry cannot be canonicalized: " + err.Error()
	}
	if hash != row.Hash {
		return "hash does not match entry contents"
	}
	if !hmac.Equal([]byte(l.sign(hash)), []byte(row.HMAC)) {
		return "hmac does not match"
	}
	return ""
}
