package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// MemoryStore is an in-memory Store for testing and single-process use. It
// emulates the row-lock behaviour the PostgreSQL store relies on: case rows
// are locked per transaction, lease selection skips rows locked elsewhere,
// LockCase and LockAuditMeta block until the holder commits or rolls back,
// and writes stay invisible to other transactions until commit.
type MemoryStore struct {
	mu   sync.Mutex
	cond *sync.Cond

	cases     map[model.CaseKey]model.CaseState
	caseLocks map[model.CaseKey]*memTx
	teams     map[string][]int64
	audit     []model.AuditLogEntry
	lastHash  string
	metaOwner *memTx
	nextID    int64
	docs      []model.Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		cases:     make(map[model.CaseKey]model.CaseState),
		caseLocks: make(map[model.CaseKey]*memTx),
		teams:     make(map[string][]int64),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// PutCase inserts or replaces a committed case row.
func (s *MemoryStore) PutCase(c model.CaseState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.Key()] = c.Clone()
}

// Case returns the committed state of a case.
func (s *MemoryStore) Case(key model.CaseKey) (model.CaseState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[key]
	if !ok {
		return model.CaseState{}, false
	}
	return c.Clone(), true
}

// SetTeams replaces the team memberships of a user.
func (s *MemoryStore) SetTeams(userName string, teamIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[userName] = slices.Clone(teamIDs)
}

// AuditEntries returns a copy of the committed audit rows in id order.
func (s *MemoryStore) AuditEntries() []model.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit)
}

// LastHash returns the committed audit_meta last_hash.
func (s *MemoryStore) LastHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash
}

// Documents returns the committed documents.
func (s *MemoryStore) Documents() []model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.docs)
}

// TamperAuditEntry rewrites a committed audit row in place, bypassing the
// ledger. It exists to simulate out-of-band modification in tests.
func (s *MemoryStore) TamperAuditEntry(id int64, fn func(*model.AuditLogEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.audit {
		if s.audit[i].ID == id {
			fn(&s.audit[i])
			return true
		}
	}
	return false
}

// InTx runs fn against a buffered transaction and applies its writes on success.
func (s *MemoryStore) InTx(ctx context.Context, operation string, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{s: s, writes: make(map[model.CaseKey]model.CaseState)}
	defer tx.rollback()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return wrapTxError(operation, err)
	}
	tx.commit()
	return nil
}

// TeamsForUser returns the user's team ids.
func (s *MemoryStore) TeamsForUser(_ context.Context, userName string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.teams[userName]), nil
}

// ScanAuditLog streams committed audit rows in id order.
func (s *MemoryStore) ScanAuditLog(ctx context.Context, fn func(model.AuditLogEntry) error) error {
	for _, e := range s.AuditEntries() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// AuditHead returns the committed last_hash.
func (s *MemoryStore) AuditHead(context.Context) (string, error) {
	return s.LastHash(), nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// memTx buffers writes until commit. All fields are guarded by s.mu.
type memTx struct {
	s         *MemoryStore
	locked    []model.CaseKey
	writes    map[model.CaseKey]model.CaseState
	audit     []model.AuditLogEntry
	docs      []model.Document
	holdsMeta bool
	metaHash  *string
	done      bool
}

// view returns the case as seen by this transaction.
func (t *memTx) view(key model.CaseKey) (model.CaseState, bool) {
	if c, ok := t.writes[key]; ok {
		return c, true
	}
	c, ok := t.s.cases[key]
	return c, ok
}

func (t *memTx) holds(key model.CaseKey) bool {
	return t.s.caseLocks[key] == t
}

// lock acquires the row lock on key, waiting for any other holder.
func (t *memTx) lock(ctx context.Context, key model.CaseKey) error {
	for {
		owner := t.s.caseLocks[key]
		if owner == nil {
			t.s.caseLocks[key] = t
			t.locked = append(t.locked, key)
			return nil
		}
		if owner == t {
			return nil
		}
		if err := t.s.wait(ctx); err != nil {
			return err
		}
	}
}

// wait blocks on the condition until a lock is released or ctx ends.
// Caller holds s.mu.
func (s *MemoryStore) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	stop()
	return ctx.Err()
}

func (t *memTx) SelectLeaseCandidate(_ context.Context, teamIDs []int64, now time.Time) (model.CaseState, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	var candidates []model.CaseState
	for key := range t.s.cases {
		c, _ := t.view(key)
		if c.AssignedToTeamID == nil || !slices.Contains(teamIDs, *c.AssignedToTeamID) {
			continue
		}
		if c.LeaseUser != nil && c.LeaseExpires != nil && !c.LeaseExpires.Before(now) {
			continue
		}
		if owner := t.s.caseLocks[key]; owner != nil && owner != t {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return model.CaseState{}, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.DateTime.Equal(b.DateTime) {
			return a.DateTime.Before(b.DateTime)
		}
		if a.EntityCode != b.EntityCode {
			return a.EntityCode < b.EntityCode
		}
		return a.EntityID < b.EntityID
	})

	chosen := candidates[0]
	if !t.holds(chosen.Key()) {
		t.s.caseLocks[chosen.Key()] = t
		t.locked = append(t.locked, chosen.Key())
	}
	return chosen.Clone(), true, nil
}

func (t *memTx) SetLease(ctx context.Context, key model.CaseKey, userName string, expires time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if err := t.lock(ctx, key); err != nil {
		return err
	}
	c, ok := t.view(key)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("case %s not found", key))
	}
	c = c.Clone()
	c.LeaseUser = &userName
	c.LeaseExpires = &expires
	t.writes[key] = c
	return nil
}

func (t *memTx) LockCase(ctx context.Context, key model.CaseKey) (model.CaseState, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if err := t.lock(ctx, key); err != nil {
		return model.CaseState{}, err
	}
	c, ok := t.view(key)
	if !ok {
		return model.CaseState{}, model.NewNotFoundError(fmt.Sprintf("case %s not found", key))
	}
	return c.Clone(), nil
}

func (t *memTx) UpdateCase(ctx context.Context, c model.CaseState) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	key := c.Key()
	if err := t.lock(ctx, key); err != nil {
		return err
	}
	existing, ok := t.view(key)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("case %s not found", key))
	}
	updated := c.Clone()
	updated.DateTime = existing.DateTime
	t.writes[key] = updated
	return nil
}

func (t *memTx) LockAuditMeta(ctx context.Context) (string, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for t.s.metaOwner != nil && t.s.metaOwner != t {
		if err := t.s.wait(ctx); err != nil {
			return "", err
		}
	}
	t.s.metaOwner = t
	t.holdsMeta = true
	if t.metaHash != nil {
		return *t.metaHash, nil
	}
	return t.s.lastHash, nil
}

func (t *memTx) InsertAuditEntry(_ context.Context, e *model.AuditLogEntry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.s.nextID++
	e.ID = t.s.nextID
	t.audit = append(t.audit, *e)
	return nil
}

func (t *memTx) UpdateAuditMeta(_ context.Context, lastHash string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if !t.holdsMeta {
		return fmt.Errorf("update audit meta: row not locked by this transaction")
	}
	t.metaHash = &lastHash
	return nil
}

func (t *memTx) InsertDocument(_ context.Context, d model.Document) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.docs = append(t.docs, d)
	return nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for key, c := range t.writes {
		t.s.cases[key] = c
	}
	t.s.audit = append(t.s.audit, t.audit...)
	sort.Slice(t.s.audit, func(i, j int) bool { return t.s.audit[i].ID < t.s.audit[j].ID })
	if t.metaHash != nil {
		t.s.lastHash = *t.metaHash
	}
	t.s.docs = append(t.s.docs, t.docs...)
	t.release()
}

// rollback discards the buffered writes. It is a no-op once the transaction
// has ended.
func (t *memTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return
	}
	t.release()
}

// release drops every lock held by the transaction. Caller holds s.mu.
func (t *memTx) release() {
	for _, key := range t.locked {
		if t.s.caseLocks[key] == t {
			delete(t.s.caseLocks, key)
		}
	}
	t.locked = nil
	if t.s.metaOwner == t {
		t.s.metaOwner = nil
	}
	t.holdsMeta = false
	t.done = true
	t.s.cond.Broadcast()
}
