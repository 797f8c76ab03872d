// Package rulestore persists the rule table.
//
// Records hold the definition JSON as submitted, so a rule can be recompiled on startup
// and replayed into the engines and the watch index. MemoryStore backs tests and
// single-process deployments; KVStore keeps the table in a NATS KV bucket and streams
// changes made by other writers.
package rulestore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/watchindex"
)

// Record is one row of the rule table
type Record struct {
	Kind       watchindex.Kind `json:"kind"`
	ID         string          `json:"id"`
	Definition json.RawMessage `json:"definition"`
	Enabled    bool            `json:"enabled"`
	Generation uint64          `json:"generation"`
	UpdatedAt  int64           `json:"updated_at"`

	// Revision is the table revision the record was read or written at. Revisions grow
	// across the whole table, so a change with a lower revision is older.
	Revision uint64 `json:"-"`
}

// Key returns the bucket key "<kind>.<id>"
func (r Record) Key() string {
	return Key(r.Kind, r.ID)
}

// Key builds the bucket key of a rule
func Key(kind watchindex.Kind, id string) string {
	return kind.String() + "." + id
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id can be stored. Dots and wildcards are reserved by the
// bucket key layout.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Store is the rule table. Create and Update return the revision of the write.
type Store interface {
	// Create fails with ErrRuleExists when the rule is already stored
	Create(ctx context.Context, rec Record) (uint64, error)
	// Update fails with ErrRuleConflict unless the stored revision is still revision
	Update(ctx context.Context, rec Record, revision uint64) (uint64, error)
	Get(ctx context.Context, kind watchindex.Kind, id string) (Record, error)
	Delete(ctx context.Context, kind watchindex.Kind, id string) error
	List(ctx context.Context) ([]Record, error)
}

func notFound(component, method string, kind watchindex.Kind, id string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s rule %s", errors.ErrRuleNotFound, kind, id), component, method, "find rule")
}

func exists(component string, kind watchindex.Kind, id string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s rule %s", errors.ErrRuleExists, kind, id), component, "Create", "check key")
}

func conflict(component string, kind watchindex.Kind, id string, revision uint64) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s rule %s is no longer at revision %d", errors.ErrRuleConflict, kind, id, revision),
		component, "Update", "check revision")
}

func checkRecord(component, method string, rec Record) error {
	if !ValidID(rec.ID) {
		return errors.WrapInvalid(fmt.Errorf("%w: rule id %q", errors.ErrInvalidData, rec.ID), component, method, "validate id")
	}
	switch rec.Kind {
	case watchindex.KindAlarm, watchindex.KindBusiness, watchindex.KindSync:
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownRuleKind, rec.Kind), component, method, "validate kind")
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Kind != recs[j].Kind {
			return recs[i].Kind < recs[j].Kind
		}
		return recs[i].ID < recs[j].ID
	})
}

// MemoryStore keeps the table in a map. Revisions count every write, deletes included.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]Record
	revision uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty table
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Create inserts a new record
func (m *MemoryStore) Create(_ context.Context, rec Record) (uint64, error) {
	if err := checkRecord("MemoryStore", "Create", rec); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Key()]; ok {
		return 0, exists("MemoryStore", rec.Kind, rec.ID)
	}
	return m.store(rec), nil
}

// Update replaces a record stored at revision
func (m *MemoryStore) Update(_ context.Context, rec Record, revision uint64) (uint64, error) {
	if err := checkRecord("MemoryStore", "Update", rec); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.Key()]
	if !ok {
		return 0, notFound("MemoryStore", "Update", rec.Kind, rec.ID)
	}
	if cur.Revision != revision {
		return 0, conflict("MemoryStore", rec.Kind, rec.ID, revision)
	}
	return m.store(rec), nil
}

// store writes rec at the next revision. Caller holds mu.
func (m *MemoryStore) store(rec Record) uint64 {
	m.revision++
	rec.Revision = m.revision
	rec.Definition = append(json.RawMessage(nil), rec.Definition...)
	m.records[rec.Key()] = rec
	return rec.Revision
}

// Get returns a record or ErrRuleNotFound
func (m *MemoryStore) Get(_ context.Context, kind watchindex.Kind, id string) (Record, error) {
	m.mu.RLock()
	rec, ok := m.records[Key(kind, id)]
	m.mu.RUnlock()
	if !ok {
		return Record{}, notFound("MemoryStore", "Get", kind, id)
	}
	return rec, nil
}

// Delete removes a record or returns ErrRuleNotFound
func (m *MemoryStore) Delete(_ context.Context, kind watchindex.Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(kind, id)
	if _, ok := m.records[k]; !ok {
		return notFound("MemoryStore", "Delete", kind, id)
	}
	delete(m.records, k)
	m.revision++
	return nil
}

// List returns every record ordered by kind then id
func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sortRecords(out)
	return out, nil
}
