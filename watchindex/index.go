// Package watchindex maps point keys to the rules that watch them.
//
// Exact registrations live in a hash keyed by the full point key, so the common lookup
// is a single map access. Registrations with wildcard segments are bucketed by their
// namespace literal (or "*") and matched against the key on lookup.
//
// The index is read-mostly. Lookups take a read lock; Register, Unregister and Rebuild
// take the write lock and are only called from rule registration, never from evaluation.
package watchindex

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/point"
)

// Kind tags a rule id with the engine that owns it
type Kind uint8

// Rule kinds
const (
	KindAlarm Kind = iota + 1
	KindBusiness
	KindSync
)

// Kinds lists every rule kind in dispatch order
var Kinds = []Kind{KindAlarm, KindBusiness, KindSync}

func (k Kind) String() string {
	switch k {
	case KindAlarm:
		return "alarm"
	case KindBusiness:
		return "business"
	case KindSync:
		return "sync"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind parses the kind names used in the rule table and CRUD calls
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "alarm", "alarms":
		return KindAlarm, nil
	case "business", "business_rule", "rule", "rules":
		return KindBusiness, nil
	case "sync", "sync_rule":
		return KindSync, nil
	}
	return 0, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownRuleKind, s), "watchindex", "ParseKind", "parse rule kind")
}

// MarshalText encodes the kind name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// RuleRef is a typed rule id. Generation changes whenever the rule definition is
// replaced, so an engine can ignore references that outlived their rule.
type RuleRef struct {
	Kind       Kind   `json:"kind"`
	ID         string `json:"id"`
	Generation uint64 `json:"generation"`
}

func (r RuleRef) String() string {
	return r.Kind.String() + "/" + r.ID
}

type ruleKey struct {
	kind Kind
	id   string
}

func (r RuleRef) key() ruleKey { return ruleKey{kind: r.Kind, id: r.ID} }

type wildEntry struct {
	ref     RuleRef
	pattern point.Pattern
}

// Registration is one (rule, pattern) membership
type Registration struct {
	Ref     RuleRef
	Pattern point.Pattern
}

// Index is the reverse index from point keys to watching rules
type Index struct {
	mu     sync.RWMutex
	exact  map[point.Key]map[ruleKey]RuleRef
	wild   map[string][]wildEntry
	byRule map[ruleKey][]point.Pattern
}

// New creates an empty index
func New() *Index {
	return &Index{
		exact:  make(map[point.Key]map[ruleKey]RuleRef),
		wild:   make(map[string][]wildEntry),
		byRule: make(map[ruleKey][]point.Pattern),
	}
}

// Register adds a membership for ref on source ("ns:entity:category") and field.
// Either may contain "*" segments.
func (idx *Index) Register(ref RuleRef, source, field string) error {
	p, err := point.CompileSourcePattern(source, field)
	if err != nil {
		return err
	}
	idx.RegisterPattern(ref, p)
	return nil
}

// RegisterPattern adds a membership for an already compiled pattern.
// Registering the same rule and pattern twice is a no-op apart from refreshing the generation.
func (idx *Index) RegisterPattern(ref RuleRef, p point.Pattern) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.add(ref, p)
}

func (idx *Index) add(ref RuleRef, p point.Pattern) {
	rk := ref.key()

	if k, ok := p.Key(); ok {
		set := idx.exact[k]
		if set == nil {
			set = make(map[ruleKey]RuleRef)
			idx.exact[k] = set
		}
		set[rk] = ref
	} else {
		bucket := bucketOf(p)
		entries := idx.wild[bucket]
		replaced := false
		for i := range entries {
			if entries[i].ref.key() == rk && entries[i].pattern.String() == p.String() {
				entries[i].ref = ref
				replaced = true
			}
		}
		if !replaced {
			idx.wild[bucket] = append(entries, wildEntry{ref: ref, pattern: p})
		}
	}

	for _, existing := range idx.byRule[rk] {
		if existing.String() == p.String() {
			return
		}
	}
	idx.byRule[rk] = append(idx.byRule[rk], p)
}

func bucketOf(p point.Pattern) string {
	return p.Namespace()
}

// Unregister removes every membership of the rule, whatever its generation.
// It reports whether the rule had any.
func (idx *Index) Unregister(kind Kind, id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rk := ruleKey{kind: kind, id: id}
	patterns, ok := idx.byRule[rk]
	if !ok {
		return false
	}

	for _, p := range patterns {
		if k, exact := p.Key(); exact {
			if set := idx.exact[k]; set != nil {
				delete(set, rk)
				if len(set) == 0 {
					delete(idx.exact, k)
				}
			}
			continue
		}

		bucket := bucketOf(p)
		entries := idx.wild[bucket]
		kept := entries[:0]
		for _, e := range entries {
			if e.ref.key() != rk {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(idx.wild, bucket)
		} else {
			idx.wild[bucket] = kept
		}
	}
	delete(idx.byRule, rk)
	return true
}

// Lookup returns the rules watching key, ordered by kind then id
func (idx *Index) Lookup(key point.Key) []RuleRef {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []RuleRef
	seen := make(map[ruleKey]struct{})
	for rk, ref := range idx.exact[key] {
		seen[rk] = struct{}{}
		out = append(out, ref)
	}

	for _, bucket := range [2]string{key.Namespace, point.Wildcard} {
		for _, e := range idx.wild[bucket] {
			rk := e.ref.key()
			if _, dup := seen[rk]; dup {
				continue
			}
			if e.pattern.Matches(key) {
				seen[rk] = struct{}{}
				out = append(out, e.ref)
			}
		}
	}

	sortRefs(out)
	return out
}

func sortRefs(refs []RuleRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
}

// Memberships returns the patterns a rule is registered under, sorted
func (idx *Index) Memberships(kind Kind, id string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	patterns := idx.byRule[ruleKey{kind: kind, id: id}]
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = p.String()
	}
	sort.Strings(out)
	return out
}

// Rules returns every registered rule
func (idx *Index) Rules() []RuleRef {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]RuleRef, 0, len(idx.byRule))
	for rk, patterns := range idx.byRule {
		ref := RuleRef{Kind: rk.kind, ID: rk.id}
		if len(patterns) > 0 {
			ref = idx.refFor(rk, patterns[0])
		}
		out = append(out, ref)
	}
	sortRefs(out)
	return out
}

func (idx *Index) refFor(rk ruleKey, p point.Pattern) RuleRef {
	if k, ok := p.Key(); ok {
		return idx.exact[k][rk]
	}
	for _, e := range idx.wild[bucketOf(p)] {
		if e.ref.key() == rk {
			return e.ref
		}
	}
	return RuleRef{Kind: rk.kind, ID: rk.id}
}

// Len returns the number of registered rules
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byRule)
}

// Rebuild replaces the whole index with regs. The new maps are built without holding
// the lock and swapped in at once.
func (idx *Index) Rebuild(regs []Registration) {
	fresh := New()
	for _, r := range regs {
		fresh.add(r.Ref, r.Pattern)
	}

	idx.mu.Lock()
	idx.exact = fresh.exact
	idx.wild = fresh.wild
	idx.byRule = fresh.byRule
	idx.mu.Unlock()
}
