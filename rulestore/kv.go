package rulestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/natsclient"
	"github.com/c360/pointflow/watchindex"
)

// DefaultBucket is the KV bucket holding the rule table
const DefaultBucket = "POINTFLOW_RULES"

// Op is the kind of change seen by a watcher
type Op int

// Change operations
const (
	OpPut Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "put"
}

// Change is one update observed on the bucket. Record is only complete for OpPut;
// for OpDelete only Kind and ID are set.
type Change struct {
	Op       Op
	Record   Record
	Revision uint64
}

// KVStore keeps the rule table in a NATS KV bucket
type KVStore struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

var _ Store = (*KVStore)(nil)

// OpenKV creates or binds the bucket and returns a store over it
func OpenKV(ctx context.Context, client *natsclient.Client, bucket string, timeout time.Duration) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	b, err := client.KeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "pointflow rule table",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "RuleKV", "OpenKV", "bind bucket "+bucket)
	}
	return NewKVStore(natsclient.NewKVStore(b, timeout)), nil
}

// NewKVStore wraps an opened bucket
func NewKVStore(kv *natsclient.KVStore) *KVStore {
	return &KVStore{
		kv:     kv,
		logger: slog.Default().With("component", "rulestore", "bucket", kv.Bucket()),
	}
}

// Create writes a record only when the key is free
func (s *KVStore) Create(ctx context.Context, rec Record) (uint64, error) {
	data, err := s.encode("Create", rec)
	if err != nil {
		return 0, err
	}
	rev, err := s.kv.Create(ctx, rec.Key(), data)
	if err != nil {
		if natsclient.IsKVConflictError(err) {
			return 0, exists("RuleKV", rec.Kind, rec.ID)
		}
		return 0, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "RuleKV", "Create", "write "+rec.Key())
	}
	return rev, nil
}

// Update writes a record only when the key is still at revision
func (s *KVStore) Update(ctx context.Context, rec Record, revision uint64) (uint64, error) {
	data, err := s.encode("Update", rec)
	if err != nil {
		return 0, err
	}
	rev, err := s.kv.Update(ctx, rec.Key(), data, revision)
	if err != nil {
		if natsclient.IsKVConflictError(err) {
			return 0, conflict("RuleKV", rec.Kind, rec.ID, revision)
		}
		return 0, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "RuleKV", "Update", "write "+rec.Key())
	}
	return rev, nil
}

func (s *KVStore) encode(method string, rec Record) ([]byte, error) {
	if err := checkRecord("RuleKV", method, rec); err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RuleKV", method, "encode record")
	}
	return data, nil
}

// Get reads a record
func (s *KVStore) Get(ctx context.Context, kind watchindex.Kind, id string) (Record, error) {
	entry, err := s.kv.Get(ctx, Key(kind, id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return Record{}, notFound("RuleKV", "Get", kind, id)
		}
		return Record{}, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "RuleKV", "Get", "read "+Key(kind, id))
	}
	rec, err := decodeRecord(entry.Key, entry.Value)
	rec.Revision = entry.Revision
	return rec, err
}

// Delete removes a record
func (s *KVStore) Delete(ctx context.Context, kind watchindex.Kind, id string) error {
	if _, err := s.Get(ctx, kind, id); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, Key(kind, id)); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return notFound("RuleKV", "Delete", kind, id)
		}
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "RuleKV", "Delete", "delete "+Key(kind, id))
	}
	return nil
}

// List reads every record. Entries that fail to decode are logged and skipped.
func (s *KVStore) List(ctx context.Context) ([]Record, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "RuleKV", "List", "list keys")
	}
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		entry, err := s.kv.Get(ctx, k)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "RuleKV", "List", "read "+k)
		}
		rec, err := decodeRecord(k, entry.Value)
		if err != nil {
			s.logger.Warn("Skipping unreadable rule record", "key", k, "error", err)
			continue
		}
		rec.Revision = entry.Revision
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Watch streams changes to handler until ctx ends or the watcher closes. The initial
// values already in the bucket are skipped; List covers them at startup.
func (s *KVStore) Watch(ctx context.Context, handler func(context.Context, Change)) error {
	w, err := s.kv.Watch(ctx, ">", jetstream.UpdatesOnly())
	if err != nil {
		return errors.WrapTransient(err, "RuleKV", "Watch", "start watcher")
	}
	defer func() {
		if err := w.Stop(); err != nil {
			s.logger.Debug("Watcher stop failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-w.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				continue
			}
			change, err := changeFromEntry(entry)
			if err != nil {
				s.logger.Warn("Ignoring rule table update", "key", entry.Key(), "error", err)
				continue
			}
			handler(ctx, change)
		}
	}
}

func changeFromEntry(entry jetstream.KeyValueEntry) (Change, error) {
	if entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge {
		kind, id, err := parseKey(entry.Key())
		if err != nil {
			return Change{}, err
		}
		return Change{Op: OpDelete, Record: Record{Kind: kind, ID: id}, Revision: entry.Revision()}, nil
	}
	rec, err := decodeRecord(entry.Key(), entry.Value())
	if err != nil {
		return Change{}, err
	}
	rec.Revision = entry.Revision()
	return Change{Op: OpPut, Record: rec, Revision: entry.Revision()}, nil
}

func parseKey(k string) (watchindex.Kind, string, error) {
	kindName, id, ok := strings.Cut(k, ".")
	if !ok || !ValidID(id) {
		return 0, "", errors.WrapInvalid(fmt.Errorf("%w: key %q", errors.ErrInvalidData, k), "RuleKV", "parseKey", "split key")
	}
	kind, err := watchindex.ParseKind(kindName)
	if err != nil {
		return 0, "", err
	}
	return kind, id, nil
}

// decodeRecord reads a stored record. The key is authoritative for kind and id so that
// hand-written entries may carry only the definition; enabled defaults to true.
func decodeRecord(key string, data []byte) (Record, error) {
	kind, id, err := parseKey(key)
	if err != nil {
		return Record{}, err
	}
	var raw struct {
		Definition json.RawMessage `json:"definition"`
		Enabled    *bool           `json:"enabled"`
		Generation uint64          `json:"generation"`
		UpdatedAt  int64           `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrDataCorrupted, err), "RuleKV", "decodeRecord", "decode "+key)
	}
	if len(raw.Definition) == 0 {
		return Record{}, errors.WrapInvalid(fmt.Errorf("%w: %s has no definition", errors.ErrInvalidData, key), "RuleKV", "decodeRecord", "decode "+key)
	}
	return Record{
		Kind:       kind,
		ID:         id,
		Definition: raw.Definition,
		Enabled:    raw.Enabled == nil || *raw.Enabled,
		Generation: raw.Generation,
		UpdatedAt:  raw.UpdatedAt,
	}, nil
}
