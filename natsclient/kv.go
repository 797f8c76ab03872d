package natsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Well-known KV errors
var (
	ErrKVKeyNotFound      = errors.New("kv: key not found")
	ErrKVKeyExists        = errors.New("kv: key already exists")
	ErrKVRevisionMismatch = errors.New("kv: revision mismatch (concurrent update)")
)

// KVEntry is a value and the revision it was read at
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore wraps a bucket with per-operation timeouts and normalized errors
type KVStore struct {
	bucket  jetstream.KeyValue
	timeout time.Duration
}

// NewKVStore wraps bucket. A zero timeout disables per-operation deadlines.
func NewKVStore(bucket jetstream.KeyValue, timeout time.Duration) *KVStore {
	return &KVStore{bucket: bucket, timeout: timeout}
}

// Bucket returns the bucket name
func (kv *KVStore) Bucket() string {
	return kv.bucket.Bucket()
}

func (kv *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.timeout > 0 {
		return context.WithTimeout(ctx, kv.timeout)
	}
	return ctx, func() {}
}

// Get reads key with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes key without a revision check
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Create writes key only if it does not exist
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Update writes key only if its revision is still revision
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes key
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys lists the keys in the bucket, empty when there are none
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// Watch streams updates for keys matching pattern. It is long lived and takes no timeout.
func (kv *KVStore) Watch(ctx context.Context, pattern string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	w, err := kv.bucket.Watch(ctx, pattern, opts...)
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", pattern, err)
	}
	return w, nil
}

// IsKVNotFoundError reports whether err means the key does not exist
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// IsKVConflictError reports whether err is a create or revision conflict
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists) || errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists")
}
