// Package pointstore holds the current value of every point.
//
// Values are grouped per source (namespace, entity, category) into one field map, so
// reading every field of an entity or scanning an entity is proportional to that entity
// only. The Store serializes writes per source, commits them to a Backend and then hands
// the old and new value to the dispatch hook before Write returns.
package pointstore

import (
	"context"

	"github.com/c360/pointflow/point"
)

// Entry is a stored key and its value
type Entry struct {
	Key   point.Key   `json:"key"`
	Value point.Value `json:"value"`
}

// Backend is the storage engine under the Store. Implementations must apply writes to the
// same key in call order and return the replaced value atomically with the write.
type Backend interface {
	// Write replaces the value at key and returns the previous one, nil when absent.
	Write(ctx context.Context, key point.Key, v point.Value) (*point.Value, error)
	Read(ctx context.Context, key point.Key) (*point.Value, error)
	// ReadMany returns one entry per key, nil where absent.
	ReadMany(ctx context.Context, keys []point.Key) ([]*point.Value, error)
	// Scan returns every stored entry whose key matches p.
	Scan(ctx context.Context, p point.Pattern) ([]Entry, error)

	SetLink(ctx context.Context, target, source point.Key) error
	GetLink(ctx context.Context, target point.Key) (*point.Key, error)

	Ping(ctx context.Context) error
	Close() error
}
