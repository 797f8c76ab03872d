// Package point defines the addressing and value model shared by the store, the watch
// index and the rule engines.
//
// A Key addresses one field of one entity category inside a namespace:
//
//	comsrv:channel-1:measurement:101
//	└ns──┘ └entity─┘ └category─┘ └field
//
// The first three segments form the Source, which is the unit of grouping in the store:
// all fields of one source live in one field map.
package point

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/pointflow/errors"
)

// Separator joins key segments
const Separator = ":"

// Category is one of the point kinds a gateway reports
type Category string

// Point categories
const (
	CategoryMeasurement Category = "measurement"
	CategorySignal      Category = "signal"
	CategoryControl     Category = "control"
	CategoryAdjustment  Category = "adjustment"
)

// IsValid reports whether c is a known category
func (c Category) IsValid() bool {
	switch c {
	case CategoryMeasurement, CategorySignal, CategoryControl, CategoryAdjustment:
		return true
	}
	return false
}

// Quality flags how trustworthy a value is
type Quality string

// Quality values
const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// ParseQuality maps gateway strings onto a Quality; empty means good
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(s) {
	case "", "good":
		return QualityGood, nil
	case "bad":
		return QualityBad, nil
	case "uncertain":
		return QualityUncertain, nil
	}
	return "", errors.WrapInvalid(fmt.Errorf("unknown quality %q", s), "point", "ParseQuality", "parse quality")
}

// Key addresses a single point. It is comparable and used directly as a map key.
type Key struct {
	Namespace string `json:"namespace"`
	Entity    string `json:"entity_id"`
	Category  string `json:"category"`
	Field     string `json:"field"`
}

// NewKey builds a key and validates it
func NewKey(namespace, entity, category, field string) (Key, error) {
	k := Key{Namespace: namespace, Entity: entity, Category: category, Field: field}
	return k, k.Validate()
}

// ParseKey parses "ns:entity:category:field"
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, Separator)
	if len(parts) != 4 {
		return Key{}, errors.WrapInvalid(
			fmt.Errorf("key %q: expected 4 segments, got %d", s, len(parts)),
			"point", "ParseKey", "split key")
	}
	return NewKey(parts[0], parts[1], parts[2], parts[3])
}

// MustParseKey is ParseKey for literals in tests and defaults
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Validate rejects empty segments and segments containing separators or wildcards
func (k Key) Validate() error {
	for _, seg := range k.segments() {
		if seg == "" || strings.ContainsAny(seg, Separator+"*$") {
			return errors.WrapInvalid(
				fmt.Errorf("invalid key %q", k.String()),
				"point", "Validate", "validate key segments")
		}
	}
	return nil
}

func (k Key) segments() [4]string {
	return [4]string{k.Namespace, k.Entity, k.Category, k.Field}
}

// Source returns "ns:entity:category", the field map a key belongs to
func (k Key) Source() string {
	return k.Namespace + Separator + k.Entity + Separator + k.Category
}

// String returns "ns:entity:category:field"
func (k Key) String() string {
	return k.Source() + Separator + k.Field
}

// WithField returns a copy of k addressing another field of the same source
func (k Key) WithField(field string) Key {
	k.Field = field
	return k
}

// MarshalText encodes the key as its string form so it can be used as a JSON map key
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the string form
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value is the current state of a point
type Value struct {
	Value     float64         `json:"value"`
	Timestamp int64           `json:"timestamp"`
	Quality   Quality         `json:"quality"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsGood reports whether the value has good quality
func (v Value) IsGood() bool {
	return v.Quality == QualityGood || v.Quality == ""
}
