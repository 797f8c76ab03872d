package syncengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/point"
)

// parsePath splits a dotted path such as "meter.phases.0.voltage". A leading "$." is
// accepted and ignored.
func parsePath(p string) ([]string, error) {
	p = strings.TrimPrefix(strings.TrimSpace(p), "$.")
	if p == "" {
		return nil, fmt.Errorf("json_extract needs a path")
	}
	parts := strings.Split(p, ".")
	for _, s := range parts {
		if s == "" {
			return nil, fmt.Errorf("path %q has an empty segment", p)
		}
	}
	return parts, nil
}

// extract walks payload along path and returns the number found there. Booleans map
// to 0 and 1 and numeric strings are parsed.
func extract(payload json.RawMessage, path []string) (float64, error) {
	if len(payload) == 0 {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: value has no payload", errors.ErrInvalidData),
			"syncengine", "extract", "read payload")
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var node any
	if err := dec.Decode(&node); err != nil {
		return 0, errors.WrapInvalid(err, "syncengine", "extract", "decode payload")
	}

	for i, seg := range path {
		switch n := node.(type) {
		case map[string]any:
			next, ok := n[seg]
			if !ok {
				return 0, missing(path[:i+1])
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(n) {
				return 0, missing(path[:i+1])
			}
			node = n[idx]
		default:
			return 0, missing(path[:i+1])
		}
	}

	switch v := node.(type) {
	case json.Number:
		return v.Float64()
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, errors.WrapInvalid(fmt.Errorf("%w: %q at %s is not numeric", errors.ErrInvalidData, v, strings.Join(path, ".")),
				"syncengine", "extract", "convert value")
		}
		return f, nil
	}
	return 0, errors.WrapInvalid(fmt.Errorf("%w: %s is not a scalar", errors.ErrInvalidData, strings.Join(path, ".")),
		"syncengine", "extract", "convert value")
}

func missing(path []string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s not found in payload", errors.ErrInvalidData, strings.Join(path, ".")),
		"syncengine", "extract", "walk payload")
}

// sample is one source's latest contribution to an aggregate window
type sample struct {
	source string
	value  float64
	at     int64
}

// window keeps the latest sample per source, dropping samples older than since
func window(samples []sample, src point.Key, value float64, now, since int64) []sample {
	key := src.String()
	out := make([]sample, 0, len(samples)+1)
	for _, s := range samples {
		if s.at < since || s.source == key {
			continue
		}
		out = append(out, s)
	}
	return append(out, sample{source: key, value: value, at: now})
}

func aggregate(op AggregateOp, samples []sample) float64 {
	switch op {
	case AggregateSum, AggregateAvg:
		var sum float64
		for _, s := range samples {
			sum += s.value
		}
		if op == AggregateAvg && len(samples) > 0 {
			return sum / float64(len(samples))
		}
		return sum
	case AggregateMax:
		out := math.Inf(-1)
		for _, s := range samples {
			out = math.Max(out, s.value)
		}
		return out
	case AggregateMin:
		out := math.Inf(1)
		for _, s := range samples {
			out = math.Min(out, s.value)
		}
		return out
	}
	return 0
}
