package point

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/pointflow/errors"
)

// Wildcard matches any single key segment
const Wildcard = "*"

// Pattern is a compiled four-segment key pattern. Each segment is a literal or "*".
// Wildcard segments capture the matched text, numbered $1..$n left to right.
type Pattern struct {
	raw      string
	segments [4]string
	wild     [4]bool
	captures int
}

// CompilePattern parses "ns:entity:category:field" where any segment may be "*"
func CompilePattern(s string) (Pattern, error) {
	parts := strings.Split(s, Separator)
	if len(parts) != 4 {
		return Pattern{}, malformed(s, fmt.Sprintf("expected 4 segments, got %d", len(parts)))
	}

	p := Pattern{raw: s}
	for i, seg := range parts {
		switch {
		case seg == Wildcard:
			p.wild[i] = true
			p.captures++
		case seg == "":
			return Pattern{}, malformed(s, fmt.Sprintf("segment %d is empty", i+1))
		case strings.ContainsAny(seg, "*$"):
			return Pattern{}, malformed(s, fmt.Sprintf("segment %q mixes wildcard and literal", seg))
		}
		p.segments[i] = seg
	}
	return p, nil
}

// CompileSourcePattern joins a source pattern ("ns:entity:category") with a field pattern
func CompileSourcePattern(source, field string) (Pattern, error) {
	return CompilePattern(source + Separator + field)
}

func malformed(pattern, reason string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %q: %s", errors.ErrMalformedPattern, pattern, reason),
		"point", "CompilePattern", "compile pattern")
}

// String returns the source text
func (p Pattern) String() string { return p.raw }

// Captures returns the number of wildcard segments
func (p Pattern) Captures() int { return p.captures }

// IsExact reports whether the pattern has no wildcards
func (p Pattern) IsExact() bool { return p.captures == 0 }

// Namespace returns the namespace segment, "*" when wild
func (p Pattern) Namespace() string { return p.segments[0] }

// Source returns the first three segments joined
func (p Pattern) Source() string {
	return p.segments[0] + Separator + p.segments[1] + Separator + p.segments[2]
}

// Field returns the field segment, "*" when wild
func (p Pattern) Field() string { return p.segments[3] }

// Key returns the key of an exact pattern
func (p Pattern) Key() (Key, bool) {
	if !p.IsExact() {
		return Key{}, false
	}
	return Key{Namespace: p.segments[0], Entity: p.segments[1], Category: p.segments[2], Field: p.segments[3]}, true
}

// Matches reports whether k matches the pattern
func (p Pattern) Matches(k Key) bool {
	segs := k.segments()
	for i := range segs {
		if !p.wild[i] && p.segments[i] != segs[i] {
			return false
		}
	}
	return true
}

// Match returns the captured segments when k matches
func (p Pattern) Match(k Key) ([]string, bool) {
	if !p.Matches(k) {
		return nil, false
	}
	segs := k.segments()
	caps := make([]string, 0, p.captures)
	for i := range segs {
		if p.wild[i] {
			caps = append(caps, segs[i])
		}
	}
	return caps, true
}

// Template is a compiled target pattern. Segments may mix literal text with $N captures
// and the variables $namespace, $channel, $category, $point_id, $field and $timestamp.
type Template struct {
	raw      string
	segments [4][]token
	maxCap   int
}

type token struct {
	literal string
	capture int    // 1-based, 0 when not a capture
	varName string // variable name without "$"
}

var templateVars = map[string]bool{
	"namespace": true,
	"channel":   true,
	"category":  true,
	"point_id":  true,
	"field":     true,
	"timestamp": true,
}

// CompileTemplate parses a target template
func CompileTemplate(s string) (Template, error) {
	parts := strings.Split(s, Separator)
	if len(parts) != 4 {
		return Template{}, malformed(s, fmt.Sprintf("expected 4 segments, got %d", len(parts)))
	}

	t := Template{raw: s}
	for i, seg := range parts {
		if seg == "" {
			return Template{}, malformed(s, fmt.Sprintf("segment %d is empty", i+1))
		}
		if strings.Contains(seg, Wildcard) {
			return Template{}, malformed(s, "templates cannot contain wildcards")
		}
		toks, err := tokenize(seg)
		if err != nil {
			return Template{}, malformed(s, err.Error())
		}
		for _, tk := range toks {
			if tk.capture > t.maxCap {
				t.maxCap = tk.capture
			}
		}
		t.segments[i] = toks
	}
	return t, nil
}

func tokenize(seg string) ([]token, error) {
	var toks []token
	for len(seg) > 0 {
		i := strings.IndexByte(seg, '$')
		if i < 0 {
			toks = append(toks, token{literal: seg})
			break
		}
		if i > 0 {
			toks = append(toks, token{literal: seg[:i]})
		}
		seg = seg[i+1:]

		j := 0
		for j < len(seg) && seg[j] >= '0' && seg[j] <= '9' {
			j++
		}
		if j > 0 {
			n, _ := strconv.Atoi(seg[:j])
			if n == 0 {
				return nil, fmt.Errorf("capture $0 is not valid")
			}
			toks = append(toks, token{capture: n})
			seg = seg[j:]
			continue
		}

		for j < len(seg) && (seg[j] == '_' || (seg[j] >= 'a' && seg[j] <= 'z')) {
			j++
		}
		name := seg[:j]
		if !templateVars[name] {
			return nil, fmt.Errorf("unknown variable $%s", name)
		}
		toks = append(toks, token{varName: name})
		seg = seg[j:]
	}
	return toks, nil
}

// String returns the source text
func (t Template) String() string { return t.raw }

// MaxCapture returns the highest $N referenced
func (t Template) MaxCapture() int { return t.maxCap }

// Vars carries the values substituted for template variables
type Vars struct {
	Source    Key
	Captures  []string
	Timestamp int64
}

// Resolve substitutes captures and variables and validates the resulting key
func (t Template) Resolve(v Vars) (Key, error) {
	var out [4]string
	for i, toks := range t.segments {
		var b strings.Builder
		for _, tk := range toks {
			switch {
			case tk.capture > 0:
				if tk.capture > len(v.Captures) {
					return Key{}, malformed(t.raw, fmt.Sprintf("capture $%d not available", tk.capture))
				}
				b.WriteString(v.Captures[tk.capture-1])
			case tk.varName != "":
				b.WriteString(v.lookup(tk.varName))
			default:
				b.WriteString(tk.literal)
			}
		}
		out[i] = b.String()
	}
	return NewKey(out[0], out[1], out[2], out[3])
}

func (v Vars) lookup(name string) string {
	switch name {
	case "namespace":
		return v.Source.Namespace
	case "channel":
		return v.Source.Entity
	case "category":
		return v.Source.Category
	case "point_id", "field":
		return v.Source.Field
	case "timestamp":
		return strconv.FormatInt(v.Timestamp, 10)
	}
	return ""
}
