package core

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/watchindex"
)

const idSchema = `{"type": "string", "pattern": "^[A-Za-z0-9_-]+$"}`

var alarmSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["source_key", "field", "threshold", "operator"],
  "properties": {
    "id": ` + idSchema + `,
    "source_key": {"type": "string", "minLength": 1},
    "field": {"type": "string", "minLength": 1},
    "threshold": {"type": "number"},
    "operator": {"type": "string", "minLength": 1},
    "enabled": {"type": "boolean"},
    "level": {"type": "string", "enum": ["info", "warning", "major", "critical"]},
    "title": {"type": "string"}
  }
}`

var businessSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["actions"],
  "properties": {
    "id": ` + idSchema + `,
    "enabled": {"type": "boolean"},
    "priority": {"type": "integer"},
    "cooldown_seconds": {"type": "integer", "minimum": 0},
    "group_logic": {"type": "string", "minLength": 1},
    "condition_groups": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["conditions"],
        "properties": {
          "logic": {"type": "string", "minLength": 1},
          "conditions": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["source_key", "field", "operator", "value"],
              "properties": {
                "source_key": {"type": "string", "minLength": 1},
                "field": {"type": "string", "minLength": 1},
                "operator": {"type": "string", "minLength": 1},
                "value": {"type": "number"}
              }
            }
          }
        }
      }
    },
    "actions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string", "enum": ["set_value", "create_alarm", "notify"]},
          "target_key": {"type": "string"},
          "value": {"type": "number"},
          "level": {"type": "string"},
          "message": {"type": "string"},
          "channel": {"type": "string"}
        }
      }
    }
  }
}`

var syncSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["source_pattern", "target_pattern"],
  "properties": {
    "id": ` + idSchema + `,
    "enabled": {"type": "boolean"},
    "source_pattern": {"type": "string", "minLength": 1},
    "target_pattern": {"type": "string", "minLength": 1},
    "field_mapping": {"type": "object", "additionalProperties": {"type": "string"}},
    "reverse_mapping_enabled": {"type": "boolean"},
    "transform": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["direct", "numeric", "aggregate", "json_extract"]},
        "scale": {"type": "number"},
        "offset": {"type": "number"},
        "op": {"type": "string", "enum": ["sum", "avg", "max", "min"]},
        "window_ms": {"type": "integer", "minimum": 0},
        "path": {"type": "string"}
      }
    }
  }
}`

// schemas validates definition JSON per rule kind before it is compiled
type schemas map[watchindex.Kind]*gojsonschema.Schema

func loadSchemas() (schemas, error) {
	out := make(schemas, 3)
	for kind, src := range map[watchindex.Kind]string{
		watchindex.KindAlarm:    alarmSchema,
		watchindex.KindBusiness: businessSchema,
		watchindex.KindSync:     syncSchema,
	} {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, errors.WrapFatal(err, "core", "loadSchemas", "compile "+kind.String()+" schema")
		}
		out[kind] = s
	}
	return out, nil
}

func (s schemas) validate(kind watchindex.Kind, def []byte) error {
	schema, ok := s[kind]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownRuleKind, kind), "core", "validate", "select schema")
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(def))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "core", "validate", "decode "+kind.String()+" rule")
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, strings.Join(msgs, "; ")),
		"core", "validate", "check "+kind.String()+" rule")
}
