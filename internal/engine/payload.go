package engine

import (
	"fmt"
	"strconv"

	"rocket-backend/internal/metadata"
)

// RelationWrite describes a nested write against one relation, extracted
// from a write payload. Relation and WriteMode are resolved once up front so
// the nested-writer never has to consult the registry mid-diff.
type RelationWrite struct {
	Relation  *metadata.Relation
	WriteMode string
	Data      []map[string]any
}

// SeparateFieldsAndRelations splits a write payload into scalar entity
// fields, nested relation writes, and keys that match neither — step 1 of
// the write pipeline. Relation values may be an array of full child row
// maps, or (for many-to-many) a bare array of target ids.
func SeparateFieldsAndRelations(entity *metadata.Entity, reg *metadata.Registry, body map[string]any) (map[string]any, []*RelationWrite, []string) {
	fields := make(map[string]any, len(body))
	var relWrites []*RelationWrite
	var unknown []string

	relsByName := make(map[string]*metadata.Relation)
	for _, rel := range reg.GetRelationsForSource(entity.Name) {
		relsByName[rel.Name] = rel
	}

	for key, val := range body {
		if entity.HasField(key) {
			fields[key] = val
			continue
		}

		if rel, ok := relsByName[key]; ok {
			data, ok := toRelationData(val)
			if !ok {
				unknown = append(unknown, key)
				continue
			}
			relWrites = append(relWrites, &RelationWrite{
				Relation:  rel,
				WriteMode: rel.DefaultWriteMode(),
				Data:      data,
			})
			continue
		}

		unknown = append(unknown, key)
	}

	return fields, relWrites, unknown
}

// toRelationData normalizes a relation's payload value into a list of row
// maps. A bare id (string/number) in the list is wrapped as {"id": id} so
// many-to-many writes, which only need the target key, can omit full rows.
func toRelationData(val any) ([]map[string]any, bool) {
	if val == nil {
		return nil, true
	}
	arr, ok := val.([]any)
	if !ok {
		return nil, false
	}

	data := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			data = append(data, m)
			continue
		}
		data = append(data, map[string]any{"id": item})
	}
	return data, true
}

// ValidateFields enforces required fields (create only), coerces each
// value to its declared field type, and checks enum membership — step 2 of
// the write pipeline. It mutates fields in place with coerced values and
// collects every violation rather than stopping at the first.
func ValidateFields(entity *metadata.Entity, fields map[string]any, isCreate bool) []ErrorDetail {
	var errs []ErrorDetail

	writable := make(map[string]*metadata.Field)
	for i := range entity.Fields {
		writable[entity.Fields[i].Name] = &entity.Fields[i]
	}

	if isCreate {
		for _, f := range entity.WritableFields() {
			if !f.Required {
				continue
			}
			val, ok := fields[f.Name]
			if !ok || val == nil || val == "" {
				errs = append(errs, ErrorDetail{
					Field:   f.Name,
					Rule:    "required",
					Message: fmt.Sprintf("%s is required", f.Name),
				})
			}
		}
	}

	for name, val := range fields {
		f := writable[name]
		if f == nil {
			continue
		}
		if val == nil {
			if f.Required && !f.Nullable {
				errs = append(errs, ErrorDetail{
					Field:   name,
					Rule:    "nullable",
					Message: fmt.Sprintf("%s cannot be null", name),
				})
			}
			continue
		}

		coerced, ok := coerceFieldType(f, val)
		if !ok {
			errs = append(errs, ErrorDetail{
				Field:   name,
				Rule:    "type",
				Message: fmt.Sprintf("%s must be of type %s", name, f.Type),
			})
			continue
		}
		fields[name] = coerced

		if len(f.Enum) > 0 && !enumContains(f.Enum, fmt.Sprintf("%v", coerced)) {
			errs = append(errs, ErrorDetail{
				Field:   name,
				Rule:    "enum",
				Message: fmt.Sprintf("%s must be one of %v", name, f.Enum),
			})
		}
	}

	return errs
}

// coerceFieldType converts a JSON-decoded value to the representation the
// field's declared type expects, accepting the common string encodings
// (e.g. numeric strings from form submissions) in addition to native JSON
// numbers/booleans. Returns ok=false when the value cannot be coerced.
func coerceFieldType(f *metadata.Field, val any) (any, bool) {
	switch f.Type {
	case "string", "text", "uuid", "date":
		switch v := val.(type) {
		case string:
			return v, true
		default:
			return fmt.Sprintf("%v", v), true
		}

	case "int", "bigint":
		switch v := val.(type) {
		case float64:
			return int64(v), true
		case int:
			return int64(v), true
		case int64:
			return v, true
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, false
			}
			return n, true
		default:
			return nil, false
		}

	case "float", "decimal":
		switch v := val.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case string:
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, false
			}
			return n, true
		default:
			return nil, false
		}

	case "boolean":
		switch v := val.(type) {
		case bool:
			return v, true
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, false
			}
			return b, true
		default:
			return nil, false
		}

	case "timestamp":
		switch v := val.(type) {
		case string:
			return v, true
		default:
			return fmt.Sprintf("%v", v), true
		}

	case "json", "file":
		return val, true

	default:
		return val, true
	}
}

func enumContains(enum []string, val string) bool {
	for _, e := range enum {
		if e == val {
			return true
		}
	}
	return false
}
