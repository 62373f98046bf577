package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"rocket-backend/internal/metadata"
	"rocket-backend/internal/store"
)

// BuildInsertSQL builds a parameterized INSERT ... RETURNING <entity columns> statement for
// the given fields. Keys are sorted for deterministic SQL across calls.
func BuildInsertSQL(entity *metadata.Entity, fields map[string]any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cols, placeholders []string
	for _, k := range keys {
		cols = append(cols, k)
		placeholders = append(placeholders, pb.Add(coerceFieldValue(entity, k, fields[k], dialect)))
	}

	returning := strings.Join(allColumns(entity), ", ")

	if len(cols) == 0 {
		sql := fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", entity.Table, returning)
		return sql, nil
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		entity.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), returning)
	return sql, pb.Params()
}

// BuildUpdateSQL builds a parameterized UPDATE statement. Returns an empty
// SQL string when fields is empty (nothing to update).
func BuildUpdateSQL(entity *metadata.Entity, id any, fields map[string]any, dialect store.Dialect) (string, []any) {
	if len(fields) == 0 {
		return "", nil
	}

	pb := dialect.NewParamBuilder()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sets []string
	for _, k := range keys {
		if k == entity.PrimaryKey.Field {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", k, pb.Add(coerceFieldValue(entity, k, fields[k], dialect))))
	}
	if len(sets) == 0 {
		return "", nil
	}

	idPlaceholder := pb.Add(id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		entity.Table, strings.Join(sets, ", "), entity.PrimaryKey.Field, idPlaceholder)
	if entity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}
	return sql, pb.Params()
}

// BuildSoftDeleteSQL builds the UPDATE that marks a record deleted_at = now().
func BuildSoftDeleteSQL(entity *metadata.Entity, id any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	idPlaceholder := pb.Add(id)
	sql := fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
		entity.Table, dialect.NowExpr(), entity.PrimaryKey.Field, idPlaceholder)
	return sql, pb.Params()
}

// BuildHardDeleteSQL builds a DELETE statement.
func BuildHardDeleteSQL(entity *metadata.Entity, id any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	idPlaceholder := pb.Add(id)
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", entity.Table, entity.PrimaryKey.Field, idPlaceholder)
	return sql, pb.Params()
}

func allColumns(entity *metadata.Entity) []string {
	cols := entity.FieldNames()
	if entity.SoftDelete && entity.GetField("deleted_at") == nil {
		cols = append(cols, "deleted_at")
	}
	return cols
}

// coerceFieldValue prepares a field value for the driver, encoding string
// arrays through the dialect (JSON for SQLite, native array for Postgres).
func coerceFieldValue(entity *metadata.Entity, name string, v any, dialect store.Dialect) any {
	f := entity.GetField(name)
	if f == nil {
		return v
	}
	if strs, ok := v.([]string); ok {
		return dialect.ArrayParam(strs)
	}
	if f.Type == "json" || f.Type == "file" {
		if v == nil {
			return nil
		}
		if _, isStr := v.(string); isStr {
			return v
		}
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	}
	return v
}
