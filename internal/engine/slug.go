package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"rocket-backend/internal/metadata"
	"rocket-backend/internal/store"
)

var intRE = regexp.MustCompile(`^\d+$`)

// looksLikePK reports whether value is shaped like the entity's primary key
// type, so fetchRecord knows whether to try a slug lookup first.
func looksLikePK(entity *metadata.Entity, value string) bool {
	switch entity.PrimaryKey.Type {
	case "uuid":
		return uuidRE.MatchString(value)
	case "int", "integer", "bigint":
		return intRE.MatchString(value)
	default:
		return false // string PKs — can't distinguish, always try slug first
	}
}

// Slugify converts a string into a URL-friendly slug: lowercased, accents
// stripped, non-alphanumerics collapsed to single hyphens.
func Slugify(text string) string {
	normalized := norm.NFD.String(text)
	var b strings.Builder
	for _, r := range normalized {
		if unicode.Is(unicode.Mn, r) {
			continue // skip combining marks (accents)
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else if r >= 'A' && r <= 'Z' {
			b.WriteRune(r + 32)
		} else {
			b.WriteByte('-')
		}
	}
	s := b.String()
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}

// generateUniqueSlug resolves collisions against non-soft-deleted rows by
// appending "-2", "-3", ... up to 100, then falls back to "-101".
func generateUniqueSlug(ctx context.Context, q store.Querier, entity *metadata.Entity, dialect store.Dialect, baseSlug string, excludeID any) (string, error) {
	slugField := entity.Slug.Field
	softDeleteClause := ""
	if entity.SoftDelete {
		softDeleteClause = " AND deleted_at IS NULL"
	}

	checkSQL := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = %s%s", entity.Table, slugField, dialect.Placeholder(1), softDeleteClause)
	var params []any
	if excludeID != nil {
		checkSQL = fmt.Sprintf("SELECT 1 FROM %s WHERE %s = %s%s AND %s != %s",
			entity.Table, slugField, dialect.Placeholder(1), softDeleteClause, entity.PrimaryKey.Field, dialect.Placeholder(2))
		params = []any{baseSlug, excludeID}
	} else {
		params = []any{baseSlug}
	}

	rows, err := store.QueryRows(ctx, q, checkSQL+" LIMIT 1", params...)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return baseSlug, nil
	}

	for i := 2; i <= 100; i++ {
		candidate := fmt.Sprintf("%s-%d", baseSlug, i)
		params[0] = candidate
		rows, err = store.QueryRows(ctx, q, checkSQL+" LIMIT 1", params...)
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			return candidate, nil
		}
	}

	return fmt.Sprintf("%s-%d", baseSlug, 101), nil
}

// autoGenerateSlug implements write-plan step 6: if the entity declares a
// slug and the caller omitted it (or the source field changed and
// regenerate_on_update is set), slugify the source and resolve collisions.
func autoGenerateSlug(ctx context.Context, q store.Querier, entity *metadata.Entity, dialect store.Dialect, fields map[string]any, isCreate bool, old map[string]any, existingID any) error {
	slugCfg := entity.Slug
	if slugCfg == nil || slugCfg.Source == "" {
		return nil
	}

	if val, ok := fields[slugCfg.Field]; ok && val != nil && fmt.Sprintf("%v", val) != "" {
		return nil
	}

	sourceVal, hasSource := fields[slugCfg.Source]
	if !hasSource || sourceVal == nil || fmt.Sprintf("%v", sourceVal) == "" {
		return nil
	}

	if isCreate {
		slug, err := generateUniqueSlug(ctx, q, entity, dialect, Slugify(fmt.Sprintf("%v", sourceVal)), nil)
		if err != nil {
			return fmt.Errorf("generate slug: %w", err)
		}
		fields[slugCfg.Field] = slug
		return nil
	}

	if !slugCfg.RegenerateOnUpdate {
		return nil
	}

	oldSourceVal := fmt.Sprintf("%v", old[slugCfg.Source])
	newSourceVal := fmt.Sprintf("%v", sourceVal)
	if oldSourceVal == newSourceVal {
		return nil
	}

	slug, err := generateUniqueSlug(ctx, q, entity, dialect, Slugify(newSourceVal), existingID)
	if err != nil {
		return fmt.Errorf("generate slug: %w", err)
	}
	fields[slugCfg.Field] = slug
	return nil
}
