package store

import (
	"fmt"
	"strings"

	"github.com/xhad/embedfill/internal/types"
)

// sqlDialect covers the differences between PostgreSQL and SQLite that the
// shared query builders care about.
type sqlDialect struct {
	quote       func(ident string) string
	placeholder func(n int) string
}

var sqliteDialect = sqlDialect{
	quote: func(ident string) string {
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	},
	placeholder: func(int) string { return "?" },
}

// whereClause renders filter as a SQL boolean expression. Placeholders are
// numbered after the arguments already in args. Ne also matches NULL so it
// behaves like MongoDB's $ne.
func whereClause(filter types.Filter, fields FieldMap, d sqlDialect, args []interface{}) (string, []interface{}, error) {
	if len(filter) == 0 {
		return "TRUE", args, nil
	}
	parts := make([]string, 0, len(filter))
	for _, p := range filter {
		col := d.quote(fields.Resolve(p.Field))
		switch p.Op {
		case types.OpExists:
			parts = append(parts, col+" IS NOT NULL")
			continue
		case types.OpNotExists:
			parts = append(parts, col+" IS NULL")
			continue
		}

		args = append(args, p.Value)
		ph := d.placeholder(len(args))
		switch p.Op {
		case types.OpEq:
			parts = append(parts, fmt.Sprintf("%s = %s", col, ph))
		case types.OpNe:
			parts = append(parts, fmt.Sprintf("(%s IS NULL OR %s <> %s)", col, col, ph))
		case types.OpGt:
			parts = append(parts, fmt.Sprintf("%s > %s", col, ph))
		case types.OpGte:
			parts = append(parts, fmt.Sprintf("%s >= %s", col, ph))
		case types.OpLt:
			parts = append(parts, fmt.Sprintf("%s < %s", col, ph))
		case types.OpLte:
			parts = append(parts, fmt.Sprintf("%s <= %s", col, ph))
		default:
			return "", nil, fmt.Errorf("unsupported operator %s", p.Op)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

// attributeColumns lists filter columns in a stable order, skipping any that
// collide with the core columns.
func attributeColumns(fields FieldMap) []string {
	core := map[string]bool{
		fields.ID: true, fields.Title: true, fields.Text: true,
		fields.Embedding: true, fields.EmbeddedAt: true,
	}
	cols := make([]string, 0, len(fields.Filters))
	for _, f := range fields.Filters {
		if !core[f] {
			cols = append(cols, f)
		}
	}
	return cols
}
