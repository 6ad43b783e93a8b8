// Package shape projects loaded rows onto the selection tree of a request.
package shape

import (
	"pmquery/internal/loader"
	"pmquery/internal/query"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// Record is one shaped result.
type Record = map[string]any

// Rows shapes every row. A nil selection keeps every scalar field.
func Rows(reg *schema.Registry, entity *schema.Entity, rows []value.Row, sel *query.Selection) []Record {
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Row(reg, entity, r, sel)
	}
	return out
}

// Row shapes a single row. A nil row shapes to nil.
func Row(reg *schema.Registry, entity *schema.Entity, row value.Row, sel *query.Selection) Record {
	if row == nil {
		return nil
	}
	if sel == nil {
		sel = query.Default()
	}
	out := Record{}
	for _, f := range entity.Fields {
		if sel.Explicit {
			if !sel.Scalars[f.Name] {
				continue
			}
		} else if sel.Omit[f.Name] {
			continue
		}
		out[f.Name] = row[f.Name]
	}

	for _, rs := range sel.Relations {
		target := reg.Target(rs.Relation)
		raw := row[rs.Relation.Name]
		if rs.Relation.Cardinality == schema.One {
			related, _ := raw.(value.Row)
			if related == nil {
				out[rs.Relation.Name] = nil
				continue
			}
			out[rs.Relation.Name] = Row(reg, target, related, rs.Selection)
			continue
		}
		related, _ := raw.([]value.Row)
		out[rs.Relation.Name] = Rows(reg, target, related, rs.Selection)
	}

	if sel.HasCount {
		counts, _ := row[loader.CountKey].(map[string]any)
		shaped := make(Record, len(sel.Count))
		for _, cr := range sel.Count {
			n, ok := counts[cr.Relation.Name]
			if !ok {
				n = int64(0)
			}
			shaped[cr.Relation.Name] = n
		}
		out[loader.CountKey] = shaped
	}
	return out
}
