package loader

import (
	"context"
	"fmt"

	"pmquery/internal/filter"
	"pmquery/internal/rowset"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

// prefetched answers filter.Source lookups from rows loaded ahead of sorting.
type prefetched struct {
	one  map[string]map[string]value.Row
	many map[string]map[string][]value.Row
}

func (p *prefetched) Related(rel *schema.Relation, row value.Row) []value.Row {
	key := relationKey(rel)
	if rel.Cardinality == schema.One {
		fk := row[rel.FKField]
		if fk == nil {
			return nil
		}
		if r, ok := p.one[key][value.Key(fk)]; ok {
			return []value.Row{r}
		}
		return nil
	}
	return p.many[key][value.Key(row[schema.PrimaryKey])]
}

func relationKey(rel *schema.Relation) string {
	return rel.Entity + "." + rel.Name
}

// orderSource loads the related rows needed to evaluate the relation terms of an orderBy.
func (l *Loader) orderSource(ctx context.Context, st store.Store, rows []value.Row, terms []rowset.OrderTerm) (filter.Source, error) {
	src := &prefetched{
		one:  map[string]map[string]value.Row{},
		many: map[string]map[string][]value.Row{},
	}
	for _, t := range terms {
		if t.Scalar() {
			continue
		}
		rel := t.Relation
		key := relationKey(rel)
		target := l.reg.Target(rel)

		if rel.Cardinality == schema.One {
			if _, done := src.one[key]; done {
				continue
			}
			byID := map[string]value.Row{}
			if keys := distinctValues(rows, rel.FKField); len(keys) > 0 {
				related, err := st.Select(ctx, store.Query{Entity: target, Where: filter.In(schema.PrimaryKey, keys)})
				if err != nil {
					return nil, fmt.Errorf("order by %s: %w", key, err)
				}
				for _, r := range related {
					byID[value.Key(r[schema.PrimaryKey])] = r
				}
			}
			src.one[key] = byID
			continue
		}

		if _, done := src.many[key]; done {
			continue
		}
		groups := map[string][]value.Row{}
		if ids := distinctValues(rows, schema.PrimaryKey); len(ids) > 0 {
			related, err := st.Select(ctx, store.Query{Entity: target, Where: filter.In(rel.FKField, ids)})
			if err != nil {
				return nil, fmt.Errorf("order by %s: %w", key, err)
			}
			for _, r := range related {
				k := value.Key(r[rel.FKField])
				groups[k] = append(groups[k], r)
			}
		}
		src.many[key] = groups
	}
	return src, nil
}
