package rowset

import (
	"pmquery/internal/value"
)

// Window selects a slice of an ordered row set.
//
// Without a cursor, a non-negative Take keeps the first Take rows after skipping Skip; a
// negative Take keeps the last |Take| rows before the trailing Skip rows. With a cursor the
// same rules apply to the rows strictly after (Take >= 0) or strictly before (Take < 0) the
// cursor, and the cursor row itself is added when IncludeCursor is set.
type Window struct {
	Cursor        value.Row
	IncludeCursor bool
	Skip          int
	Take          *int
}

// Apply returns the rows of an already ordered set that fall inside w. cmp must be the
// comparator that produced the order.
func Apply(rows []value.Row, w Window, cmp func(a, b value.Row) int) []value.Row {
	backward := w.Take != nil && *w.Take < 0

	candidates := rows
	if w.Cursor != nil {
		candidates = make([]value.Row, 0, len(rows))
		for _, r := range rows {
			c := cmp(r, w.Cursor)
			switch {
			case c == 0 && w.IncludeCursor:
				candidates = append(candidates, r)
			case c > 0 && !backward:
				candidates = append(candidates, r)
			case c < 0 && backward:
				candidates = append(candidates, r)
			}
		}
	}

	skip := w.Skip
	if skip < 0 {
		skip = 0
	}
	if !backward {
		if skip >= len(candidates) {
			return []value.Row{}
		}
		candidates = candidates[skip:]
		if w.Take != nil && *w.Take < len(candidates) {
			candidates = candidates[:*w.Take]
		}
		return candidates
	}

	end := len(candidates) - skip
	if end <= 0 {
		return []value.Row{}
	}
	start := end + *w.Take
	if start < 0 {
		start = 0
	}
	return candidates[start:end]
}

// Distinct keeps the first row for every distinct tuple of fields, preserving order.
func Distinct(rows []value.Row, fields []string) []value.Row {
	if len(fields) == 0 {
		return rows
	}
	seen := make(map[string]struct{}, len(rows))
	out := make([]value.Row, 0, len(rows))
	tuple := make([]any, len(fields))
	for _, r := range rows {
		for i, f := range fields {
			tuple[i] = r[f]
		}
		key := value.Key(tuple...)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
