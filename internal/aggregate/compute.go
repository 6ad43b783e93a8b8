package aggregate

import (
	"pmquery/internal/value"
)

// compute evaluates t over rows. Aggregates over no non-null values are null, except
// counts which are zero.
func compute(t Term, rows []value.Row) any {
	if t.Func == Count {
		if t.Field == All {
			return int64(len(rows))
		}
		var n int64
		for _, r := range rows {
			if r[t.Field] != nil {
				n++
			}
		}
		return n
	}

	switch t.Func {
	case Avg, Sum:
		var (
			sumInt   int64
			sumFloat float64
			n        int
			floats   bool
		)
		for _, r := range rows {
			v := r[t.Field]
			if v == nil {
				continue
			}
			n++
			switch x := v.(type) {
			case int64:
				sumInt += x
				sumFloat += float64(x)
			default:
				f, _ := value.ToFloat(x)
				sumFloat += f
				floats = true
			}
		}
		if n == 0 {
			return nil
		}
		if t.Func == Avg {
			return sumFloat / float64(n)
		}
		if floats {
			return sumFloat
		}
		return sumInt
	}

	var best any
	for _, r := range rows {
		v := r[t.Field]
		if v == nil {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		c := value.Compare(v, best)
		if (t.Func == Min && c < 0) || (t.Func == Max && c > 0) {
			best = v
		}
	}
	return best
}

func computeAll(terms []Term, rows []value.Row) map[string]any {
	out := make(map[string]any, len(terms))
	for _, t := range terms {
		if _, done := out[t.Key()]; done {
			continue
		}
		out[t.Key()] = compute(t, rows)
	}
	return out
}
