// Package query parses request arguments: find arguments, unique where inputs and the
// select/include/omit projection tree.
package query

import (
	"sort"

	"pmquery/internal/filter"
	"pmquery/internal/queryerr"
	"pmquery/internal/rowset"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// Argument names shared across operations.
const (
	ArgWhere         = "where"
	ArgOrderBy       = "orderBy"
	ArgCursor        = "cursor"
	ArgTake          = "take"
	ArgSkip          = "skip"
	ArgDistinct      = "distinct"
	ArgIncludeCursor = "includeCursor"
	ArgSelect        = "select"
	ArgInclude       = "include"
	ArgOmit          = "omit"
)

// FindKeys are the arguments accepted by findMany and findFirst.
var FindKeys = []string{ArgWhere, ArgOrderBy, ArgCursor, ArgTake, ArgSkip, ArgDistinct, ArgIncludeCursor, ArgSelect, ArgInclude, ArgOmit}

// ProjectionKeys are the arguments that shape returned rows.
var ProjectionKeys = []string{ArgSelect, ArgInclude, ArgOmit}

// Limits bounds relation nesting.
type Limits struct {
	MaxDepth     int
	MaxSelfDepth int
}

// DefaultLimits allows eight levels of nesting and three hops along a self relation.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 8, MaxSelfDepth: 3}
}

// FindArgs are the parsed row-selection arguments of a read.
type FindArgs struct {
	Where         filter.Expr
	OrderBy       []rowset.OrderTerm
	Cursor        *UniqueWhere
	IncludeCursor bool
	Skip          int
	Take          *int
	Distinct      []string
}

// Window builds the pagination window once the cursor row has been resolved.
func (a *FindArgs) Window(cursorRow value.Row) rowset.Window {
	return rowset.Window{
		Cursor:        cursorRow,
		IncludeCursor: a.IncludeCursor,
		Skip:          a.Skip,
		Take:          a.Take,
	}
}

// Pushdown reports whether ordering and skip/take can be delegated to storage as
// ORDER BY/LIMIT/OFFSET.
func (a *FindArgs) Pushdown() bool {
	return a.Cursor == nil &&
		len(a.Distinct) == 0 &&
		(a.Take == nil || *a.Take >= 0) &&
		rowset.AllScalar(a.OrderBy)
}

// Parser parses arguments against a registry.
type Parser struct {
	reg     *schema.Registry
	filters *filter.Parser
	limits  Limits
}

// NewParser creates an argument parser.
func NewParser(reg *schema.Registry, limits Limits) *Parser {
	return &Parser{reg: reg, filters: filter.NewParser(reg), limits: limits}
}

// Registry returns the registry the parser validates against.
func (p *Parser) Registry() *schema.Registry { return p.reg }

// Filters returns the underlying where parser.
func (p *Parser) Filters() *filter.Parser { return p.filters }

// CheckKeys rejects argument names outside allowed.
func CheckKeys(entity string, args map[string]any, allowed ...string) error {
	permitted := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		permitted[a] = true
	}
	var unknown []string
	for k, v := range args {
		if !permitted[k] && !value.IsUndefined(v) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return queryerr.Validation(entity, "unknown argument %q", unknown[0])
	}
	return nil
}

// Find parses where/orderBy/cursor/take/skip/distinct/includeCursor. Other keys are ignored;
// callers validate the full key set with CheckKeys.
func (p *Parser) Find(entity *schema.Entity, args map[string]any) (*FindArgs, error) {
	out := &FindArgs{}
	var err error

	if raw, ok := value.Present(args, ArgWhere); ok {
		if out.Where, err = p.filters.Parse(entity, raw); err != nil {
			return nil, err
		}
	}

	var terms []rowset.OrderTerm
	if raw, ok := value.Present(args, ArgOrderBy); ok {
		if terms, err = rowset.ParseOrderBy(p.reg, entity, raw); err != nil {
			return nil, err
		}
	}
	out.OrderBy = rowset.WithTieBreak(terms)

	if raw, ok := value.Present(args, ArgCursor); ok {
		if out.Cursor, err = p.UniqueWhere(entity, raw); err != nil {
			return nil, err
		}
	}

	if raw, ok := value.Present(args, ArgTake); ok {
		take, ok := value.AsInt(raw)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "take must be an integer, got %v", raw)
		}
		out.Take = &take
	}

	if raw, ok := value.Present(args, ArgSkip); ok {
		skip, ok := value.AsInt(raw)
		if !ok || skip < 0 {
			return nil, queryerr.Validation(entity.Name, "skip must be a non-negative integer, got %v", raw)
		}
		out.Skip = skip
	}

	if raw, ok := value.Present(args, ArgIncludeCursor); ok {
		b, ok := raw.(bool)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "includeCursor must be a boolean")
		}
		out.IncludeCursor = b
	}

	if raw, ok := value.Present(args, ArgDistinct); ok {
		if out.Distinct, err = ParseFieldList(entity, ArgDistinct, raw); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ParseFieldList accepts a scalar field name or a list of them.
func ParseFieldList(entity *schema.Entity, arg string, raw any) ([]string, error) {
	var items []any
	if s, ok := raw.(string); ok {
		items = []any{s}
	} else if list, ok := value.AsList(raw); ok {
		items = list
	} else {
		return nil, queryerr.Validation(entity.Name, "%s expects a field name or a list of field names", arg)
	}
	out := make([]string, 0, len(items))
	seen := map[string]bool{}
	for _, item := range items {
		name, ok := item.(string)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "%s entries must be field names, got %T", arg, item)
		}
		if _, err := entity.MustField(name); err != nil {
			return nil, err
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}
