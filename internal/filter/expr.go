// Package filter parses where inputs into a typed expression tree and evaluates it against
// rows. The same tree is compiled to SQL by the planner.
package filter

import (
	"sort"

	"pmquery/internal/schema"
)

// Expr is a node of a compiled where clause. A nil Expr matches every row.
type Expr interface {
	exprNode()
}

// Op is a scalar comparison operator.
type Op string

const (
	OpEquals     Op = "equals"
	OpNotEquals  Op = "notEquals"
	OpIn         Op = "in"
	OpNotIn      Op = "notIn"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
	OpIsNull     Op = "isNull"
	OpIsNotNull  Op = "isNotNull"
)

// Cmp compares one scalar field against a coerced literal. Any comparison other than
// OpIsNull is false when the field is null.
type Cmp struct {
	Field       string
	Op          Op
	Value       any
	Values      []any
	Insensitive bool
}

// JSONOp is an operator applied to a Json field, optionally at a path.
type JSONOp string

const (
	JSONEquals           JSONOp = "equals"
	JSONNotEquals        JSONOp = "not"
	JSONStringContains   JSONOp = "string_contains"
	JSONStringStartsWith JSONOp = "string_starts_with"
	JSONStringEndsWith   JSONOp = "string_ends_with"
	JSONArrayContains    JSONOp = "array_contains"
	JSONArrayStartsWith  JSONOp = "array_starts_with"
	JSONArrayEndsWith    JSONOp = "array_ends_with"
	JSONLt               JSONOp = "lt"
	JSONLte              JSONOp = "lte"
	JSONGt               JSONOp = "gt"
	JSONGte              JSONOp = "gte"
	JSONIsNull           JSONOp = "isNull"
	JSONIsNotNull        JSONOp = "isNotNull"
)

// JSONCmp compares the value found at Path inside a Json field.
type JSONCmp struct {
	Field string
	Path  []string
	Op    JSONOp
	Value any
}

// And matches when every child matches. An empty And matches everything.
type And struct {
	Exprs []Expr
}

// Or matches when any child matches. An empty Or matches nothing.
type Or struct {
	Exprs []Expr
}

// Not negates its child.
type Not struct {
	Expr Expr
}

// Quantifier selects how a relation filter aggregates over related rows.
type Quantifier string

const (
	Some  Quantifier = "some"
	Every Quantifier = "every"
	None  Quantifier = "none"
	Is    Quantifier = "is"
)

// Relation filters on rows reachable through a relation. Where applies to the related
// entity; nil matches any related row.
type Relation struct {
	Relation   *schema.Relation
	Quantifier Quantifier
	Where      Expr
}

// Const is a constant predicate.
type Const struct {
	Value bool
}

func (*Cmp) exprNode()      {}
func (*JSONCmp) exprNode()  {}
func (*And) exprNode()      {}
func (*Or) exprNode()       {}
func (*Not) exprNode()      {}
func (*Relation) exprNode() {}
func (*Const) exprNode()    {}

// Eq builds an equality comparison.
func Eq(field string, v any) Expr {
	if v == nil {
		return &Cmp{Field: field, Op: OpIsNull}
	}
	return &Cmp{Field: field, Op: OpEquals, Value: v}
}

// In builds a membership comparison; an empty set matches nothing.
func In(field string, values []any) Expr {
	if len(values) == 0 {
		return &Const{Value: false}
	}
	return &Cmp{Field: field, Op: OpIn, Values: values}
}

// AndOf conjoins expressions, dropping nil (match-all) operands.
func AndOf(exprs ...Expr) Expr {
	var kept []Expr
	for _, e := range exprs {
		if e != nil {
			kept = append(kept, e)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return &And{Exprs: kept}
	}
}

// Relations lists the relation paths the expression traverses, e.g. "tasks.assignee".
func Relations(e Expr) []string {
	seen := map[string]bool{}
	collectRelations(e, "", seen)
	out := make([]string, 0, len(seen))
	for path := range seen {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func collectRelations(e Expr, prefix string, seen map[string]bool) {
	switch n := e.(type) {
	case *And:
		for _, child := range n.Exprs {
			collectRelations(child, prefix, seen)
		}
	case *Or:
		for _, child := range n.Exprs {
			collectRelations(child, prefix, seen)
		}
	case *Not:
		collectRelations(n.Expr, prefix, seen)
	case *Relation:
		path := n.Relation.Name
		if prefix != "" {
			path = prefix + "." + path
		}
		seen[path] = true
		collectRelations(n.Where, path, seen)
	}
}
