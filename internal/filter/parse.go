package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// Parser turns where inputs into expression trees, validating every name and literal against
// the registry.
type Parser struct {
	reg *schema.Registry
}

// NewParser creates a parser bound to a registry.
func NewParser(reg *schema.Registry) *Parser {
	return &Parser{reg: reg}
}

// Parse compiles a where object for entity. nil and Undefined yield a nil (match-all) Expr.
func (p *Parser) Parse(entity *schema.Entity, where any) (Expr, error) {
	if where == nil || value.IsUndefined(where) {
		return nil, nil
	}
	m, ok := value.AsMap(where)
	if !ok {
		return nil, queryerr.Validation(entity.Name, "where must be an object, got %T", where)
	}
	return p.parseObject(entity, m)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Parser) parseObject(entity *schema.Entity, m map[string]any) (Expr, error) {
	var parts []Expr
	for _, key := range sortedKeys(m) {
		raw := m[key]
		if value.IsUndefined(raw) {
			continue
		}
		var (
			expr Expr
			err  error
		)
		switch key {
		case "AND":
			expr, err = p.parseAnd(entity, raw)
		case "OR":
			expr, err = p.parseOr(entity, raw)
		case "NOT":
			expr, err = p.parseNot(entity, raw)
		default:
			expr, err = p.parseKey(entity, key, raw)
		}
		if err != nil {
			return nil, err
		}
		if expr != nil {
			parts = append(parts, expr)
		}
	}
	return AndOf(parts...), nil
}

func (p *Parser) parseItems(entity *schema.Entity, op string, raw any) ([]Expr, error) {
	if m, ok := value.AsMap(raw); ok {
		expr, err := p.parseObject(entity, m)
		if err != nil {
			return nil, err
		}
		return []Expr{expr}, nil
	}
	list, ok := value.AsList(raw)
	if !ok {
		return nil, queryerr.Validation(entity.Name, "%s expects an object or a list of objects, got %T", op, raw)
	}
	out := make([]Expr, 0, len(list))
	for i, item := range list {
		m, ok := value.AsMap(item)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "%s[%d] must be an object, got %T", op, i, item)
		}
		expr, err := p.parseObject(entity, m)
		if err != nil {
			return nil, err
		}
		out = append(out, expr)
	}
	return out, nil
}

func (p *Parser) parseAnd(entity *schema.Entity, raw any) (Expr, error) {
	items, err := p.parseItems(entity, "AND", raw)
	if err != nil {
		return nil, err
	}
	return AndOf(items...), nil
}

func (p *Parser) parseOr(entity *schema.Entity, raw any) (Expr, error) {
	items, err := p.parseItems(entity, "OR", raw)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &Const{Value: false}, nil
	}
	for _, item := range items {
		if item == nil {
			return nil, nil
		}
	}
	if len(items) == 1 {
		return items[0], nil
	}
	return &Or{Exprs: items}, nil
}

func (p *Parser) parseNot(entity *schema.Entity, raw any) (Expr, error) {
	items, err := p.parseItems(entity, "NOT", raw)
	if err != nil {
		return nil, err
	}
	negated := make([]Expr, 0, len(items))
	for _, item := range items {
		if item == nil {
			negated = append(negated, &Const{Value: false})
			continue
		}
		negated = append(negated, &Not{Expr: item})
	}
	return AndOf(negated...), nil
}

func (p *Parser) parseKey(entity *schema.Entity, key string, raw any) (Expr, error) {
	if f, ok := entity.Field(key); ok {
		return ParseFieldFilter(entity.Name, f, raw)
	}
	if rel, ok := entity.Relation(key); ok {
		return p.parseRelation(entity, rel, raw)
	}
	return nil, queryerr.UnknownField(entity.Name, key)
}

func (p *Parser) parseRelation(entity *schema.Entity, rel *schema.Relation, raw any) (Expr, error) {
	target, err := p.reg.Entity(rel.Target)
	if err != nil {
		return nil, err
	}
	if rel.Cardinality == schema.Many {
		return p.parseManyRelation(entity, target, rel, raw)
	}

	if raw == nil {
		return nullRelation(entity, rel, true)
	}
	m, ok := value.AsMap(raw)
	if !ok {
		return nil, queryerr.Validation(entity.Name, "relation filter %s must be an object or null", rel.Name)
	}
	_, hasIs := m["is"]
	_, hasIsNot := m["isNot"]
	if !hasIs && !hasIsNot {
		sub, err := p.parseObject(target, m)
		if err != nil {
			return nil, err
		}
		return &Relation{Relation: rel, Quantifier: Is, Where: sub}, nil
	}

	var parts []Expr
	for _, key := range sortedKeys(m) {
		v := m[key]
		if value.IsUndefined(v) {
			continue
		}
		switch key {
		case "is":
			if v == nil {
				expr, err := nullRelation(entity, rel, true)
				if err != nil {
					return nil, err
				}
				parts = append(parts, expr)
				continue
			}
			sub, err := p.Parse(target, v)
			if err != nil {
				return nil, err
			}
			parts = append(parts, &Relation{Relation: rel, Quantifier: Is, Where: sub})
		case "isNot":
			if v == nil {
				expr, err := nullRelation(entity, rel, false)
				if err != nil {
					return nil, err
				}
				parts = append(parts, expr)
				continue
			}
			sub, err := p.Parse(target, v)
			if err != nil {
				return nil, err
			}
			parts = append(parts, &Not{Expr: &Relation{Relation: rel, Quantifier: Is, Where: sub}})
		default:
			return nil, queryerr.Validation(entity.Name, "relation filter %s cannot mix %q with is/isNot", rel.Name, key)
		}
	}
	return AndOf(parts...), nil
}

func nullRelation(entity *schema.Entity, rel *schema.Relation, isNull bool) (Expr, error) {
	if !rel.Nullable {
		return nil, queryerr.Validation(entity.Name, "relation %s is required and cannot be compared with null", rel.Name)
	}
	if isNull {
		return &Cmp{Field: rel.FKField, Op: OpIsNull}, nil
	}
	return &Cmp{Field: rel.FKField, Op: OpIsNotNull}, nil
}

func (p *Parser) parseManyRelation(entity, target *schema.Entity, rel *schema.Relation, raw any) (Expr, error) {
	m, ok := value.AsMap(raw)
	if !ok {
		return nil, queryerr.Validation(entity.Name, "relation filter %s expects {some|every|none}", rel.Name)
	}
	var parts []Expr
	for _, key := range sortedKeys(m) {
		v := m[key]
		if value.IsUndefined(v) {
			continue
		}
		var q Quantifier
		switch key {
		case "some":
			q = Some
		case "every":
			q = Every
		case "none":
			q = None
		default:
			return nil, queryerr.Validation(entity.Name, "unknown relation filter %q on %s", key, rel.Name)
		}
		sub, err := p.Parse(target, v)
		if err != nil {
			return nil, err
		}
		parts = append(parts, &Relation{Relation: rel, Quantifier: q, Where: sub})
	}
	return AndOf(parts...), nil
}

// ParseFieldFilter compiles the filter for one scalar field. The field may be synthetic, as
// used by having clauses over aggregate values.
func ParseFieldFilter(entityName string, f *schema.Field, raw any) (Expr, error) {
	if raw == nil {
		return &Cmp{Field: f.Name, Op: OpIsNull}, nil
	}
	if f.Kind == value.KindJSON {
		return parseJSONFilter(entityName, f, raw)
	}
	if m, ok := value.AsMap(raw); ok {
		return parseOperators(entityName, f, m, false)
	}
	v, err := coerceLiteral(entityName, f, raw)
	if err != nil {
		return nil, err
	}
	return &Cmp{Field: f.Name, Op: OpEquals, Value: v}, nil
}

func coerceLiteral(entityName string, f *schema.Field, raw any) (any, error) {
	v, err := f.Coerce(raw)
	if err != nil {
		return nil, queryerr.TypeMismatch(entityName, f.Name, err)
	}
	return v, nil
}

func parseMode(entityName string, f *schema.Field, m map[string]any, inherited bool) (bool, error) {
	raw, ok := value.Present(m, "mode")
	if !ok {
		return inherited, nil
	}
	if f.Kind != value.KindString {
		return false, queryerr.Validation(entityName, "mode is only supported on String fields, not %s", f.Name)
	}
	switch raw {
	case "default":
		return false, nil
	case "insensitive":
		return true, nil
	default:
		return false, queryerr.Validation(entityName, "mode must be \"default\" or \"insensitive\", got %v", raw)
	}
}

func parseOperators(entityName string, f *schema.Field, m map[string]any, inheritedMode bool) (Expr, error) {
	insensitive, err := parseMode(entityName, f, m, inheritedMode)
	if err != nil {
		return nil, err
	}
	var parts []Expr
	for _, key := range sortedKeys(m) {
		raw := m[key]
		if key == "mode" || value.IsUndefined(raw) {
			continue
		}
		var expr Expr
		switch key {
		case "equals":
			if raw == nil {
				expr = &Cmp{Field: f.Name, Op: OpIsNull}
				break
			}
			v, err := coerceLiteral(entityName, f, raw)
			if err != nil {
				return nil, err
			}
			expr = &Cmp{Field: f.Name, Op: OpEquals, Value: v, Insensitive: insensitive}
		case "not":
			if raw == nil {
				expr = &Cmp{Field: f.Name, Op: OpIsNotNull}
				break
			}
			if nested, ok := value.AsMap(raw); ok {
				sub, err := parseOperators(entityName, f, nested, insensitive)
				if err != nil {
					return nil, err
				}
				if sub == nil {
					expr = &Const{Value: false}
				} else {
					expr = &Not{Expr: sub}
				}
				break
			}
			v, err := coerceLiteral(entityName, f, raw)
			if err != nil {
				return nil, err
			}
			expr = &Cmp{Field: f.Name, Op: OpNotEquals, Value: v, Insensitive: insensitive}
		case "in", "notIn":
			values, err := coerceList(entityName, f, key, raw)
			if err != nil {
				return nil, err
			}
			switch {
			case key == "in" && len(values) == 0:
				expr = &Const{Value: false}
			case key == "notIn" && len(values) == 0:
				expr = &Const{Value: true}
			case key == "in":
				expr = &Cmp{Field: f.Name, Op: OpIn, Values: values, Insensitive: insensitive}
			default:
				expr = &Cmp{Field: f.Name, Op: OpNotIn, Values: values, Insensitive: insensitive}
			}
		case "lt", "lte", "gt", "gte":
			if !f.Kind.IsOrderable() || f.Kind == value.KindBoolean {
				return nil, queryerr.Validation(entityName, "%s is not supported on %s field %s", key, f.Kind, f.Name)
			}
			if raw == nil {
				return nil, queryerr.Validation(entityName, "%s on %s does not accept null", key, f.Name)
			}
			v, err := coerceLiteral(entityName, f, raw)
			if err != nil {
				return nil, err
			}
			expr = &Cmp{Field: f.Name, Op: Op(key), Value: v, Insensitive: insensitive}
		case "contains", "startsWith", "endsWith":
			if f.Kind != value.KindString {
				return nil, queryerr.Validation(entityName, "%s is only supported on String fields, not %s", key, f.Name)
			}
			s, ok := raw.(string)
			if !ok {
				return nil, queryerr.TypeMismatch(entityName, f.Name, fmt.Errorf("%w: %s expects a string, got %T", value.ErrKind, key, raw))
			}
			expr = &Cmp{Field: f.Name, Op: Op(key), Value: s, Insensitive: insensitive}
		default:
			return nil, queryerr.Validation(entityName, "unknown filter operator %q on %s", key, f.Name)
		}
		parts = append(parts, expr)
	}
	return AndOf(parts...), nil
}

func coerceList(entityName string, f *schema.Field, op string, raw any) ([]any, error) {
	list, ok := value.AsList(raw)
	if !ok {
		return nil, queryerr.Validation(entityName, "%s on %s expects a list, got %T", op, f.Name, raw)
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		if item == nil {
			return nil, queryerr.Validation(entityName, "%s on %s does not accept null elements", op, f.Name)
		}
		v, err := coerceLiteral(entityName, f, item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

var jsonOperators = map[string]JSONOp{
	"equals":             JSONEquals,
	"not":                JSONNotEquals,
	"string_contains":    JSONStringContains,
	"string_starts_with": JSONStringStartsWith,
	"string_ends_with":   JSONStringEndsWith,
	"array_contains":     JSONArrayContains,
	"array_starts_with":  JSONArrayStartsWith,
	"array_ends_with":    JSONArrayEndsWith,
	"lt":                 JSONLt,
	"lte":                JSONLte,
	"gt":                 JSONGt,
	"gte":                JSONGte,
}

func parseJSONFilter(entityName string, f *schema.Field, raw any) (Expr, error) {
	m, ok := value.AsMap(raw)
	if !ok {
		return nil, queryerr.Validation(entityName, "Json field %s takes an operator object", f.Name)
	}
	var path []string
	if rawPath, ok := value.Present(m, "path"); ok {
		var err error
		path, err = ParseJSONPath(rawPath)
		if err != nil {
			return nil, queryerr.Validation(entityName, "invalid path on %s: %v", f.Name, err)
		}
	}
	var parts []Expr
	for _, key := range sortedKeys(m) {
		raw := m[key]
		if key == "path" || value.IsUndefined(raw) {
			continue
		}
		op, ok := jsonOperators[key]
		if !ok {
			return nil, queryerr.Validation(entityName, "unknown Json filter operator %q on %s", key, f.Name)
		}
		switch {
		case op == JSONEquals && raw == nil:
			op = JSONIsNull
		case op == JSONNotEquals && raw == nil:
			op = JSONIsNotNull
		}
		switch op {
		case JSONStringContains, JSONStringStartsWith, JSONStringEndsWith:
			if _, ok := raw.(string); !ok {
				return nil, queryerr.TypeMismatch(entityName, f.Name, fmt.Errorf("%w: %s expects a string, got %T", value.ErrKind, key, raw))
			}
		case JSONLt, JSONLte, JSONGt, JSONGte:
			_, isNum := value.ToFloat(raw)
			_, isStr := raw.(string)
			if !isNum && !isStr {
				return nil, queryerr.TypeMismatch(entityName, f.Name, fmt.Errorf("%w: %s expects a number or string, got %T", value.ErrKind, key, raw))
			}
		}
		normalized, err := value.NormalizeJSON(raw)
		if err != nil {
			return nil, queryerr.TypeMismatch(entityName, f.Name, err)
		}
		parts = append(parts, &JSONCmp{Field: f.Name, Path: path, Op: op, Value: normalized})
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return AndOf(parts...), nil
}

// ParseJSONPath accepts a list of keys and indices, a dotted string, or a "$.a.b[0]" string.
func ParseJSONPath(raw any) ([]string, error) {
	if s, ok := raw.(string); ok {
		s = strings.TrimPrefix(s, "$")
		s = strings.TrimPrefix(s, ".")
		s = strings.ReplaceAll(s, "[", ".")
		s = strings.ReplaceAll(s, "]", "")
		if s == "" {
			return nil, nil
		}
		return strings.Split(s, "."), nil
	}
	list, ok := value.AsList(raw)
	if !ok {
		return nil, fmt.Errorf("path must be a list or string, got %T", raw)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch seg := item.(type) {
		case string:
			out = append(out, seg)
		default:
			i, ok := value.AsInt(seg)
			if !ok {
				return nil, fmt.Errorf("path segment %v must be a string or integer", item)
			}
			out = append(out, strconv.Itoa(i))
		}
	}
	return out, nil
}
