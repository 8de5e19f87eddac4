// Package view implements per-subscriber stateful filtering: rows enter a
// subscriber's visible set through a match predicate, leave it through a
// separate (possibly weaker) unmatch predicate, and the transitions are
// surfaced as synthetic INSERT and DELETE events.
package view

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/tycoworks/tycostream-sub001/internal/schema"
)

// Predicate is a compiled row predicate. Evaluate never runs user code;
// predicates are compiled offline from a structured condition tree.
type Predicate struct {
	// Evaluate reports whether the row satisfies the predicate.
	Evaluate func(row schema.Row) (bool, error)
	// Fields lists every field the predicate reads. Load-bearing for
	// the update short-circuit: an UPDATE touching none of these fields
	// cannot change the predicate's result.
	Fields map[string]bool
	// Expression is a human-readable rendering for logs.
	Expression string
}

// Negate returns the logical negation of a predicate over the same
// fields.
func (p *Predicate) Negate() *Predicate {
	return &Predicate{
		Evaluate: func(row schema.Row) (bool, error) {
			ok, err := p.Evaluate(row)
			return !ok, err
		},
		Fields:     p.Fields,
		Expression: fmt.Sprintf("NOT (%s)", p.Expression),
	}
}

// Condition is a structured predicate tree in the GraphQL where-input
// shape: field names map to operator objects, and _and/_or/_not combine
// subtrees.
//
//	{"value": {"_gte": 100}, "_or": [{"status": {"_eq": "open"}}]}
type Condition map[string]any

// Compile turns a condition tree into a predicate.
func Compile(cond Condition) (*Predicate, error) {
	if len(cond) == 0 {
		return nil, fmt.Errorf("empty condition")
	}

	preds := make([]*Predicate, 0, len(cond))
	keys := make([]string, 0, len(cond))
	for k := range cond {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := cond[key]
		switch key {
		case "_and", "_or":
			subs, err := compileList(key, value)
			if err != nil {
				return nil, err
			}
			preds = append(preds, combine(key, subs))
		case "_not":
			subCond, ok := toCondition(value)
			if !ok {
				return nil, fmt.Errorf("_not expects a condition object")
			}
			sub, err := Compile(subCond)
			if err != nil {
				return nil, err
			}
			preds = append(preds, sub.Negate())
		default:
			ops, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("field %s: expected operator object, got %T", key, value)
			}
			sub, err := compileField(key, ops)
			if err != nil {
				return nil, err
			}
			preds = append(preds, sub)
		}
	}

	if len(preds) == 1 {
		return preds[0], nil
	}
	return combine("_and", preds), nil
}

func compileList(op string, value any) ([]*Predicate, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s expects a list of conditions", op)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s expects a non-empty list", op)
	}
	preds := make([]*Predicate, 0, len(items))
	for _, item := range items {
		subCond, ok := toCondition(item)
		if !ok {
			return nil, fmt.Errorf("%s expects condition objects", op)
		}
		sub, err := Compile(subCond)
		if err != nil {
			return nil, err
		}
		preds = append(preds, sub)
	}
	return preds, nil
}

func toCondition(v any) (Condition, bool) {
	switch c := v.(type) {
	case Condition:
		return c, true
	case map[string]any:
		return Condition(c), true
	}
	return nil, false
}

func combine(op string, preds []*Predicate) *Predicate {
	fields := make(map[string]bool)
	exprs := make([]string, 0, len(preds))
	for _, p := range preds {
		for f := range p.Fields {
			fields[f] = true
		}
		exprs = append(exprs, p.Expression)
	}

	joiner := " AND "
	all := true
	if op == "_or" {
		joiner = " OR "
		all = false
	}

	return &Predicate{
		Evaluate: func(row schema.Row) (bool, error) {
			for _, p := range preds {
				ok, err := p.Evaluate(row)
				if err != nil {
					return false, err
				}
				if ok != all {
					return !all, nil
				}
			}
			return all, nil
		},
		Fields:     fields,
		Expression: "(" + strings.Join(exprs, joiner) + ")",
	}
}

func compileField(field string, ops map[string]any) (*Predicate, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("field %s: no operators", field)
	}

	checks := make([]func(any) (bool, error), 0, len(ops))
	exprs := make([]string, 0, len(ops))

	opNames := make([]string, 0, len(ops))
	for op := range ops {
		opNames = append(opNames, op)
	}
	sort.Strings(opNames)

	for _, op := range opNames {
		arg := ops[op]
		check, expr, err := compileOperator(field, op, arg)
		if err != nil {
			return nil, err
		}
		checks = append(checks, check)
		exprs = append(exprs, expr)
	}

	return &Predicate{
		Evaluate: func(row schema.Row) (bool, error) {
			value := row[field]
			for _, check := range checks {
				ok, err := check(value)
				if err != nil {
					return false, fmt.Errorf("field %s: %w", field, err)
				}
				if !ok {
					return false, nil
				}
			}
			return true, nil
		},
		Fields:     map[string]bool{field: true},
		Expression: strings.Join(exprs, " AND "),
	}, nil
}

func compileOperator(field, op string, arg any) (func(any) (bool, error), string, error) {
	expr := fmt.Sprintf("%s %s %v", field, strings.TrimPrefix(op, "_"), arg)
	switch op {
	case "_eq":
		return func(v any) (bool, error) { return valuesEqual(v, arg), nil }, expr, nil
	case "_neq":
		return func(v any) (bool, error) { return !valuesEqual(v, arg), nil }, expr, nil
	case "_gt":
		return orderedCheck(arg, func(c int) bool { return c > 0 }), expr, nil
	case "_gte":
		return orderedCheck(arg, func(c int) bool { return c >= 0 }), expr, nil
	case "_lt":
		return orderedCheck(arg, func(c int) bool { return c < 0 }), expr, nil
	case "_lte":
		return orderedCheck(arg, func(c int) bool { return c <= 0 }), expr, nil
	case "_in", "_nin":
		items, ok := arg.([]any)
		if !ok {
			return nil, "", fmt.Errorf("field %s: %s expects a list", field, op)
		}
		want := op == "_in"
		return func(v any) (bool, error) {
			for _, item := range items {
				if valuesEqual(v, item) {
					return want, nil
				}
			}
			return !want, nil
		}, expr, nil
	case "_is_null":
		wantNull, ok := arg.(bool)
		if !ok {
			return nil, "", fmt.Errorf("field %s: _is_null expects a boolean", field)
		}
		return func(v any) (bool, error) { return (v == nil) == wantNull, nil }, expr, nil
	}
	return nil, "", fmt.Errorf("field %s: unknown operator %s", field, op)
}

func orderedCheck(arg any, accept func(int) bool) func(any) (bool, error) {
	return func(v any) (bool, error) {
		c, err := compareValues(v, arg)
		if err != nil {
			return false, err
		}
		return accept(c), nil
	}
}

// valuesEqual compares a row value against a condition argument,
// coercing numeric types so int8 columns match JSON numbers.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compareValues(a, b any) (int, error) {
	if a == nil || b == nil {
		return 0, fmt.Errorf("cannot order null value")
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
