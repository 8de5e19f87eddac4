package graphqlws

import (
	"fmt"
	"sort"
	"time"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"

	"github.com/tycoworks/tycostream-sub001/internal/hub"
	"github.com/tycoworks/tycostream-sub001/internal/schema"
	"github.com/tycoworks/tycostream-sub001/internal/view"
)

// LoadSchema compiles the generated SDL into a queryable schema.
func LoadSchema(sources map[string]*schema.SourceDefinition) (*ast.Schema, error) {
	sdl := GenerateSDL(sources)
	loaded, err := gqlparser.LoadSchema(&ast.Source{Name: "tycostream.graphql", Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("load generated schema: %w", err)
	}
	return loaded, nil
}

// SubscriptionRequest is a parsed, validated subscription operation
// bound to one source.
type SubscriptionRequest struct {
	Source  string
	Alias   string
	Where   view.Condition
	Unmatch view.Condition

	field *ast.Field
	vars  map[string]any
}

// ParseSubscription parses and validates a subscription document and
// resolves its single root field against the schema.
func ParseSubscription(gqlSchema *ast.Schema, query, operationName string, vars map[string]any) (*SubscriptionRequest, error) {
	doc, parseErr := parser.ParseQuery(&ast.Source{Input: query})
	if parseErr != nil {
		return nil, fmt.Errorf("parse query: %w", parseErr)
	}
	if errs := validator.Validate(gqlSchema, doc); len(errs) > 0 {
		return nil, fmt.Errorf("invalid query: %w", errs)
	}

	op := doc.Operations.ForName(operationName)
	if op == nil {
		return nil, fmt.Errorf("operation %q not found", operationName)
	}
	if op.Operation != ast.Subscription {
		return nil, fmt.Errorf("expected a subscription operation, got %s", op.Operation)
	}

	fields := op.SelectionSet
	if len(fields) != 1 {
		return nil, fmt.Errorf("subscriptions must select exactly one field")
	}
	field, ok := fields[0].(*ast.Field)
	if !ok {
		return nil, fmt.Errorf("subscriptions must select a plain field")
	}

	req := &SubscriptionRequest{
		Source: field.Name,
		Alias:  field.Alias,
		field:  field,
		vars:   vars,
	}
	if req.Alias == "" {
		req.Alias = field.Name
	}

	for _, arg := range field.Arguments {
		value, err := arg.Value.Value(vars)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", arg.Name, err)
		}
		if value == nil {
			continue
		}
		cond, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("argument %s: expected a condition object, got %T", arg.Name, value)
		}
		switch arg.Name {
		case "where":
			req.Where = view.Condition(cond)
		case "unmatch":
			req.Unmatch = view.Condition(cond)
		}
	}

	return req, nil
}

// Filter compiles the request's where/unmatch conditions, or returns nil
// when the subscription is unfiltered.
func (r *SubscriptionRequest) Filter() (*view.Filter, error) {
	if len(r.Where) == 0 {
		if len(r.Unmatch) > 0 {
			return nil, fmt.Errorf("unmatch requires where")
		}
		return nil, nil
	}
	match, err := view.Compile(r.Where)
	if err != nil {
		return nil, fmt.Errorf("compile where: %w", err)
	}
	var unmatch *view.Predicate
	if len(r.Unmatch) > 0 {
		if unmatch, err = view.Compile(r.Unmatch); err != nil {
			return nil, fmt.Errorf("compile unmatch: %w", err)
		}
	}
	return view.NewFilter(match, unmatch), nil
}

// Shape renders one event into the response object for this request's
// selection set, honoring field aliases.
func (r *SubscriptionRequest) Shape(ev hub.Event) map[string]any {
	result := make(map[string]any)
	for _, sel := range r.field.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		alias := field.Alias
		if alias == "" {
			alias = field.Name
		}
		switch field.Name {
		case "operation":
			result[alias] = ev.Kind.String()
		case "fields":
			names := make([]string, 0, len(ev.Fields))
			for f := range ev.Fields {
				names = append(names, f)
			}
			sort.Strings(names)
			result[alias] = names
		case "data":
			result[alias] = projectRow(ev.Row, field.SelectionSet)
		case "__typename":
			result[alias] = r.Source + "_event"
		}
	}
	return result
}

// projectRow restricts a row to the requested columns.
func projectRow(row schema.Row, selections ast.SelectionSet) map[string]any {
	projected := make(map[string]any, len(selections))
	for _, sel := range selections {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		alias := field.Alias
		if alias == "" {
			alias = field.Name
		}
		if field.Name == "__typename" {
			continue
		}
		projected[alias] = jsonValue(row[field.Name])
	}
	return projected
}

// jsonValue converts decoded row values into JSON-friendly forms.
func jsonValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339Nano)
	}
	return v
}
