// Package graphqlws exposes the source hubs as GraphQL subscriptions
// over the graphql-transport-ws websocket protocol. The schema is
// derived from the source catalog at startup; there is no generated
// resolver code.
package graphqlws

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tycoworks/tycostream-sub001/internal/schema"
)

// GenerateSDL renders the GraphQL schema for the configured sources.
// Every source contributes a row type and a subscription field that
// streams row update events, optionally filtered by a JSON condition.
func GenerateSDL(sources map[string]*schema.SourceDefinition) string {
	var b strings.Builder

	b.WriteString("scalar JSON\n\n")
	b.WriteString("enum RowOperation {\n  INSERT\n  UPDATE\n  DELETE\n}\n\n")
	b.WriteString("type Query {\n  sources: [String!]!\n}\n\n")

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		source := sources[name]
		b.WriteString(fmt.Sprintf("type %s {\n", name))
		for _, col := range source.Columns {
			nonNull := ""
			if col.Name == source.PrimaryKey {
				nonNull = "!"
			}
			b.WriteString(fmt.Sprintf("  %s: %s%s\n", col.Name, graphqlType(col.Type), nonNull))
		}
		b.WriteString("}\n\n")

		b.WriteString(fmt.Sprintf("type %s_event {\n", name))
		b.WriteString("  operation: RowOperation!\n")
		b.WriteString(fmt.Sprintf("  data: %s!\n", name))
		b.WriteString("  fields: [String!]!\n")
		b.WriteString("}\n\n")
	}

	b.WriteString("type Subscription {\n")
	for _, name := range names {
		b.WriteString(fmt.Sprintf("  %s(where: JSON, unmatch: JSON): %s_event!\n", name, name))
	}
	b.WriteString("}\n")

	return b.String()
}

// graphqlType maps a SQL column type onto a GraphQL scalar.
func graphqlType(sqlType string) string {
	switch sqlType {
	case "int2", "smallint", "int4", "int", "integer", "int8", "bigint":
		return "Int"
	case "float4", "real", "float8", "double", "double precision", "numeric":
		return "Float"
	case "bool", "boolean":
		return "Boolean"
	case "json", "jsonb":
		return "JSON"
	}
	return "String"
}
