// Package schema defines the column type model shared by the resolver, the
// coercer and the storage backends.
//
// A column is always one of four kinds. Where a decision came from is tracked
// separately as an Origin so run logs can explain why a column got its type.
package schema

import (
	"fmt"
	"strings"
)

// TypeKind is the resolved storage kind of a column.
type TypeKind uint8

const (
	Text TypeKind = iota
	Integer
	Float
	Date
)

// Kinds lists every TypeKind in declaration order.
var Kinds = []TypeKind{Text, Integer, Float, Date}

func (k TypeKind) String() string {
	switch k {
	case Text:
		return "text"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case Date:
		return "date"
	default:
		return fmt.Sprintf("TypeKind(%d)", uint8(k))
	}
}

// MarshalText lets TypeKind round-trip through YAML and JSON as its name.
func (k TypeKind) MarshalText() ([]byte, error) {
	if k > Date {
		return nil, fmt.Errorf("schema: invalid type kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *TypeKind) UnmarshalText(b []byte) error {
	v, err := ParseTypeKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseTypeKind maps a type name to a TypeKind.
//
// Besides the canonical names it accepts the aliases that show up in exported
// schemas from dataframe tools and SQL catalogs (int64, bigint, double,
// datetime64, varchar, ...). Matching is case-insensitive and ignores any
// parenthesised size suffix such as varchar(100).
func ParseTypeKind(s string) (TypeKind, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(n, '('); i >= 0 {
		n = strings.TrimSpace(n[:i])
	}
	switch n {
	case "text", "string", "str", "object", "varchar", "nvarchar", "char", "character varying":
		return Text, nil
	case "integer", "int", "int32", "int64", "bigint", "smallint", "long":
		return Integer, nil
	case "float", "float32", "float64", "double", "double precision", "real", "numeric", "decimal":
		return Float, nil
	case "date", "datetime", "datetime64", "datetime64[ns]", "timestamp", "timestamptz":
		return Date, nil
	default:
		return Text, fmt.Errorf("schema: unknown type %q", s)
	}
}

// Origin records which source produced a type decision.
type Origin uint8

const (
	OriginHeuristic Origin = iota
	OriginUploadedSchema
	OriginNamedTemplate
	OriginAdvisor
)

func (o Origin) String() string {
	switch o {
	case OriginHeuristic:
		return "heuristic"
	case OriginUploadedSchema:
		return "uploaded-schema"
	case OriginNamedTemplate:
		return "named-template"
	case OriginAdvisor:
		return "advisor"
	default:
		return fmt.Sprintf("Origin(%d)", uint8(o))
	}
}
