// Package tables manages agent-defined tables inside a tenant namespace.
//
// Agents create tables implicitly by writing to them. The first insert
// provisions a physical table (under a d_ prefix) plus a registry row; the
// column set is inferred from the data and only ever widens. Rows are
// soft-deleted; the registry row is the source of truth for the declared
// schema.
package tables

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	// ErrBadName is returned for table or column names that are not
	// identifier-safe.
	ErrBadName = errors.New("invalid table or column name")
	// ErrNotFound is returned for unknown tables or records.
	ErrNotFound = errors.New("table or record not found")
	// ErrTierLimit is returned when creating a table would exceed the
	// tenant's tier quota.
	ErrTierLimit = errors.New("table quota exceeded for tier")
	// ErrNoColumns is returned when a write carries no usable columns.
	ErrNoColumns = errors.New("record has no columns")
)

// ColumnType tags an inferred column. Types only ever widen:
// integer → real → text; boolean and date collapse to text when mixed.
type ColumnType string

const (
	TypeText    ColumnType = "text"
	TypeInteger ColumnType = "integer"
	TypeReal    ColumnType = "real"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
)

// Column is one declared column of a registered table.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Table is one registry row.
type Table struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Columns     []Column   `json:"columns"`
	RecordCount int64      `json:"record_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Column returns the declared column by name, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// reserved lists names that collide with the namespace's fixed tables. The
// physical d_ prefix already avoids the collision; the registry still
// refuses them so exports and docs stay unambiguous.
var reserved = map[string]bool{
	"profile": true, "profile_versions": true, "memory_meta": true,
	"promote_history": true, "contradictions": true, "table_registry": true,
	"vectors": true, "vector_collections": true, "pending_vectors": true,
	"memory_backlog": true, "entities": true, "edges": true,
	"knowledge_claims": true, "claim_events": true, "consent_rules": true,
	"audit_log": true,
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,61}$`)

// NormalizeName lowercases and validates a table or column name.
func NormalizeName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if !namePattern.MatchString(n) {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return n, nil
}

// NormalizeTableName validates a table name and rejects reserved ones.
func NormalizeTableName(name string) (string, error) {
	n, err := NormalizeName(name)
	if err != nil {
		return "", err
	}
	if reserved[n] {
		return "", fmt.Errorf("%w: %q is reserved", ErrBadName, name)
	}
	return n, nil
}

// physicalName maps a registry name to the physical table identifier.
func physicalName(name string) string { return "d_" + name }

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// InferType classifies one JSON-decoded value. Nil never reaches here;
// callers skip null fields.
func InferType(v any) ColumnType {
	switch x := v.(type) {
	case bool:
		return TypeBoolean
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return TypeInteger
		}
		return TypeReal
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return TypeInteger
		}
		return TypeReal
	case string:
		if datePattern.MatchString(x) {
			if _, err := time.Parse("2006-01-02", x); err == nil {
				return TypeDate
			}
		}
		return TypeText
	default:
		// Objects and arrays are stored JSON-encoded.
		return TypeText
	}
}

// Widen returns the narrowest type that can hold values of both inputs.
// It never narrows: Widen(have, incoming) == have whenever have already
// covers incoming.
func Widen(have, incoming ColumnType) ColumnType {
	if have == incoming {
		return have
	}
	if have == TypeText || incoming == TypeText {
		return TypeText
	}
	if (have == TypeInteger && incoming == TypeReal) || (have == TypeReal && incoming == TypeInteger) {
		return TypeReal
	}
	// boolean/date against anything else has no common numeric shape.
	return TypeText
}

// sqlType maps a column type to its PostgreSQL storage type.
func sqlType(t ColumnType) string {
	switch t {
	case TypeInteger:
		return "BIGINT"
	case TypeReal:
		return "DOUBLE PRECISION"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	default:
		return "TEXT"
	}
}

// CoerceValue converts a JSON-decoded value into the Go value to bind for a
// column of type t. Lossless upcasts only; anything that does not fit the
// column's type is stored as its JSON text.
func CoerceValue(v any, t ColumnType) any {
	switch t {
	case TypeInteger:
		switch x := v.(type) {
		case float64:
			return int64(x)
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i
			}
		}
	case TypeReal:
		switch x := v.(type) {
		case float64:
			return x
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f
			}
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b
		}
	case TypeDate:
		if s, ok := v.(string); ok {
			if d, err := time.Parse("2006-01-02", s); err == nil {
				return d
			}
		}
	case TypeText:
		if s, ok := v.(string); ok {
			return s
		}
	}
	return jsonText(v)
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// PlanColumns validates the record's field names and computes, against the
// declared columns, which columns must be added and which must widen. The
// returned adds/widens preserve the record's iteration-independent order
// (sorted by name) so DDL is deterministic.
func PlanColumns(declared []Column, record map[string]any) (adds, widens []Column, err error) {
	byName := make(map[string]ColumnType, len(declared))
	for _, c := range declared {
		byName[c.Name] = c.Type
	}

	names := make([]string, 0, len(record))
	for k := range record {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		v := record[k]
		if v == nil {
			continue
		}
		name, nerr := NormalizeName(k)
		if nerr != nil {
			return nil, nil, nerr
		}
		if isBaseColumn(name) {
			return nil, nil, fmt.Errorf("%w: %q is a system column", ErrBadName, k)
		}
		incoming := InferType(v)
		have, exists := byName[name]
		if !exists {
			adds = append(adds, Column{Name: name, Type: incoming})
			byName[name] = incoming
			continue
		}
		if w := Widen(have, incoming); w != have {
			widens = append(widens, Column{Name: name, Type: w})
			byName[name] = w
		}
	}
	return adds, widens, nil
}

// isBaseColumn reports whether the name is one of the bookkeeping columns
// every dynamic table carries.
func isBaseColumn(name string) bool {
	switch name {
	case "id", "created_at", "updated_at", "deleted_at", "meta_ref":
		return true
	}
	return false
}
