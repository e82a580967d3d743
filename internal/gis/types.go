// Package gis provides the business logic for runtime-defined GIS tables:
// the table catalog, schema introspection, the dynamic query/mutation
// engine, and the file import pipeline. The package has no HTTP
// dependencies and is consumed by internal/web.
package gis

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// DB extends DBTX with transaction support. Satisfied by *pgxpool.Pool.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// LogicalTable is one entry in the table catalog. A leaf entry is backed
// by a physical data table; a folder entry is a pure grouping construct
// that still occupies a catalog row whose PhysicalName equals the
// folder's registry key.
type LogicalTable struct {
	ID           int
	PhysicalName string
	IsFolder     bool
	ParentID     *int
}

// Folder groups catalog entries. Its Name matches the PhysicalName of the
// folder's own LogicalTable row.
type Folder struct {
	ID   int
	Name string
}

// ScalarKind classifies a physical column for type-aware filtering and
// literal formatting.
type ScalarKind string

const (
	KindJSON     ScalarKind = "json"
	KindNumeric  ScalarKind = "numeric"
	KindInteger  ScalarKind = "integer"
	KindDate     ScalarKind = "date"
	KindDateTime ScalarKind = "datetime"
	KindGeometry ScalarKind = "geometry"
	KindBoolean  ScalarKind = "boolean"
	KindString   ScalarKind = "string"
)

// IsNumeric reports whether values of this kind are embedded as SQL
// numbers rather than quoted literals.
func (k ScalarKind) IsNumeric() bool {
	return k == KindNumeric || k == KindInteger
}

// Column describes one physical column of a leaf table.
type Column struct {
	Name string
	Kind ScalarKind
}

// TableSchema is the resolved shape of one physical leaf table, built once
// per request by the Resolver and threaded explicitly through the Engine.
type TableSchema struct {
	PhysicalName string
	Columns      []Column
	HasGeometry  bool

	// GeometryType is the display geometry kind ("Point", "Polygon", ...)
	// with Multi-variants folded to their singular family. Empty when the
	// table has no geometry column or no declared type could be resolved.
	GeometryType string
}

// HasColumn reports whether the schema contains a column with the given name.
func (s *TableSchema) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Kind returns the scalar kind of the named column, or KindString if the
// column is unknown.
func (s *TableSchema) Kind(name string) ScalarKind {
	for _, c := range s.Columns {
		if c.Name == name {
			return c.Kind
		}
	}
	return KindString
}

// ColumnNames returns the column names in catalog order.
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// FieldMeta is per-column metadata returned by the fields endpoint:
// frontend-facing type, value range for numeric columns, geometry kind
// for the geometry column, and localized column aliases.
type FieldMeta struct {
	Type         ScalarKind        `json:"type"`
	Min          *float64          `json:"min,omitempty"`
	Max          *float64          `json:"max,omitempty"`
	GeometryType string            `json:"geometry_type,omitempty"`
	Alias        map[string]string `json:"alias"`
}

// AttributeFilter is one entry of the JSON body's attribute filter list.
type AttributeFilter struct {
	Field string          `json:"field"`
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value"`
}

// DefaultPageSize is the page size applied when the request carries no
// explicit limit.
const DefaultPageSize = 50

// ListRequest is the parsed form of the untrusted filter/sort/pagination
// parameters accepted by List.
type ListRequest struct {
	SortBy   string // empty means order by gis_id only
	SortDesc bool

	MaskField   string // LIKE filter target; empty means no mask
	MaskPattern string

	Limit int // effective page size; DefaultPageSize when unset
	Page  int // 0 means pagination is off and the full set is returned

	AsArray bool // array-shaped output instead of gis_id-keyed mapping

	Attributes []AttributeFilter
	Spatial    json.RawMessage // GeoJSON geometry for ST_Intersects, SRID 4326
}

// EffectiveLimit returns the page size used for pagination and page-count
// computation.
func (r *ListRequest) EffectiveLimit() int {
	if r.Limit > 0 {
		return r.Limit
	}
	return DefaultPageSize
}

// ListResult is the outcome of a List call. Data is the JSON document
// shaped by the database: an array of row objects when AsArray was set,
// otherwise an object keyed by gis_id. Borders is the aggregate bounding
// box [minX, minY, maxX, maxY] over every matching geometry, nil for
// non-spatial tables or empty results.
type ListResult struct {
	Data    json.RawMessage
	Pages   int
	Borders []float64
}

// RowResult is a single row plus its own geometry bounds.
type RowResult struct {
	Data    json.RawMessage
	Borders []float64
}

// FieldSpec declares one column of an explicitly created table.
type FieldSpec struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Alias string `json:"alias,omitempty"`
}

// EmptyTableSpec is the request body for the empty-table creation variant.
type EmptyTableSpec struct {
	GeometryType string      `json:"geometry_type,omitempty"`
	Alias        string      `json:"alias,omitempty"`
	Locale       string      `json:"locale,omitempty"`
	Fields       []FieldSpec `json:"fields"`
}

// ImportResult identifies the table created by an import.
type ImportResult struct {
	TableID int               `json:"id"`
	Alias   map[string]string `json:"alias"`
}

// splitPhysical splits a possibly schema-qualified physical name into its
// schema and relation parts. Unqualified names fall back to "public".
func splitPhysical(name string) (schema, table string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "public", name
}

// quoteIdentifier quotes a SQL identifier to prevent injection.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteQualified quotes a possibly schema-qualified relation name.
func quoteQualified(name string) string {
	schema, table := splitPhysical(name)
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}
