package gis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// geometryTypeNames lists the recognized geometry kinds in display casing.
var geometryTypeNames = []string{
	"Geometry", "Point", "Polygon", "LineString", "MultiLineString",
	"MultiPolygon", "MultiPoint", "PolyhedralSurface", "Triangle", "Tin",
	"GeometryCollection",
}

// IsGeometryType reports whether name (case-insensitive) is a recognized
// geometry kind.
func IsGeometryType(name string) bool {
	for _, t := range geometryTypeNames {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// Resolver discovers the runtime shape of physical tables from the
// information_schema and PostGIS catalogs.
type Resolver struct {
	db DBTX
}

// NewResolver creates a Resolver backed by db.
func NewResolver(db DBTX) *Resolver {
	return &Resolver{db: db}
}

// GeometryTypeOf returns the display geometry kind of a table's geom
// column, or "" when the table has no geometry column, is not present in
// the spatial catalog, or is empty while declared as generic GEOMETRY.
// A missing relation is treated as "no geometry", never as an error.
func (r *Resolver) GeometryTypeOf(ctx context.Context, physicalName string) (string, error) {
	_, table := splitPhysical(physicalName)

	var declared *string
	err := r.db.QueryRow(ctx, `
		SELECT type::text FROM geometry_columns
		WHERE f_table_schema = 'public'
		  AND f_table_name = $1
		  AND f_geometry_column = 'geom'`, table).Scan(&declared)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUndefinedRelation(err) {
			return "", nil
		}
		return "", wrapStorage(err)
	}
	if declared == nil || *declared == "" {
		return "", nil
	}

	if *declared == "GEOMETRY" {
		// Generic column type: sample one row and derive the concrete
		// kind from its encoded shape.
		return r.sampleGeometryType(ctx, physicalName)
	}

	for _, t := range geometryTypeNames {
		if strings.EqualFold(t, *declared) {
			return t, nil
		}
	}
	return *declared, nil
}

// sampleGeometryType reads one geometry value and reports its GeoJSON
// type, folding a Multi-variant to its singular family for display.
func (r *Resolver) sampleGeometryType(ctx context.Context, physicalName string) (string, error) {
	var raw *string
	q := fmt.Sprintf("SELECT ST_AsGeoJSON(geom) FROM %s WHERE geom IS NOT NULL LIMIT 1", quoteQualified(physicalName))
	err := r.db.QueryRow(ctx, q).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUndefinedRelation(err) {
			return "", nil
		}
		return "", wrapStorage(err)
	}
	if raw == nil {
		return "", nil
	}

	var geo struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(*raw), &geo); err != nil {
		return "", nil
	}
	return strings.TrimPrefix(geo.Type, "Multi"), nil
}

// Schema resolves the full column shape of a physical leaf table,
// including its geometry kind when a geom column exists.
func (r *Resolver) Schema(ctx context.Context, physicalName string) (*TableSchema, error) {
	_, table := splitPhysical(physicalName)

	rows, err := r.db.Query(ctx, `
		SELECT column_name, udt_name
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	schema := &TableSchema{PhysicalName: physicalName}
	for rows.Next() {
		var name, udt string
		if err := rows.Scan(&name, &udt); err != nil {
			return nil, wrapStorage(err)
		}
		kind := scalarKindOf(udt)
		schema.Columns = append(schema.Columns, Column{Name: name, Kind: kind})
		if kind == KindGeometry {
			schema.HasGeometry = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage(err)
	}
	if len(schema.Columns) == 0 {
		// The catalog still names the table but the relation is gone:
		// a storage-side inconsistency, not a missing catalog entry.
		return nil, &Error{Class: ClassStorageRejected, Message: "not found table in db"}
	}

	if schema.HasGeometry {
		gt, err := r.GeometryTypeOf(ctx, physicalName)
		if err != nil {
			return nil, err
		}
		schema.GeometryType = gt
	}
	return schema, nil
}

// ColumnRange returns the MIN and MAX of a numeric column. Either value
// is nil for an empty table.
func (r *Resolver) ColumnRange(ctx context.Context, physicalName, column string) (min, max *float64, err error) {
	q := fmt.Sprintf("SELECT MIN(%s)::float8, MAX(%s)::float8 FROM %s",
		quoteIdentifier(column), quoteIdentifier(column), quoteQualified(physicalName))
	if err := r.db.QueryRow(ctx, q).Scan(&min, &max); err != nil {
		return nil, nil, wrapStorage(err)
	}
	return min, max, nil
}

// scalarKindOf maps a storage type name (udt_name) to a ScalarKind by
// prefix/substring matching. The match order matters: "time" would also
// match "timestamp", and geometry type names contain no other keyword.
func scalarKindOf(udtName string) ScalarKind {
	t := strings.ToLower(udtName)
	switch {
	case strings.Contains(t, "json"):
		return KindJSON
	case strings.Contains(t, "float"), strings.Contains(t, "numeric"):
		return KindNumeric
	case strings.Contains(t, "int"):
		return KindInteger
	case t == "date":
		return KindDate
	case strings.Contains(t, "time"):
		return KindDateTime
	case strings.Contains(t, "geom"):
		return KindGeometry
	case strings.Contains(t, "bool"):
		return KindBoolean
	default:
		return KindString
	}
}

// isUndefinedRelation reports whether err is Postgres "relation does not
// exist" (missing table or missing PostGIS catalog).
func isUndefinedRelation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
