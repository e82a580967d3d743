package gis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// fieldKindSQL maps the creatable field kinds to their column types for
// the empty-table creation variant.
var fieldKindSQL = map[string]string{
	"boolean": "boolean",
	"integer": "integer",
	"numeric": "numeric",
	"decimal": "double precision",
	"string":  "varchar",
	"time":    "timestamptz",
}

// alterKindSQL is the narrower kind set accepted when altering an
// existing table; decimal exists only at creation time.
var alterKindSQL = map[string]string{
	"boolean": "boolean",
	"integer": "integer",
	"numeric": "numeric",
	"string":  "varchar",
	"time":    "timestamptz",
}

// Engine builds and executes queries against tables whose shape is only
// known at runtime. Every identifier it interpolates is first whitelisted
// against the resolved column set; every literal is parameterized.
type Engine struct {
	db       DB
	resolver *Resolver
	registry *Registry
	att      attachments
}

// NewEngine creates an Engine.
func NewEngine(db DB, resolver *Resolver, registry *Registry) *Engine {
	return &Engine{db: db, resolver: resolver, registry: registry}
}

// selectColumns returns the projection for a schema, with the geometry
// column emitted as GeoJSON so rows are JSON-shapeable end to end.
func selectColumns(schema *TableSchema) []string {
	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		if c.Kind == KindGeometry {
			cols[i] = fmt.Sprintf("ST_AsGeoJSON(%s)::json AS %s", quoteIdentifier(c.Name), quoteIdentifier(c.Name))
		} else {
			cols[i] = quoteIdentifier(c.Name)
		}
	}
	return cols
}

// buildListQuery assembles the row query for a list request. The result
// is shaped by the database itself: a JSON array when asArray is set,
// otherwise a JSON object keyed by gis_id.
func buildListQuery(schema *TableSchema, req *ListRequest) (string, []interface{}, error) {
	conds, err := req.conditions(schema)
	if err != nil {
		return "", nil, err
	}
	order, err := req.orderClauses(schema)
	if err != nil {
		return "", nil, err
	}

	inner := sq.Select(selectColumns(schema)...).
		From(quoteQualified(schema.PhysicalName)).
		OrderBy(order...)
	if len(conds) > 0 {
		inner = inner.Where(conds)
	}
	if req.Page > 0 {
		limit := req.EffectiveLimit()
		inner = inner.Limit(uint64(limit)).Offset(uint64(limit * (req.Page - 1)))
	}

	innerSQL, args, err := inner.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build list query: %w", err)
	}

	var shaped string
	if req.AsArray {
		shaped = fmt.Sprintf(
			"WITH q AS (%s) SELECT COALESCE(json_agg(q), '[]'::json)::text FROM q", innerSQL)
	} else {
		shaped = fmt.Sprintf(
			"WITH q AS (%s) SELECT COALESCE(json_object_agg(q.gis_id, row_to_json(q)), '{}'::json)::text FROM q", innerSQL)
	}
	return shaped, args, nil
}

// buildCountQuery counts the rows matching the same WHERE fragment as the
// list query, so page counts stay consistent with the returned page.
func buildCountQuery(schema *TableSchema, req *ListRequest) (string, []interface{}, error) {
	conds, err := req.conditions(schema)
	if err != nil {
		return "", nil, err
	}
	count := sq.Select("COUNT(*)").From(quoteQualified(schema.PhysicalName))
	if len(conds) > 0 {
		count = count.Where(conds)
	}
	return count.PlaceholderFormat(sq.Dollar).ToSql()
}

// buildBordersQuery computes the axis-aligned bounds over every matching
// geometry, reusing the list WHERE fragment.
func buildBordersQuery(schema *TableSchema, conds sq.And) (string, []interface{}, error) {
	inner := sq.Select("box2d(geom)::geometry AS g").From(quoteQualified(schema.PhysicalName))
	if len(conds) > 0 {
		inner = inner.Where(conds)
	}
	innerSQL, args, err := inner.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build borders query: %w", err)
	}
	outer := fmt.Sprintf(
		"SELECT min(ST_XMin(g)), min(ST_YMin(g)), max(ST_XMax(g)), max(ST_YMax(g)) FROM (%s) gm", innerSQL)
	return outer, args, nil
}

// pageCount derives the number of pages from a row count and page size.
func pageCount(total int64, limit int) int {
	if total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

// List returns the rows matching req plus the page count and, for spatial
// tables, the aggregate bounding box over the full matching set.
func (e *Engine) List(ctx context.Context, table LogicalTable, req *ListRequest) (*ListResult, error) {
	if table.IsFolder {
		return nil, ErrFolderOperation
	}
	schema, err := e.resolver.Schema(ctx, table.PhysicalName)
	if err != nil {
		return nil, err
	}

	countSQL, countArgs, err := buildCountQuery(schema, req)
	if err != nil {
		return nil, err
	}
	var total int64
	if err := e.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, wrapStorage(err)
	}

	dataSQL, dataArgs, err := buildListQuery(schema, req)
	if err != nil {
		return nil, err
	}
	var data string
	if err := e.db.QueryRow(ctx, dataSQL, dataArgs...).Scan(&data); err != nil {
		return nil, wrapStorage(err)
	}

	result := &ListResult{
		Data:  json.RawMessage(data),
		Pages: pageCount(total, req.EffectiveLimit()),
	}

	if schema.HasGeometry && total > 0 {
		conds, err := req.conditions(schema)
		if err != nil {
			return nil, err
		}
		borders, err := e.queryBorders(ctx, schema, conds)
		if err != nil {
			return nil, err
		}
		result.Borders = borders
	}
	return result, nil
}

// queryBorders executes the bounds reduction and returns nil when no
// geometry contributed to it.
func (e *Engine) queryBorders(ctx context.Context, schema *TableSchema, conds sq.And) ([]float64, error) {
	q, args, err := buildBordersQuery(schema, conds)
	if err != nil {
		return nil, err
	}
	var minX, minY, maxX, maxY *float64
	if err := e.db.QueryRow(ctx, q, args...).Scan(&minX, &minY, &maxX, &maxY); err != nil {
		return nil, wrapStorage(err)
	}
	if minX == nil || minY == nil || maxX == nil || maxY == nil {
		return nil, nil
	}
	return []float64{*minX, *minY, *maxX, *maxY}, nil
}

// GetOne fetches a single row by primary key together with its own
// geometry bounds.
func (e *Engine) GetOne(ctx context.Context, table LogicalTable, gisID int) (*RowResult, error) {
	if table.IsFolder {
		return nil, ErrFolderOperation
	}
	schema, err := e.resolver.Schema(ctx, table.PhysicalName)
	if err != nil {
		return nil, err
	}

	inner := sq.Select(selectColumns(schema)...).
		From(quoteQualified(schema.PhysicalName)).
		Where(sq.Eq{"gis_id": gisID})
	innerSQL, args, err := inner.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build row query: %w", err)
	}

	shaped := fmt.Sprintf("WITH q AS (%s) SELECT COALESCE(json_agg(q), '[]'::json)::text FROM q", innerSQL)
	var data string
	if err := e.db.QueryRow(ctx, shaped, args...).Scan(&data); err != nil {
		return nil, wrapStorage(err)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	if len(rows) == 0 {
		return nil, NotFoundf("record not found")
	}

	result := &RowResult{Data: rows[0]}
	if schema.HasGeometry {
		conds := sq.And{sq.Eq{"gis_id": gisID}}
		borders, err := e.queryBorders(ctx, schema, conds)
		if err != nil {
			return nil, err
		}
		result.Borders = borders
	}
	return result, nil
}

// insertValue converts one request field into a bindable value or SQL
// expression for the given column kind.
func insertValue(name string, raw json.RawMessage, kind ScalarKind) (interface{}, error) {
	if name == "geom" {
		return sq.Expr("ST_SetSRID(ST_GeomFromGeoJSON(?), 4326)", string(raw)), nil
	}

	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		// Object-valued fields are stored as encoded JSON text.
		return string(raw), nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, BadRequestf("failed request: invalid value for field %s", name)
	}

	// Date columns accept a Unix-timestamp number, converted server-side.
	if n, ok := v.(float64); ok && (kind == KindDate || kind == KindDateTime) {
		return sq.Expr("to_timestamp(?)", n), nil
	}
	return v, nil
}

// Insert creates one row from client-supplied field values and returns
// the generated primary key.
func (e *Engine) Insert(ctx context.Context, table LogicalTable, fields map[string]json.RawMessage) (int, error) {
	if table.IsFolder {
		return 0, ErrFolderOperation
	}
	if len(fields) == 0 {
		return 0, BadRequestf("failed request")
	}
	schema, err := e.resolver.Schema(ctx, table.PhysicalName)
	if err != nil {
		return 0, err
	}

	ins := sq.Insert(quoteQualified(schema.PhysicalName))
	var cols []string
	var vals []interface{}
	for _, name := range sortedKeys(fields) {
		raw := fields[name]
		if name == "gis_id" {
			return 0, BadRequestf("failed request: gis_id already exists")
		}
		if !schema.HasColumn(name) {
			return 0, BadRequestf("failed request: not found field %s", name)
		}
		if name == "geom" {
			if err := checkGeometryType(raw, schema.GeometryType); err != nil {
				return 0, err
			}
		}
		v, err := insertValue(name, raw, schema.Kind(name))
		if err != nil {
			return 0, err
		}
		cols = append(cols, quoteIdentifier(name))
		vals = append(vals, v)
	}

	q, args, err := ins.Columns(cols...).Values(vals...).
		Suffix("RETURNING gis_id").
		PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}

	var id int
	if err := e.db.QueryRow(ctx, q, args...).Scan(&id); err != nil {
		return 0, wrapStorage(err)
	}
	return id, nil
}

// checkGeometryType validates that an incoming GeoJSON geometry declares
// the table's fixed geometry kind.
func checkGeometryType(raw json.RawMessage, want string) error {
	var geo struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &geo); err != nil {
		return BadRequestf("failed request: geom is not valid GeoJSON")
	}
	if want == "" || !strings.EqualFold(geo.Type, want) {
		return BadRequestf("failed request: geom another type")
	}
	return nil
}

// Copy duplicates every column of an existing row except gis_id and
// returns the freshly generated key.
func (e *Engine) Copy(ctx context.Context, table LogicalTable, gisID int) (int, error) {
	if table.IsFolder {
		return 0, ErrFolderOperation
	}
	schema, err := e.resolver.Schema(ctx, table.PhysicalName)
	if err != nil {
		return 0, err
	}

	var cols []string
	for _, c := range schema.Columns {
		if c.Name == "gis_id" {
			continue
		}
		cols = append(cols, quoteIdentifier(c.Name))
	}
	if len(cols) == 0 {
		return 0, BadRequestf("failed request: table has no copyable columns")
	}

	colList := strings.Join(cols, ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE gis_id = $1 RETURNING gis_id",
		quoteQualified(schema.PhysicalName), colList, colList, quoteQualified(schema.PhysicalName))

	var id int
	if err := e.db.QueryRow(ctx, q, gisID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, NotFoundf("not found gis_id")
		}
		return 0, wrapStorage(err)
	}
	return id, nil
}

// Update overwrites the supplied fields of one row. An included gis_id is
// ignored, never updated. The update is unconditional: a non-existent
// gisID affects zero rows and still reports success.
func (e *Engine) Update(ctx context.Context, table LogicalTable, gisID int, fields map[string]json.RawMessage) error {
	if table.IsFolder {
		return ErrFolderOperation
	}
	schema, err := e.resolver.Schema(ctx, table.PhysicalName)
	if err != nil {
		return err
	}

	upd := sq.Update(quoteQualified(schema.PhysicalName))
	assigned := 0
	for _, name := range sortedKeys(fields) {
		if name == "gis_id" {
			continue
		}
		if !schema.HasColumn(name) {
			return BadRequestf("failed request")
		}
		v, err := insertValue(name, fields[name], schema.Kind(name))
		if err != nil {
			return err
		}
		upd = upd.Set(quoteIdentifier(name), v)
		assigned++
	}
	if assigned == 0 {
		return BadRequestf("failed request")
	}

	q, args, err := upd.Where(sq.Eq{"gis_id": gisID}).
		PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	if _, err := e.db.Exec(ctx, q, args...); err != nil {
		return wrapStorage(err)
	}
	return nil
}

// Delete removes one row together with its attachment records, their
// files (best-effort) and its comments, as one logical unit.
func (e *Engine) Delete(ctx context.Context, table LogicalTable, gisID int) error {
	if table.IsFolder {
		return ErrFolderOperation
	}

	var exists bool
	q := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE gis_id = $1)", quoteQualified(table.PhysicalName))
	if err := e.db.QueryRow(ctx, q, gisID).Scan(&exists); err != nil {
		return wrapStorage(err)
	}
	if !exists {
		return NotFoundf("Row not found")
	}

	paths, err := e.att.filePaths(ctx, e.db, table.ID, &gisID)
	if err != nil {
		return err
	}
	if err := e.att.removeFiles(paths); err != nil {
		return err
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return wrapStorage(err)
	}
	defer tx.Rollback(ctx)

	if err := e.att.deleteRowRecords(ctx, tx, table.ID, gisID); err != nil {
		return err
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE gis_id = $1", quoteQualified(table.PhysicalName))
	if _, err := tx.Exec(ctx, del, gisID); err != nil {
		return wrapStorage(err)
	}
	return wrapStorage(tx.Commit(ctx))
}

// DropTable deletes every attachment file of the table (best-effort),
// removes the catalog entry, then drops the physical table.
func (e *Engine) DropTable(ctx context.Context, table LogicalTable) error {
	if table.IsFolder {
		return ErrFolderOperation
	}

	paths, err := e.att.filePaths(ctx, e.db, table.ID, nil)
	if err != nil {
		return err
	}
	if err := e.att.removeFiles(paths); err != nil {
		return err
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return wrapStorage(err)
	}
	defer tx.Rollback(ctx)

	if err := e.registry.DeleteEntry(ctx, tx, table.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DROP TABLE "+quoteQualified(table.PhysicalName)); err != nil {
		return wrapStorage(err)
	}
	return wrapStorage(tx.Commit(ctx))
}

// AddColumns alters the physical table with new columns. Field names are
// sanitized, gis_id specs are silently skipped, and an unrecognized kind
// aborts before any DDL runs. Aliases are written for fields carrying one.
func (e *Engine) AddColumns(ctx context.Context, table LogicalTable, fields []FieldSpec, language string) error {
	if table.IsFolder {
		return ErrFolderOperation
	}

	type pending struct {
		name, sqlType, alias string
	}
	var adds []pending
	for _, f := range fields {
		name := sanitizeColumnName(f.Name)
		if name == "gis_id" {
			continue
		}
		sqlType, ok := alterKindSQL[f.Type]
		if !ok {
			return BadRequestf("not found type of attrs")
		}
		adds = append(adds, pending{name: name, sqlType: sqlType, alias: f.Alias})
	}

	for _, a := range adds {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			quoteQualified(table.PhysicalName), quoteIdentifier(a.name), a.sqlType)
		if _, err := e.db.Exec(ctx, ddl); err != nil {
			return wrapStorage(err)
		}
		if a.alias != "" {
			if err := e.registry.UpsertColumnAlias(ctx, table.ID, a.name, language, a.alias); err != nil {
				return err
			}
		}
	}
	return nil
}

// FieldUpdate is one entry of a bulk field change: a new column, an
// alias change on an existing column, or a drop (disabled).
type FieldUpdate struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Alias    string `json:"alias,omitempty"`
	Locale   string `json:"locale,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// UpdateFields applies a batch of field changes. Existing columns get
// alias updates or are dropped when disabled; unknown names become new
// columns. gis_id entries are skipped.
func (e *Engine) UpdateFields(ctx context.Context, table LogicalTable, updates []FieldUpdate, defaultLocale string) error {
	if table.IsFolder {
		return ErrFolderOperation
	}
	schema, err := e.resolver.Schema(ctx, table.PhysicalName)
	if err != nil {
		return err
	}

	for _, u := range updates {
		name := sanitizeColumnName(u.Name)
		if name == "" || name == "_" {
			return BadRequestf("failed request")
		}
		if name == "gis_id" {
			continue
		}
		locale := u.Locale
		if locale == "" {
			locale = defaultLocale
		}

		if schema.HasColumn(name) {
			if u.Disabled {
				if err := e.DropColumn(ctx, table, name); err != nil {
					return err
				}
			} else if u.Alias != "" {
				if err := e.registry.UpsertColumnAlias(ctx, table.ID, name, locale, u.Alias); err != nil {
					return err
				}
			}
			continue
		}

		spec := []FieldSpec{{Name: u.Name, Type: u.Type, Alias: u.Alias}}
		if err := e.AddColumns(ctx, table, spec, locale); err != nil {
			return err
		}
	}
	return nil
}

// DropColumn removes a column and prunes its aliases for every language.
// gis_id is never alterable and is silently skipped.
func (e *Engine) DropColumn(ctx context.Context, table LogicalTable, name string) error {
	if table.IsFolder {
		return ErrFolderOperation
	}
	name = sanitizeColumnName(name)
	if name == "gis_id" {
		return nil
	}

	ddl := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
		quoteQualified(table.PhysicalName), quoteIdentifier(name))
	if _, err := e.db.Exec(ctx, ddl); err != nil {
		return wrapStorage(err)
	}
	return e.registry.DeleteColumnAliases(ctx, table.ID, name)
}

// Fields returns per-column metadata for the frontend: the display type,
// value range for numeric columns, the geometry kind, and column aliases.
func (e *Engine) Fields(ctx context.Context, table LogicalTable) (map[string]FieldMeta, error) {
	if table.IsFolder {
		return nil, ErrFolderOperation
	}
	schema, err := e.resolver.Schema(ctx, table.PhysicalName)
	if err != nil {
		return nil, err
	}
	colAliases, err := e.registry.ColumnAliases(ctx, table.ID)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]FieldMeta, len(schema.Columns))
	for _, c := range schema.Columns {
		meta := FieldMeta{Type: c.Kind, Alias: colAliases[c.Name]}
		if c.Kind.IsNumeric() {
			min, max, err := e.resolver.ColumnRange(ctx, schema.PhysicalName, c.Name)
			if err != nil {
				return nil, err
			}
			meta.Min, meta.Max = min, max
		}
		if c.Kind == KindGeometry {
			meta.GeometryType = schema.GeometryType
		}
		fields[c.Name] = meta
	}
	return fields, nil
}

// sortedKeys returns map keys in a stable order so generated SQL is
// deterministic.
func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
