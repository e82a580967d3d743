package gis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
)

// ExportFile points at a finished GeoJSON export on disk.
type ExportFile struct {
	Path string // absolute or exportDir-relative location of the file
	Name string // suggested download name, without extension
}

type exportFeature struct {
	Type       string                 `json:"type"`
	Geometry   interface{}            `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type exportCollection struct {
	Type     string          `json:"type"`
	Features []exportFeature `json:"features"`
}

// Export writes the full table as a GeoJSON FeatureCollection file. Each
// feature's geometry is popped from its row; the remaining columns become
// the feature properties. Rows without geometry export with a null
// geometry member.
func (e *Engine) Export(ctx context.Context, table LogicalTable, exportDir string) (*ExportFile, error) {
	if table.IsFolder {
		return nil, ErrFolderOperation
	}
	schema, err := e.resolver.Schema(ctx, table.PhysicalName)
	if err != nil {
		return nil, err
	}

	inner := sq.Select(selectColumns(schema)...).
		From(quoteQualified(schema.PhysicalName)).
		OrderBy("gis_id")
	innerSQL, args, err := inner.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build export query: %w", err)
	}

	shaped := fmt.Sprintf("WITH q AS (%s) SELECT COALESCE(json_agg(q), '[]'::json)::text FROM q", innerSQL)
	var data string
	if err := e.db.QueryRow(ctx, shaped, args...).Scan(&data); err != nil {
		return nil, wrapStorage(err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, fmt.Errorf("decode export rows: %w", err)
	}

	fc := exportCollection{Type: "FeatureCollection", Features: make([]exportFeature, 0, len(rows))}
	for _, row := range rows {
		geom := row["geom"]
		delete(row, "geom")
		fc.Features = append(fc.Features, exportFeature{
			Type:       "Feature",
			Geometry:   geom,
			Properties: row,
		})
	}

	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	name := newExportName()
	path := filepath.Join(exportDir, name+".geojson")

	encoded, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("encode feature collection: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return nil, fmt.Errorf("write export file: %w", err)
	}

	return &ExportFile{Path: path, Name: name}, nil
}
