package gis

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// Frame is the tabular+spatial intermediate shape of an upload: attribute
// columns with one value map per row, plus a parallel geometry slice in
// which nil marks a row without (or with unparseable) geometry.
type Frame struct {
	Columns    []string
	Rows       []map[string]interface{}
	Geometries []orb.Geometry
}

// frameFromFeatureCollection flattens a GeoJSON feature collection.
// Attribute columns are the union of all property keys in first-seen
// order.
func frameFromFeatureCollection(fc *geojson.FeatureCollection) *Frame {
	f := &Frame{}
	seen := make(map[string]bool)
	for _, feat := range fc.Features {
		row := make(map[string]interface{}, len(feat.Properties))
		for k, v := range feat.Properties {
			if !seen[k] {
				seen[k] = true
				f.Columns = append(f.Columns, k)
			}
			row[k] = v
		}
		f.Rows = append(f.Rows, row)
		f.Geometries = append(f.Geometries, feat.Geometry)
	}
	return f
}

// parseJSONUpload reads an uploaded JSON document as either a GeoJSON
// feature collection or an array of flat records whose geometry lives in
// geometryField. Neither shape matching is an unreadable upload.
func parseJSONUpload(data []byte, geometryField, geometryFormat string) (*Frame, error) {
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	if strings.HasPrefix(trimmed, "[") {
		var records []map[string]interface{}
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, Unprocessablef("failed to read file, not valid data")
		}
		if len(records) == 0 {
			return nil, Unprocessablef("failed to read file, not valid data")
		}
		if _, ok := records[0][geometryField]; !ok {
			return nil, Unprocessablef("failed to read file, not valid data")
		}
		return frameFromRecords(records, geometryField, geometryFormat), nil
	}

	var doc struct {
		Features json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || len(doc.Features) == 0 {
		return nil, Unprocessablef("failed to read file, not valid data")
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, Unprocessablef("failed to read file, not valid data")
	}
	return frameFromFeatureCollection(fc), nil
}

// frameFromRecords converts an array of flat records. The geometry field
// is decoded as GeoJSON only when the declared format asks for it (or no
// format is declared); for wkt/wkb/xy the raw column is kept for the
// adaptation stage. A record carrying a nested "properties" object
// contributes that object instead of its top-level keys.
func frameFromRecords(records []map[string]interface{}, geometryField, geometryFormat string) *Frame {
	decodeGeoJSON := geometryFormat == "" || strings.EqualFold(geometryFormat, "geojson")

	f := &Frame{}
	seen := make(map[string]bool)
	for _, rec := range records {
		var geom orb.Geometry
		if decodeGeoJSON {
			if raw, ok := rec[geometryField]; ok {
				delete(rec, geometryField)
				geom = decodeGeoJSONValue(raw)
			}
		}

		props := rec
		if nested, ok := rec["properties"].(map[string]interface{}); ok {
			props = nested
		}
		row := make(map[string]interface{}, len(props))
		for k, v := range props {
			if !seen[k] {
				seen[k] = true
				f.Columns = append(f.Columns, k)
			}
			row[k] = v
		}
		f.Rows = append(f.Rows, row)
		f.Geometries = append(f.Geometries, geom)
	}
	return f
}

// decodeGeoJSONValue parses an embedded GeoJSON geometry value; a failure
// yields a nil geometry rather than aborting the import.
func decodeGeoJSONValue(v interface{}) orb.Geometry {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil || g == nil {
		return nil
	}
	return g.Geometry()
}

// applyGeometryFormat adapts or builds the frame geometry according to
// the declared geometry_format. Per-row parse failures produce null
// geometries; only a malformed xy spec aborts the import.
func (f *Frame) applyGeometryFormat(geometryField, geometryFormat string) error {
	switch strings.ToLower(geometryFormat) {
	case "wkt", "wkb":
		if !f.hasColumn(geometryField) {
			// No nominated column: the frame's native geometry stands.
			return nil
		}
		for i, row := range f.Rows {
			f.Geometries[i] = parseGeometryText(row[geometryField], geometryFormat)
		}
		return nil

	case "xy":
		fields := strings.Split(strings.ReplaceAll(geometryField, " ", ""), ",")
		if len(fields) != 2 {
			return BadRequestf("not valid geometry_field for XY")
		}
		if !f.hasColumn(fields[0]) || !f.hasColumn(fields[1]) {
			return BadRequestf("not found columns XY")
		}
		for i, row := range f.Rows {
			x, okX := toFloat(row[fields[0]])
			y, okY := toFloat(row[fields[1]])
			if okX && okY {
				f.Geometries[i] = orb.Point{x, y}
			} else {
				f.Geometries[i] = nil
			}
		}
		f.dropColumn(fields[0])
		f.dropColumn(fields[1])
		return nil

	default:
		return nil
	}
}

// parseGeometryText decodes one WKT or hex-encoded WKB value. Anything
// unparseable becomes a null geometry for that row.
func parseGeometryText(v interface{}, format string) orb.Geometry {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	if format == "wkb" {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil
		}
		g, err := wkb.Unmarshal(raw)
		if err != nil {
			return nil
		}
		return g
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil
	}
	return g
}

// normalizeColumns brings the attribute set to canonical shape: duplicate
// names are dropped (first kept), the original geometry-field column and
// any incoming gis_id are removed, and every remaining name is sanitized.
// A sanitized name colliding with an existing column is renamed with a
// _copy suffix instead of overwriting it.
func (f *Frame) normalizeColumns(geometryField string) {
	var kept []string
	seen := make(map[string]bool)
	for _, col := range f.Columns {
		if seen[col] || col == "gis_id" || col == geometryField {
			continue
		}
		seen[col] = true
		kept = append(kept, col)
	}

	renames := make(map[string]string)
	final := make([]string, 0, len(kept))
	taken := make(map[string]bool)
	for _, col := range kept {
		taken[col] = true
	}
	for _, col := range kept {
		name := sanitizeColumnName(col)
		if name != col && taken[name] {
			name += "_copy"
		}
		renames[col] = name
		final = append(final, name)
	}

	for i, row := range f.Rows {
		clean := make(map[string]interface{}, len(final))
		for _, col := range kept {
			clean[renames[col]] = row[col]
		}
		f.Rows[i] = clean
	}
	f.Columns = final
}

// geometryEmpty reports whether no row carries a geometry.
func (f *Frame) geometryEmpty() bool {
	for _, g := range f.Geometries {
		if g != nil {
			return false
		}
	}
	return true
}

// geometryColumnType derives the SQL geometry type for the table. All
// geometries must share one family, a type and its Multi-variant being
// equivalent; otherwise the whole import is rejected. A family mixing
// singular and Multi rows maps to the generic GEOMETRY type.
func (f *Frame) geometryColumnType() (string, error) {
	distinct := make(map[string]bool)
	var order []string
	for _, g := range f.Geometries {
		if g == nil {
			continue
		}
		t := g.GeoJSONType()
		if !distinct[t] {
			distinct[t] = true
			order = append(order, t)
		}
	}
	if len(order) == 0 {
		return "", nil
	}

	family := strings.TrimPrefix(order[0], "Multi")
	for _, t := range order {
		if strings.TrimPrefix(t, "Multi") != family {
			return "", Unprocessablef("different geometry")
		}
	}
	if len(order) > 1 {
		return "GEOMETRY", nil
	}
	return strings.ToUpper(order[0]), nil
}

// inferColumnType picks a SQL column type from the values observed in one
// attribute column. Mixed or all-null columns degrade to text.
func (f *Frame) inferColumnType(col string) string {
	var sawBool, sawNumber, sawInt, sawJSON, sawString bool
	sawInt = true
	for _, row := range f.Rows {
		switch v := row[col].(type) {
		case nil:
			continue
		case bool:
			sawBool = true
		case float64:
			sawNumber = true
			if v != float64(int64(v)) {
				sawInt = false
			}
		case json.Number:
			sawNumber = true
			if _, err := v.Int64(); err != nil {
				sawInt = false
			}
		case map[string]interface{}, []interface{}:
			sawJSON = true
		default:
			sawString = true
		}
	}

	switch {
	case sawJSON && !sawBool && !sawNumber && !sawString:
		return "jsonb"
	case sawBool && !sawNumber && !sawJSON && !sawString:
		return "boolean"
	case sawNumber && !sawBool && !sawJSON && !sawString:
		if sawInt {
			return "bigint"
		}
		return "double precision"
	default:
		return "text"
	}
}

func (f *Frame) hasColumn(name string) bool {
	for _, c := range f.Columns {
		if c == name {
			return true
		}
	}
	return false
}

func (f *Frame) dropColumn(name string) {
	var cols []string
	for _, c := range f.Columns {
		if c != name {
			cols = append(cols, c)
		}
	}
	f.Columns = cols
	for _, row := range f.Rows {
		delete(row, name)
	}
}

// toFloat coerces a JSON-decoded value into a coordinate.
func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		n, err := t.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	default:
		return 0, false
	}
}
