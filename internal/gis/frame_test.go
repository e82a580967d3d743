package gis

import (
	"testing"

	"github.com/paulmach/orb"
)

func TestParseJSONUpload_FeatureCollection(t *testing.T) {
	data := []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type":"Feature","geometry":{"type":"Point","coordinates":[30,60]},"properties":{"name":"a","lanes":2}},
			{"type":"Feature","geometry":{"type":"Point","coordinates":[31,61]},"properties":{"name":"b","lanes":4}}
		]
	}`)

	f, err := parseJSONUpload(data, "", "")
	if err != nil {
		t.Fatalf("parseJSONUpload() error = %v", err)
	}
	if len(f.Rows) != 2 || len(f.Geometries) != 2 {
		t.Fatalf("rows = %d geometries = %d, want 2 each", len(f.Rows), len(f.Geometries))
	}
	if !f.hasColumn("name") || !f.hasColumn("lanes") {
		t.Errorf("columns = %v, want name and lanes", f.Columns)
	}
	if f.Geometries[0] == nil {
		t.Error("first geometry missing")
	}
	if f.Rows[1]["name"] != "b" {
		t.Errorf("row[1].name = %v, want b", f.Rows[1]["name"])
	}
}

func TestParseJSONUpload_Records(t *testing.T) {
	data := []byte(`[
		{"geometry":{"type":"Point","coordinates":[1,2]},"name":"x"},
		{"geometry":null,"name":"y"}
	]`)

	f, err := parseJSONUpload(data, "geometry", "")
	if err != nil {
		t.Fatalf("parseJSONUpload() error = %v", err)
	}
	if len(f.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(f.Rows))
	}
	if f.hasColumn("geometry") {
		t.Errorf("columns = %v, geometry field must be popped", f.Columns)
	}
	if f.Geometries[0] == nil {
		t.Error("embedded geometry not decoded")
	}
	if f.Geometries[1] != nil {
		t.Error("null geometry must stay nil")
	}
}

func TestParseJSONUpload_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `hello`},
		{"empty records", `[]`},
		{"records without geometry field", `[{"name":"x"}]`},
		{"object without features", `{"type":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseJSONUpload([]byte(tt.data), "geometry", ""); err == nil {
				t.Error("parseJSONUpload() expected error")
			}
		})
	}
}

func TestApplyGeometryFormat_WKT(t *testing.T) {
	f := &Frame{
		Columns: []string{"shape", "name"},
		Rows: []map[string]interface{}{
			{"shape": "POINT(1 2)", "name": "ok"},
			{"shape": "garbage", "name": "bad"},
		},
		Geometries: make([]orb.Geometry, 2),
	}

	if err := f.applyGeometryFormat("shape", "wkt"); err != nil {
		t.Fatalf("applyGeometryFormat() error = %v", err)
	}
	p, ok := f.Geometries[0].(orb.Point)
	if !ok || p[0] != 1 || p[1] != 2 {
		t.Errorf("geometry[0] = %v, want POINT(1 2)", f.Geometries[0])
	}
	if f.Geometries[1] != nil {
		t.Error("unparseable WKT must yield nil geometry")
	}
}

func TestApplyGeometryFormat_XY(t *testing.T) {
	f := &Frame{
		Columns: []string{"lon", "lat", "name"},
		Rows: []map[string]interface{}{
			{"lon": 30.5, "lat": "60.25", "name": "a"},
			{"lon": "bad", "lat": 1.0, "name": "b"},
		},
		Geometries: make([]orb.Geometry, 2),
	}

	if err := f.applyGeometryFormat("lon, lat", "xy"); err != nil {
		t.Fatalf("applyGeometryFormat() error = %v", err)
	}
	p, ok := f.Geometries[0].(orb.Point)
	if !ok || p[0] != 30.5 || p[1] != 60.25 {
		t.Errorf("geometry[0] = %v, want POINT(30.5 60.25)", f.Geometries[0])
	}
	if f.Geometries[1] != nil {
		t.Error("uncoercible coordinates must yield nil geometry")
	}
	if f.hasColumn("lon") || f.hasColumn("lat") {
		t.Errorf("columns = %v, coordinate columns must be dropped", f.Columns)
	}
}

func TestApplyGeometryFormat_XYInvalid(t *testing.T) {
	f := &Frame{Columns: []string{"x"}, Rows: nil, Geometries: nil}

	if err := f.applyGeometryFormat("x", "xy"); err == nil {
		t.Error("expected error for single xy column spec")
	}
	if err := f.applyGeometryFormat("x,missing", "xy"); err == nil {
		t.Error("expected error for absent xy columns")
	}
}

func TestNormalizeColumns(t *testing.T) {
	f := &Frame{
		Columns: []string{"Name", "name", "gis_id", "geometry", "road class"},
		Rows: []map[string]interface{}{
			{"Name": "a", "name": "b", "gis_id": 9, "geometry": "x", "road class": true},
		},
	}

	f.normalizeColumns("geometry")

	if f.hasColumn("gis_id") {
		t.Error("incoming gis_id must be dropped")
	}
	if f.hasColumn("geometry") {
		t.Error("geometry field column must be dropped")
	}
	if !f.hasColumn("name") || !f.hasColumn("name_copy") {
		t.Errorf("columns = %v, want sanitized collision renamed with _copy", f.Columns)
	}
	if !f.hasColumn("road_class") {
		t.Errorf("columns = %v, want road class sanitized to road_class", f.Columns)
	}
	if f.Rows[0]["name_copy"] != "a" {
		t.Errorf("renamed value = %v, want value of original Name column", f.Rows[0]["name_copy"])
	}
	for _, c := range f.Columns {
		for _, r := range c {
			if r >= 'A' && r <= 'Z' {
				t.Errorf("column %q not lowercased", c)
			}
		}
	}
}

func TestGeometryColumnType(t *testing.T) {
	point := orb.Point{1, 2}
	multi := orb.MultiPoint{{1, 2}}
	poly := orb.Polygon{}

	tests := []struct {
		name    string
		geoms   []orb.Geometry
		want    string
		wantErr bool
	}{
		{"all nil", []orb.Geometry{nil, nil}, "", false},
		{"uniform", []orb.Geometry{point, point}, "POINT", false},
		{"multi and singular fold", []orb.Geometry{point, multi}, "GEOMETRY", false},
		{"uniform multi", []orb.Geometry{multi, multi}, "MULTIPOINT", false},
		{"mixed families", []orb.Geometry{point, poly}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Frame{Geometries: tt.geoms}
			got, err := f.geometryColumnType()
			if tt.wantErr {
				if err == nil {
					t.Error("geometryColumnType() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("geometryColumnType() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("geometryColumnType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInferColumnType(t *testing.T) {
	f := &Frame{
		Columns: []string{"ints", "floats", "flags", "mixed", "objs", "empty"},
		Rows: []map[string]interface{}{
			{"ints": 1.0, "floats": 1.5, "flags": true, "mixed": 1.0, "objs": map[string]interface{}{"a": 1}},
			{"ints": 2.0, "floats": 2.0, "flags": false, "mixed": "x", "objs": map[string]interface{}{"b": 2}},
		},
	}

	tests := []struct {
		col  string
		want string
	}{
		{"ints", "bigint"},
		{"floats", "double precision"},
		{"flags", "boolean"},
		{"mixed", "text"},
		{"objs", "jsonb"},
		{"empty", "text"},
	}
	for _, tt := range tests {
		if got := f.inferColumnType(tt.col); got != tt.want {
			t.Errorf("inferColumnType(%q) = %q, want %q", tt.col, got, tt.want)
		}
	}
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		in   interface{}
		want float64
		ok   bool
	}{
		{1.5, 1.5, true},
		{"2.25", 2.25, true},
		{" 3 ", 3, true},
		{"abc", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := toFloat(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("toFloat(%v) = %v %v, want %v %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
