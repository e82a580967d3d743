package gis

import (
	"encoding/json"
	"strings"
	"testing"

	sq "github.com/Masterminds/squirrel"
)

func TestBuildListQuery_Default(t *testing.T) {
	q, args, err := buildListQuery(testSchema(), &ListRequest{})
	if err != nil {
		t.Fatalf("buildListQuery() error = %v", err)
	}

	want := `WITH q AS (SELECT "gis_id", "name", "lanes", ST_AsGeoJSON("geom")::json AS "geom" ` +
		`FROM "public"."roads" ORDER BY gis_id) ` +
		`SELECT COALESCE(json_object_agg(q.gis_id, row_to_json(q)), '{}'::json)::text FROM q`
	if q != want {
		t.Errorf("sql = %q\nwant  %q", q, want)
	}
	if len(args) != 0 {
		t.Errorf("args = %v, want none", args)
	}
}

func TestBuildListQuery_ArrayShape(t *testing.T) {
	q, _, err := buildListQuery(testSchema(), &ListRequest{AsArray: true})
	if err != nil {
		t.Fatalf("buildListQuery() error = %v", err)
	}
	if !strings.Contains(q, "COALESCE(json_agg(q), '[]'::json)::text") {
		t.Errorf("sql = %q, want json_agg shaping", q)
	}
	if strings.Contains(q, "json_object_agg") {
		t.Errorf("sql = %q, array shape must not key by gis_id", q)
	}
}

func TestBuildListQuery_Pagination(t *testing.T) {
	q, _, err := buildListQuery(testSchema(), &ListRequest{Page: 3, Limit: 20})
	if err != nil {
		t.Fatalf("buildListQuery() error = %v", err)
	}
	if !strings.Contains(q, "LIMIT 20 OFFSET 40") {
		t.Errorf("sql = %q, want LIMIT 20 OFFSET 40", q)
	}

	// Without a page the whole set is returned.
	q, _, err = buildListQuery(testSchema(), &ListRequest{Limit: 20})
	if err != nil {
		t.Fatalf("buildListQuery() error = %v", err)
	}
	if strings.Contains(q, "LIMIT") {
		t.Errorf("sql = %q, pagination must be off without page", q)
	}
}

func TestBuildListQuery_Filters(t *testing.T) {
	req := &ListRequest{
		MaskField:   "name",
		MaskPattern: "ab%",
		Attributes: []AttributeFilter{
			{Field: "lanes", Op: ">", Value: json.RawMessage(`2`)},
		},
		Spatial: json.RawMessage(`{"type":"Polygon","coordinates":[]}`),
	}
	q, args, err := buildListQuery(testSchema(), req)
	if err != nil {
		t.Fatalf("buildListQuery() error = %v", err)
	}

	for _, frag := range []string{
		`"name" LIKE $1`,
		`"lanes" > $2`,
		`ST_Intersects(geom, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326))`,
	} {
		if !strings.Contains(q, frag) {
			t.Errorf("sql = %q\nmissing fragment %q", q, frag)
		}
	}
	if len(args) != 3 {
		t.Errorf("args = %v, want 3 bound values", args)
	}
}

func TestBuildCountQuery_SharesWhere(t *testing.T) {
	req := &ListRequest{
		Attributes: []AttributeFilter{
			{Field: "lanes", Op: "=", Value: json.RawMessage(`2`)},
		},
		// Pagination and sorting must not leak into the count.
		Page: 5, Limit: 10, SortBy: "name",
	}
	q, args, err := buildCountQuery(testSchema(), req)
	if err != nil {
		t.Fatalf("buildCountQuery() error = %v", err)
	}
	want := `SELECT COUNT(*) FROM "public"."roads" WHERE ("lanes" = $1)`
	if q != want {
		t.Errorf("sql = %q, want %q", q, want)
	}
	if len(args) != 1 {
		t.Errorf("args = %v, want 1", args)
	}
}

func TestBuildBordersQuery(t *testing.T) {
	conds := sq.And{sq.Expr(`"lanes" = ?`, 2)}
	q, args, err := buildBordersQuery(testSchema(), conds)
	if err != nil {
		t.Fatalf("buildBordersQuery() error = %v", err)
	}
	want := `SELECT min(ST_XMin(g)), min(ST_YMin(g)), max(ST_XMax(g)), max(ST_YMax(g)) ` +
		`FROM (SELECT box2d(geom)::geometry AS g FROM "public"."roads" WHERE ("lanes" = $1)) gm`
	if q != want {
		t.Errorf("sql = %q\nwant  %q", q, want)
	}
	if len(args) != 1 {
		t.Errorf("args = %v, want 1", args)
	}
}

func TestPageCount(t *testing.T) {
	tests := []struct {
		total int64
		limit int
		want  int
	}{
		{0, 50, 0},
		{1, 50, 1},
		{50, 50, 1},
		{51, 50, 2},
		{100, 20, 5},
	}
	for _, tt := range tests {
		if got := pageCount(tt.total, tt.limit); got != tt.want {
			t.Errorf("pageCount(%d, %d) = %d, want %d", tt.total, tt.limit, got, tt.want)
		}
	}
}

func TestInsertValue(t *testing.T) {
	t.Run("geom becomes GeoJSON expression", func(t *testing.T) {
		v, err := insertValue("geom", json.RawMessage(`{"type":"Point","coordinates":[1,2]}`), KindGeometry)
		if err != nil {
			t.Fatalf("insertValue() error = %v", err)
		}
		sqlizer, ok := v.(sq.Sqlizer)
		if !ok {
			t.Fatalf("value = %T, want SQL expression", v)
		}
		q, args, err := sqlizer.ToSql()
		if err != nil {
			t.Fatalf("ToSql() error = %v", err)
		}
		if q != "ST_SetSRID(ST_GeomFromGeoJSON(?), 4326)" {
			t.Errorf("sql = %q", q)
		}
		if len(args) != 1 {
			t.Errorf("args = %v, want raw GeoJSON", args)
		}
	})

	t.Run("object stored as JSON text", func(t *testing.T) {
		v, err := insertValue("props", json.RawMessage(`{"a":1}`), KindJSON)
		if err != nil {
			t.Fatalf("insertValue() error = %v", err)
		}
		if v != `{"a":1}` {
			t.Errorf("value = %v, want encoded JSON text", v)
		}
	})

	t.Run("unix timestamp for date column", func(t *testing.T) {
		v, err := insertValue("created", json.RawMessage(`1700000000`), KindDate)
		if err != nil {
			t.Fatalf("insertValue() error = %v", err)
		}
		sqlizer, ok := v.(sq.Sqlizer)
		if !ok {
			t.Fatalf("value = %T, want to_timestamp expression", v)
		}
		q, _, _ := sqlizer.ToSql()
		if q != "to_timestamp(?)" {
			t.Errorf("sql = %q", q)
		}
	})

	t.Run("scalar passes through", func(t *testing.T) {
		v, err := insertValue("name", json.RawMessage(`"main st"`), KindString)
		if err != nil {
			t.Fatalf("insertValue() error = %v", err)
		}
		if v != "main st" {
			t.Errorf("value = %v", v)
		}
	})

	t.Run("invalid literal rejected", func(t *testing.T) {
		if _, err := insertValue("name", json.RawMessage(`not json`), KindString); err == nil {
			t.Error("insertValue() expected error")
		}
	})
}

func TestCheckGeometryType(t *testing.T) {
	if err := checkGeometryType(json.RawMessage(`{"type":"LineString"}`), "LineString"); err != nil {
		t.Errorf("checkGeometryType() error = %v, want match", err)
	}
	if err := checkGeometryType(json.RawMessage(`{"type":"Point"}`), "LineString"); err == nil {
		t.Error("checkGeometryType() expected mismatch error")
	}
	if err := checkGeometryType(json.RawMessage(`{"type":"Point"}`), ""); err == nil {
		t.Error("checkGeometryType() expected error for non-spatial table")
	}
	if err := checkGeometryType(json.RawMessage(`not json`), "Point"); err == nil {
		t.Error("checkGeometryType() expected error for invalid GeoJSON")
	}
}

func TestSortedKeys(t *testing.T) {
	m := map[string]json.RawMessage{
		"c": nil, "a": nil, "b": nil,
	}
	keys := sortedKeys(m)
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("sortedKeys() = %v, want [a b c]", keys)
	}
}
