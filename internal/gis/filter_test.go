package gis

import (
	"encoding/json"
	"net/url"
	"testing"

	sq "github.com/Masterminds/squirrel"
)

func testSchema() *TableSchema {
	return &TableSchema{
		PhysicalName: "public.roads",
		Columns: []Column{
			{Name: "gis_id", Kind: KindInteger},
			{Name: "name", Kind: KindString},
			{Name: "lanes", Kind: KindInteger},
			{Name: "geom", Kind: KindGeometry},
		},
		HasGeometry:  true,
		GeometryType: "LineString",
	}
}

func TestParseListRequest_Params(t *testing.T) {
	values := url.Values{}
	values.Set("sortby", "-name")
	values.Set("mask", "name=ab%")
	values.Set("limit", "20")
	values.Set("page", "3")
	values.Set("as_array", "")

	req, err := ParseListRequest(values, nil)
	if err != nil {
		t.Fatalf("ParseListRequest() error = %v", err)
	}

	if req.SortBy != "name" || !req.SortDesc {
		t.Errorf("sort = %q desc=%v, want name desc", req.SortBy, req.SortDesc)
	}
	if req.MaskField != "name" || req.MaskPattern != "ab%" {
		t.Errorf("mask = %q=%q, want name=ab%%", req.MaskField, req.MaskPattern)
	}
	if req.Limit != 20 || req.Page != 3 {
		t.Errorf("limit=%d page=%d, want 20 3", req.Limit, req.Page)
	}
	if !req.AsArray {
		t.Error("as_array flag not set")
	}
}

func TestParseListRequest_Body(t *testing.T) {
	body := []byte(`{"attribute":[{"field":"lanes","op":">","value":2}],"spatial":{"type":"Polygon","coordinates":[]}}`)

	req, err := ParseListRequest(url.Values{}, body)
	if err != nil {
		t.Fatalf("ParseListRequest() error = %v", err)
	}
	if len(req.Attributes) != 1 {
		t.Fatalf("attributes = %d, want 1", len(req.Attributes))
	}
	if req.Attributes[0].Field != "lanes" || req.Attributes[0].Op != ">" {
		t.Errorf("attribute = %+v", req.Attributes[0])
	}
	if len(req.Spatial) == 0 {
		t.Error("spatial filter not captured")
	}
}

func TestParseListRequest_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		values url.Values
		body   []byte
	}{
		{"bad limit", url.Values{"limit": {"abc"}}, nil},
		{"zero limit", url.Values{"limit": {"0"}}, nil},
		{"bad page", url.Values{"page": {"-1"}}, nil},
		{"mask without field", url.Values{"mask": {"=x"}}, nil},
		{"bad body", url.Values{}, []byte(`{`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseListRequest(tt.values, tt.body); err == nil {
				t.Error("ParseListRequest() expected error")
			}
		})
	}
}

func TestConditions_UnknownAttributeDropped(t *testing.T) {
	req := &ListRequest{
		Attributes: []AttributeFilter{
			{Field: "no_such", Op: "=", Value: json.RawMessage(`1`)},
		},
	}
	conds, err := req.conditions(testSchema())
	if err != nil {
		t.Fatalf("conditions() error = %v", err)
	}
	if len(conds) != 0 {
		t.Errorf("conditions = %d, want unknown field dropped", len(conds))
	}
}

func TestConditions_OperatorHandling(t *testing.T) {
	req := &ListRequest{
		Attributes: []AttributeFilter{
			{Field: "lanes", Op: "==", Value: json.RawMessage(`2`)},
		},
	}
	conds, err := req.conditions(testSchema())
	if err != nil {
		t.Fatalf("conditions() error = %v", err)
	}
	q, args, err := sq.And(conds).ToSql()
	if err != nil {
		t.Fatalf("ToSql() error = %v", err)
	}
	if q != `("lanes" = ?)` {
		t.Errorf("sql = %q, want %q", q, `("lanes" = ?)`)
	}
	if len(args) != 1 || args[0] != float64(2) {
		t.Errorf("args = %v, want [2]", args)
	}
}

func TestConditions_RejectsBadOperator(t *testing.T) {
	req := &ListRequest{
		Attributes: []AttributeFilter{
			{Field: "lanes", Op: "LIKE", Value: json.RawMessage(`2`)},
		},
	}
	if _, err := req.conditions(testSchema()); err == nil {
		t.Error("conditions() expected error for whitelisted operator miss")
	}
}

func TestConditions_UnknownMaskField(t *testing.T) {
	req := &ListRequest{MaskField: "no_such", MaskPattern: "a%"}
	if _, err := req.conditions(testSchema()); err == nil {
		t.Error("conditions() expected error for unknown mask field")
	}
}

func TestConditions_Spatial(t *testing.T) {
	req := &ListRequest{Spatial: json.RawMessage(`{"type":"Point","coordinates":[1,2]}`)}
	conds, err := req.conditions(testSchema())
	if err != nil {
		t.Fatalf("conditions() error = %v", err)
	}
	q, args, err := sq.And(conds).ToSql()
	if err != nil {
		t.Fatalf("ToSql() error = %v", err)
	}
	want := `(ST_Intersects(geom, ST_SetSRID(ST_GeomFromGeoJSON(?), 4326)))`
	if q != want {
		t.Errorf("sql = %q, want %q", q, want)
	}
	if len(args) != 1 {
		t.Errorf("args = %v, want one GeoJSON literal", args)
	}
}

func TestAttributeValue(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		kind    ScalarKind
		want    interface{}
		wantErr bool
	}{
		{"number for numeric", `2.5`, KindNumeric, 2.5, false},
		{"numeric string for integer", `"7"`, KindInteger, 7.0, false},
		{"text for string", `"abc"`, KindString, "abc", false},
		{"number for string binds as text", `5`, KindString, "5", false},
		{"garbage for numeric", `"abc"`, KindNumeric, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := attributeValue(json.RawMessage(tt.raw), tt.kind)
			if tt.wantErr {
				if err == nil {
					t.Error("attributeValue() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("attributeValue() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("attributeValue() = %v (%T), want %v", got, got, tt.want)
			}
		})
	}
}

func TestOrderClauses(t *testing.T) {
	schema := testSchema()

	clauses, err := (&ListRequest{}).orderClauses(schema)
	if err != nil {
		t.Fatalf("orderClauses() error = %v", err)
	}
	if len(clauses) != 1 || clauses[0] != "gis_id" {
		t.Errorf("default order = %v, want [gis_id]", clauses)
	}

	clauses, err = (&ListRequest{SortBy: "name", SortDesc: true}).orderClauses(schema)
	if err != nil {
		t.Fatalf("orderClauses() error = %v", err)
	}
	if len(clauses) != 2 || clauses[0] != `"name" DESC` || clauses[1] != "gis_id" {
		t.Errorf("order = %v, want [\"name\" DESC gis_id]", clauses)
	}

	if _, err := (&ListRequest{SortBy: "no_such"}).orderClauses(schema); err == nil {
		t.Error("orderClauses() expected error for unknown sort field")
	}
}
