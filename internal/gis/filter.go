package gis

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// filterOperators is the whitelist of attribute comparison operators.
var filterOperators = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

// listBody is the optional JSON body accepted by the list endpoint.
type listBody struct {
	Attribute []AttributeFilter `json:"attribute"`
	Spatial   json.RawMessage   `json:"spatial"`
}

// ParseListRequest translates untrusted query parameters and an optional
// JSON body into a ListRequest. Recognized keys: sortby (leading '-' for
// descending), mask=<field>=<pattern>, limit, page, as_array.
func ParseListRequest(values url.Values, body []byte) (*ListRequest, error) {
	req := &ListRequest{}

	if v := values.Get("sortby"); v != "" {
		if strings.HasPrefix(v, "-") {
			req.SortDesc = true
			v = v[1:]
		}
		req.SortBy = strings.TrimSpace(v)
	}

	if v := values.Get("mask"); v != "" {
		field, pattern, ok := strings.Cut(v, "=")
		if !ok || field == "" {
			return nil, BadRequestf("failed request: invalid mask %q", v)
		}
		req.MaskField = field
		req.MaskPattern = pattern
	}

	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, BadRequestf("failed request: invalid limit %q", v)
		}
		req.Limit = n
	}

	if v := values.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, BadRequestf("failed request: invalid page %q", v)
		}
		req.Page = n
	}

	if _, ok := values["as_array"]; ok {
		req.AsArray = true
	}

	if len(body) > 0 {
		var b listBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, BadRequestf("failed request")
		}
		req.Attributes = b.Attribute
		req.Spatial = b.Spatial
	}

	return req, nil
}

// conditions builds the AND-combined WHERE fragment for req against a
// resolved schema. Field names are whitelisted against the column set
// before any identifier interpolation; values are always parameterized.
// Attribute filters on unknown fields are silently dropped.
func (req *ListRequest) conditions(schema *TableSchema) (sq.And, error) {
	var conds sq.And

	if req.MaskField != "" {
		if !schema.HasColumn(req.MaskField) {
			return nil, BadRequestf("failed request: not found field %s", req.MaskField)
		}
		conds = append(conds, sq.Expr(quoteIdentifier(req.MaskField)+" LIKE ?", req.MaskPattern))
	}

	for _, attr := range req.Attributes {
		if !schema.HasColumn(attr.Field) {
			continue
		}
		op := attr.Op
		if op == "==" {
			op = "="
		}
		if !filterOperators[op] {
			return nil, BadRequestf("failed request: invalid operator %q", attr.Op)
		}

		value, err := attributeValue(attr.Value, schema.Kind(attr.Field))
		if err != nil {
			return nil, err
		}
		expr := fmt.Sprintf("%s %s ?", quoteIdentifier(attr.Field), op)
		conds = append(conds, sq.Expr(expr, value))
	}

	if len(req.Spatial) > 0 {
		conds = append(conds, sq.Expr(
			"ST_Intersects(geom, ST_SetSRID(ST_GeomFromGeoJSON(?), 4326))",
			string(req.Spatial)))
	}

	return conds, nil
}

// attributeValue decodes a filter literal for binding. Numeric-typed
// fields bind as numbers; every other kind binds as text.
func attributeValue(raw json.RawMessage, kind ScalarKind) (interface{}, error) {
	if kind.IsNumeric() {
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			// Accept a numeric string for a numeric column.
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, BadRequestf("failed request: invalid numeric value %s", raw)
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, BadRequestf("failed request: invalid numeric value %s", raw)
			}
			return f, nil
		}
		return n, nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, BadRequestf("failed request: invalid value %s", raw)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return nil, nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

// orderClauses builds the ORDER BY list. gis_id is always appended as a
// final tiebreak so pagination stays deterministic.
func (req *ListRequest) orderClauses(schema *TableSchema) ([]string, error) {
	if req.SortBy == "" {
		return []string{"gis_id"}, nil
	}
	if !schema.HasColumn(req.SortBy) {
		return nil, BadRequestf("failed request: not found field %s", req.SortBy)
	}
	dir := ""
	if req.SortDesc {
		dir = " DESC"
	}
	return []string{quoteIdentifier(req.SortBy) + dir, "gis_id"}, nil
}
