package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mapgrid/gistab/internal/gis"
)

// maxListBody caps the JSON filter body accepted by the list endpoint.
const maxListBody = 1 << 20

// resolveTable loads the catalog entry named by the tableID URL param.
func (s *Server) resolveTable(r *http.Request) (gis.LogicalTable, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "tableID"))
	if err != nil {
		return gis.LogicalTable{}, gis.NotFoundf("table not found")
	}
	return s.service.Registry.Resolve(r.Context(), id)
}

// parseGisID reads the gisID URL param.
func parseGisID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "gisID"))
	if err != nil {
		return 0, gis.NotFoundf("record not found")
	}
	return id, nil
}

// handleListTables returns the full catalog: top-level leaf tables with
// their geometry kind, folders with their children. With as_array the
// listings are arrays instead of id-keyed objects.
func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	asArray := r.URL.Query().Has("as_array")

	tables, err := s.service.Registry.ListAll(ctx)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	entries := make(map[string]interface{})
	var order []string
	for _, t := range tables {
		aliases, err := s.service.Registry.Aliases(ctx, t.ID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}

		var entry map[string]interface{}
		switch {
		case t.IsFolder:
			children, err := s.folderChildren(r, t, asArray)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			entry = map[string]interface{}{
				"id":       t.ID,
				"alias":    aliases,
				"children": children,
			}

		case t.ParentID == nil:
			geomType, err := s.geomTypeOf(ctx, t)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			entry = map[string]interface{}{
				"id":        t.ID,
				"alias":     aliases,
				"geom_type": geomType,
				"parent_id": t.ParentID,
			}

		default:
			// Children of folders appear only inside their folder entry.
			continue
		}

		key := strconv.Itoa(t.ID)
		entries[key] = entry
		order = append(order, key)
	}

	var listing interface{}
	if asArray {
		arr := make([]interface{}, 0, len(order))
		for _, key := range order {
			arr = append(arr, entries[key])
		}
		listing = arr
	} else {
		listing = entries
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"tables":  listing,
		"message": "success",
	})
}

// folderChildren builds the child listing of a folder entry.
func (s *Server) folderChildren(r *http.Request, t gis.LogicalTable, asArray bool) (interface{}, error) {
	ctx := r.Context()
	folder, err := s.service.Registry.FolderOf(ctx, t)
	if err != nil {
		return nil, err
	}
	children, err := s.service.Registry.Children(ctx, folder.ID)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}

	type childEntry struct {
		ID       int               `json:"id"`
		Alias    map[string]string `json:"alias"`
		ParentID int               `json:"parent_id"`
		GeomType interface{}       `json:"geom_type"`
	}

	out := make(map[string]childEntry, len(children))
	var arr []childEntry
	for _, child := range children {
		aliases, err := s.service.Registry.Aliases(ctx, child.ID)
		if err != nil {
			return nil, err
		}
		geomType, err := s.geomTypeOf(ctx, child)
		if err != nil {
			return nil, err
		}
		entry := childEntry{ID: child.ID, Alias: aliases, ParentID: t.ID, GeomType: geomType}
		out[strconv.Itoa(child.ID)] = entry
		arr = append(arr, entry)
	}
	if asArray {
		return arr, nil
	}
	return out, nil
}

// geomTypeOf resolves a table's geometry kind, null for non-spatial tables.
func (s *Server) geomTypeOf(ctx context.Context, t gis.LogicalTable) (interface{}, error) {
	geomType, err := s.service.Resolver.GeometryTypeOf(ctx, t.PhysicalName)
	if err != nil {
		return nil, err
	}
	if geomType == "" {
		return nil, nil
	}
	return geomType, nil
}

// handleListRows serves table listings with filters, sorting, pagination
// and spatial intersection. A folder answers with its child listing
// instead of row data.
func (s *Server) handleListRows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	aliases, err := s.service.Registry.Aliases(ctx, table.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if table.IsFolder {
		children, err := s.folderChildren(r, table, r.URL.Query().Has("as_array"))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"id":       table.ID,
			"alias":    aliases,
			"children": children,
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxListBody))
	if err != nil {
		s.respondError(w, r, gis.BadRequestf("failed request"))
		return
	}
	req, err := gis.ParseListRequest(r.URL.Query(), body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	result, err := s.service.Engine.List(ctx, table, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alias":     aliases,
		"data":      result.Data,
		"parent_id": table.ParentID,
		"pages":     result.Pages,
		"borders":   nullableBorders(result.Borders),
	})
}

// handleInsertRow creates one row from a column-to-value JSON object.
func (s *Server) handleInsertRow(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || fields == nil {
		s.respondError(w, r, gis.BadRequestf("failed request"))
		return
	}

	id, err := s.service.Engine.Insert(r.Context(), table, fields)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int{"id": id})
}

// handleSetParent moves a table into a folder, or out of one with a null
// parent_id.
func (s *Server) handleSetParent(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if table.IsFolder {
		s.respondError(w, r, gis.ErrFolderOperation)
		return
	}

	var body struct {
		ParentID *int `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, r, gis.BadRequestf("failed request"))
		return
	}

	if err := s.service.Registry.SetParent(r.Context(), table, body.ParentID); err != nil {
		s.respondError(w, r, err)
		return
	}

	if body.ParentID == nil {
		writeMessage(w, http.StatusOK,
			fmt.Sprintf("table №%d successfully removed from folder.", table.ID))
		return
	}
	writeMessage(w, http.StatusOK,
		fmt.Sprintf("table №%d successfully put in folder.", table.ID))
}

// handleDropTable removes a leaf table with its data, or a folder while
// detaching its children.
func (s *Server) handleDropTable(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if table.IsFolder {
		folder, err := s.service.Registry.FolderOf(r.Context(), table)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if err := s.service.Registry.DeleteFolder(r.Context(), table); err != nil {
			s.respondError(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK,
			fmt.Sprintf("Successfully deleting folder №%d", folder.ID))
		return
	}

	if err := s.service.Engine.DropTable(r.Context(), table); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK,
		fmt.Sprintf("Table №%d successfully deleted.", table.ID))
}

// handleGetRow returns one row plus its geometry bounds.
func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	gisID, err := parseGisID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	row, err := s.service.Engine.GetOne(r.Context(), table, gisID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":    row.Data,
		"borders": nullableBorders(row.Borders),
	})
}

// handleCopyRow duplicates a row, returning the new gis_id.
func (s *Server) handleCopyRow(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	gisID, err := parseGisID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	newID, err := s.service.Engine.Copy(r.Context(), table, gisID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int{"id": newID})
}

// handleUpdateRow applies a column-to-value JSON object to one row.
func (s *Server) handleUpdateRow(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	gisID, err := parseGisID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || fields == nil {
		s.respondError(w, r, gis.BadRequestf("failed request"))
		return
	}

	if err := s.service.Engine.Update(r.Context(), table, gisID, fields); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"id": gisID})
}

// handleDeleteRow removes one row together with its attachments and
// comments.
func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	gisID, err := parseGisID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.service.Engine.Delete(r.Context(), table, gisID); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK,
		fmt.Sprintf("Row № %d successfully deleted.", gisID))
}

// handleCreateFolder creates a grouping folder from a form alias.
func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	alias := r.FormValue("alias")
	if alias == "" {
		s.respondError(w, r, gis.BadRequestf("not found data"))
		return
	}

	entry, err := s.service.Registry.CreateFolder(r.Context(), alias, s.cfg.Import.DefaultLocale)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int{"id": entry.ID})
}

// nullableBorders maps an absent bounding box to JSON null.
func nullableBorders(b []float64) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
