package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/mapgrid/gistab/internal/gis"
	"github.com/mapgrid/gistab/internal/logging"
)

// handleImport accepts a multipart file upload and turns it into a new
// registered table. Optional form fields steer geometry decoding and the
// recorded alias.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.respondError(w, r, gis.BadRequestf("not found file"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, gis.BadRequestf("not found file"))
		return
	}
	defer file.Close()

	opts := gis.ImportOptions{
		GeometryField:  r.FormValue("geometry_field"),
		GeometryFormat: r.FormValue("geometry_format"),
		Alias:          r.FormValue("alias"),
		Locale:         r.FormValue("locale"),
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Import.Timeout)
	defer cancel()

	logger := logging.FromContext(r.Context())
	logger.Info("import started", "file", header.Filename)

	result, err := s.service.Importer.Import(ctx, gis.Upload{
		Filename: header.Filename,
		Content:  file,
	}, opts)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	logger.Info("import completed", "file", header.Filename, "table_id", result.TableID)
	respondJSON(w, http.StatusCreated, result)
}

// handleImportEmpty creates a table from an explicit field list, with no
// data rows.
func (s *Server) handleImportEmpty(w http.ResponseWriter, r *http.Request) {
	var spec gis.EmptyTableSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.respondError(w, r, gis.BadRequestf("failed request"))
		return
	}

	result, err := s.service.Importer.CreateEmpty(r.Context(), spec)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// handleExport writes the whole table as a GeoJSON FeatureCollection and
// streams it back as an attachment.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	export, err := s.service.Engine.Export(r.Context(), table, s.cfg.Import.ExportDir)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(export.Path)))
	w.Header().Set("Content-Type", "application/geo+json")
	http.ServeFile(w, r, export.Path)
}
