package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mapgrid/gistab/internal/gis"
)

// handleTableFields returns per-column metadata for a table: display
// type, value range for numerics, geometry kind, column aliases.
func (s *Server) handleTableFields(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	fields, err := s.service.Engine.Fields(r.Context(), table)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, fields)
}

// handleFieldKinds lists the field kinds a table column can be created
// with.
func (s *Server) handleFieldKinds(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"string":  "строчный тип данных",
		"time":    "время с учётом часового пояса",
		"integer": "целое число",
		"boolean": "логическое значение",
		"numeric": "вещественное число",
	})
}

// handleUpdateFields applies a batch of column changes: new columns,
// alias updates, drops via the disabled flag.
func (s *Server) handleUpdateFields(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var updates []gis.FieldUpdate
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil || len(updates) == 0 {
		s.respondError(w, r, gis.BadRequestf("failed request"))
		return
	}

	if err := s.service.Engine.UpdateFields(r.Context(), table, updates, s.cfg.Import.DefaultLocale); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int{"id": table.ID})
}

// handleUpsertAliases updates the table's display aliases, one entry per
// language.
func (s *Server) handleUpsertAliases(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var aliases map[string]string
	if err := json.NewDecoder(r.Body).Decode(&aliases); err != nil || aliases == nil {
		s.respondError(w, r, gis.BadRequestf("Failed request"))
		return
	}

	for language, alias := range aliases {
		if err := s.service.Registry.UpsertAlias(r.Context(), table.ID, language, alias); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	writeMessage(w, http.StatusOK, fmt.Sprintf("Alias table №%d update!", table.ID))
}

// handleDeleteAlias removes one language's alias, named by the del query
// param.
func (s *Server) handleDeleteAlias(w http.ResponseWriter, r *http.Request) {
	table, err := s.resolveTable(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	language := r.URL.Query().Get("del")
	if err := s.service.Registry.DeleteAlias(r.Context(), table.ID, language); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK,
		fmt.Sprintf("Localization %q in table №%d delete!", language, table.ID))
}

// endpointInfo describes one route of the module for the frontend's
// endpoint registry.
type endpointInfo struct {
	Path        string `json:"path"`
	Description string `json:"description"`
	Get         bool   `json:"get"`
	Post        bool   `json:"post"`
	Put         bool   `json:"put"`
	Delete      bool   `json:"delete"`
}

// handleEndpoints returns static metadata about the module's routes.
func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":  "gis",
		"alias": "ГИС",
		"endpoints": []endpointInfo{
			{Path: "/import", Description: "Менеджер источников данных", Post: true},
			{Path: "/import/empty", Description: "Создание пустого ИД", Post: true},
			{Path: "/tables", Description: "Получение реестра таблиц ГИС с описанием полей", Get: true},
			{Path: "/<int>", Description: "Работа с ГИС таблицами", Post: true, Put: true, Delete: true},
			{Path: "/<int>/export", Description: "Экспорт ГИС таблицы в файл .geojson", Get: true},
			{Path: "/<int>/parent", Description: "Вложить таблицу ГИС в папку.", Put: true},
			{Path: "/<int>/<int>", Description: "Работа с объектами ГИС таблицы", Get: true, Put: true, Delete: true},
			{Path: "/<int>/<int>/copy", Description: "Копирование объекта из ГИС таблицы.", Post: true},
			{Path: "/folders", Description: "Работа с таблицами вложенности ГИС", Post: true},
			{Path: "/fields", Description: "Типы полей для создания", Get: true},
			{Path: "/fields/<int>", Description: "Описание и изменение полей таблицы", Get: true, Put: true},
			{Path: "/localization/<int>", Description: "Локализация названий таблиц", Put: true, Delete: true},
		},
	})
}
