package gis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

// insertBatchSize caps the rows packed into one INSERT statement during
// an import.
const insertBatchSize = 500

// Upload is one incoming file to import.
type Upload struct {
	Filename string
	Content  io.Reader
}

// defaultGeometryField is the record key holding the geometry when the
// request does not name one.
const defaultGeometryField = "geometry"

// ImportOptions are the caller-supplied knobs of a file import.
type ImportOptions struct {
	GeometryField  string
	GeometryFormat string
	Alias          string
	Locale         string
}

// withDefaults fills the options the request left blank.
func (opts ImportOptions) withDefaults() ImportOptions {
	if opts.GeometryField == "" {
		opts.GeometryField = defaultGeometryField
	}
	return opts
}

// ImporterConfig carries the filesystem and tooling settings of the
// import pipeline.
type ImporterConfig struct {
	FilesDir      string
	Ogr2ogrPath   string
	DefaultLocale string

	// MaxConcurrent caps simultaneous imports; zero means the default.
	MaxConcurrent int
}

// Importer turns uploaded files into registered dynamic tables. JSON
// uploads are parsed in-process; every other format is converted through
// ogr2ogr first.
type Importer struct {
	db       DB
	registry *Registry
	cfg      ImporterConfig
	limiter  *importLimiter
}

func NewImporter(db DB, registry *Registry, cfg ImporterConfig) *Importer {
	return &Importer{
		db:       db,
		registry: registry,
		cfg:      cfg,
		limiter:  newImportLimiter(cfg.MaxConcurrent, defaultImportSlotWait),
	}
}

// Import runs the whole pipeline: stage, parse or convert, adapt
// geometry, normalize columns, persist, register. The staged file is
// kept under the files dir; conversion byproducts are removed.
func (im *Importer) Import(ctx context.Context, up Upload, opts ImportOptions) (*ImportResult, error) {
	if up.Filename == "" {
		return nil, BadRequestf("not found file in request")
	}
	opts = opts.withDefaults()

	if err := im.limiter.acquire(ctx); err != nil {
		return nil, err
	}
	defer im.limiter.release()

	staged, err := im.stage(up)
	if err != nil {
		return nil, err
	}

	frame, err := im.load(ctx, staged, opts)
	if err != nil {
		return nil, err
	}

	if err := frame.applyGeometryFormat(opts.GeometryField, opts.GeometryFormat); err != nil {
		return nil, err
	}
	frame.normalizeColumns(opts.GeometryField)

	geomType, err := frame.geometryColumnType()
	if err != nil {
		return nil, err
	}

	physical := newPhysicalName(tablePrefix(up.Filename))
	if err := im.persist(ctx, physical, frame, geomType); err != nil {
		return nil, err
	}

	alias := opts.Alias
	if alias == "" {
		alias = baseName(up.Filename)
	}
	locale := opts.Locale
	if locale == "" {
		locale = im.cfg.DefaultLocale
	}
	return im.register(ctx, physical, locale, alias)
}

// CreateEmpty creates a registered table from an explicit field list
// instead of a file. Unknown field kinds and geometry types abort before
// any DDL runs.
func (im *Importer) CreateEmpty(ctx context.Context, spec EmptyTableSpec) (*ImportResult, error) {
	type pending struct {
		name, sqlType, alias string
	}
	var cols []pending
	for _, f := range spec.Fields {
		name := sanitizeColumnName(f.Name)
		if name == "" || name == "gis_id" {
			return nil, BadRequestf("failed request: not valid field %s", f.Name)
		}
		sqlType, ok := fieldKindSQL[f.Type]
		if !ok {
			return nil, BadRequestf("not found type of attrs")
		}
		cols = append(cols, pending{name: name, sqlType: sqlType, alias: f.Alias})
	}
	if spec.GeometryType != "" && !IsGeometryType(spec.GeometryType) {
		return nil, BadRequestf("not valid geometry_type")
	}

	physical := newPhysicalName("geotable")
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (gis_id SERIAL PRIMARY KEY", quoteQualified(physical))
	for _, c := range cols {
		fmt.Fprintf(&b, ", %s %s", quoteIdentifier(c.name), c.sqlType)
	}
	if spec.GeometryType != "" {
		fmt.Fprintf(&b, ", geom geometry(%s,4326)", strings.ToUpper(spec.GeometryType))
	}
	b.WriteString(")")
	if _, err := im.db.Exec(ctx, b.String()); err != nil {
		return nil, wrapStorage(err)
	}

	locale := spec.Locale
	if locale == "" {
		locale = im.cfg.DefaultLocale
	}
	res, err := im.register(ctx, physical, locale, spec.Alias)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if c.alias == "" {
			continue
		}
		if err := im.registry.UpsertColumnAlias(ctx, res.TableID, c.name, locale, c.alias); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// stage writes the upload into the files dir under a collision-free
// name and returns its path.
func (im *Importer) stage(up Upload) (string, error) {
	if err := os.MkdirAll(im.cfg.FilesDir, 0o755); err != nil {
		return "", persistenceFailed("failed to save file", err)
	}
	path := filepath.Join(im.cfg.FilesDir,
		uuid.NewString()[:8]+"_"+sanitizeFileName(up.Filename))
	dst, err := os.Create(path)
	if err != nil {
		return "", persistenceFailed("failed to save file", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, up.Content); err != nil {
		os.Remove(path)
		return "", persistenceFailed("failed to save file", err)
	}
	return path, nil
}

// load produces a Frame from the staged file. JSON goes straight to the
// parser behind the encoding ladder; everything else is converted to
// GeoJSON with ogr2ogr first.
func (im *Importer) load(ctx context.Context, staged string, opts ImportOptions) (*Frame, error) {
	switch strings.ToLower(filepath.Ext(staged)) {
	case ".json", ".geojson":
		data, err := os.ReadFile(staged)
		if err != nil {
			return nil, persistenceFailed("failed to read file", err)
		}
		data, err = decodeText(data)
		if err != nil {
			return nil, err
		}
		return parseJSONUpload(data, opts.GeometryField, opts.GeometryFormat)

	default:
		converted, err := im.convert(ctx, staged)
		if err != nil {
			return nil, err
		}
		defer os.Remove(converted)
		data, err := os.ReadFile(converted)
		if err != nil {
			return nil, conversionFailed("failed to convert file", err)
		}
		// ogr2ogr copies undeclared DBF attribute bytes through verbatim,
		// so the converted file goes through the same encoding ladder.
		data, err = decodeText(data)
		if err != nil {
			return nil, err
		}
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, conversionFailed("failed to convert file", err)
		}
		return frameFromFeatureCollection(fc), nil
	}
}

// convert shells out to ogr2ogr, reprojecting to EPSG:4326. Zip archives
// are handed to GDAL through its vsizip virtual filesystem.
func (im *Importer) convert(ctx context.Context, staged string) (string, error) {
	src := staged
	if strings.EqualFold(filepath.Ext(staged), ".zip") {
		src = "/vsizip/" + staged
	}
	out := strings.TrimSuffix(staged, filepath.Ext(staged)) + ".geojson"

	bin := im.cfg.Ogr2ogrPath
	if bin == "" {
		bin = "ogr2ogr"
	}
	cmd := exec.CommandContext(ctx, bin, "-f", "GeoJSON", "-t_srs", "EPSG:4326", out, src)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", conversionFailed("failed to convert file",
			fmt.Errorf("ogr2ogr: %s: %w", bytes.TrimSpace(output), err))
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		return "", conversionFailed("failed to convert file", err)
	}
	return out, nil
}

// persist creates the physical table, bulk-inserts the rows, then adds
// the serial primary key as a separate DDL step. A geometry column is
// created only when at least one row carries one.
func (im *Importer) persist(ctx context.Context, physical string, f *Frame, geomType string) error {
	hasGeom := geomType != ""

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (", quoteQualified(physical))
	sep := ""
	for _, col := range f.Columns {
		fmt.Fprintf(&b, "%s%s %s", sep, quoteIdentifier(col), f.inferColumnType(col))
		sep = ", "
	}
	if hasGeom {
		fmt.Fprintf(&b, "%sgeom geometry(%s,4326)", sep, geomType)
	}
	b.WriteString(")")
	if _, err := im.db.Exec(ctx, b.String()); err != nil {
		return wrapStorage(err)
	}

	if err := im.insertRows(ctx, physical, f, hasGeom); err != nil {
		return err
	}

	pk := fmt.Sprintf("ALTER TABLE %s ADD COLUMN gis_id SERIAL PRIMARY KEY",
		quoteQualified(physical))
	if _, err := im.db.Exec(ctx, pk); err != nil {
		return wrapStorage(err)
	}
	return nil
}

func (im *Importer) insertRows(ctx context.Context, physical string, f *Frame, hasGeom bool) error {
	if len(f.Rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(f.Columns)+1)
	for _, c := range f.Columns {
		cols = append(cols, quoteIdentifier(c))
	}
	if hasGeom {
		cols = append(cols, "geom")
	}

	for start := 0; start < len(f.Rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(f.Rows) {
			end = len(f.Rows)
		}
		ins := sq.Insert(quoteQualified(physical)).Columns(cols...)
		for i := start; i < end; i++ {
			vals := make([]interface{}, 0, len(cols))
			for _, c := range f.Columns {
				vals = append(vals, importScalar(f.Rows[i][c]))
			}
			if hasGeom {
				g := f.Geometries[i]
				if g == nil {
					vals = append(vals, nil)
				} else {
					raw, err := wkb.Marshal(g)
					if err != nil {
						return conversionFailed("failed to convert file", err)
					}
					vals = append(vals, sq.Expr("ST_SetSRID(ST_GeomFromWKB(?),4326)", raw))
				}
			}
			ins = ins.Values(vals...)
		}
		query, args, err := ins.PlaceholderFormat(sq.Dollar).ToSql()
		if err != nil {
			return persistenceFailed("failed to save data", err)
		}
		if _, err := im.db.Exec(ctx, query, args...); err != nil {
			return wrapStorage(err)
		}
	}
	return nil
}

// register catalogs the new table and records its display alias.
func (im *Importer) register(ctx context.Context, physical, locale, alias string) (*ImportResult, error) {
	entry, err := im.registry.CreateEntry(ctx, physical)
	if err != nil {
		return nil, err
	}
	res := &ImportResult{TableID: entry.ID, Alias: map[string]string{}}
	if alias != "" {
		if err := im.registry.UpsertAlias(ctx, entry.ID, locale, alias); err != nil {
			return nil, err
		}
		res.Alias[locale] = alias
	}
	return res, nil
}

// importScalar re-serializes composite JSON values so they load into
// jsonb or text columns; scalars pass through.
func importScalar(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	default:
		return v
	}
}

// decodeText brings a byte stream to UTF-8: already-valid input passes
// through, then a chardet sniff picks a decoder, then Windows-1251 is
// tried as the legacy default.
func decodeText(data []byte) ([]byte, error) {
	if utf8.Valid(data) {
		return data, nil
	}
	if res, err := chardet.NewTextDetector().DetectBest(data); err == nil {
		if enc, err := ianaindex.IANA.Encoding(res.Charset); err == nil && enc != nil {
			if out, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(out) {
				return out, nil
			}
		}
	}
	if out, err := charmap.Windows1251.NewDecoder().Bytes(data); err == nil && utf8.Valid(out) {
		return out, nil
	}
	return nil, Unprocessablef("unknown encoding of file")
}

// tablePrefix derives the physical-name prefix from an upload name.
func tablePrefix(filename string) string {
	p := sanitizeColumnName(baseName(filename))
	p = strings.Trim(p, "_")
	if p == "" {
		return "geotable"
	}
	if len(p) > 32 {
		p = p[:32]
	}
	return p
}

// baseName strips the directory and extension from an upload name.
func baseName(filename string) string {
	b := filepath.Base(filename)
	return strings.TrimSuffix(b, filepath.Ext(b))
}

// sanitizeFileName keeps a staged file recognizable while stripping
// anything path-like from the client-supplied name.
func sanitizeFileName(filename string) string {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	stem := nonWord.ReplaceAllString(strings.TrimSuffix(base, ext), "_")
	return stem + strings.ToLower(ext)
}
