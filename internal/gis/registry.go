package gis

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Registry owns the table catalog: LogicalTable rows, folders, table
// aliases and column aliases. The query engine never touches these rows
// except through Registry.
type Registry struct {
	db DB
}

// NewRegistry creates a Registry backed by db.
func NewRegistry(db DB) *Registry {
	return &Registry{db: db}
}

// catalogDDL creates the catalog tables on startup. Attachment and
// comment rows are owned by external collaborators but are declared here
// so delete cascades have something to cascade to on a fresh database.
var catalogDDL = []string{
	`CREATE TABLE IF NOT EXISTS table_folders (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS table_names (
		id SERIAL PRIMARY KEY,
		table_name TEXT NOT NULL,
		is_folder BOOLEAN NOT NULL DEFAULT FALSE,
		parent_id INTEGER REFERENCES table_folders(id)
	)`,
	`CREATE TABLE IF NOT EXISTS localization (
		id SERIAL PRIMARY KEY,
		table_id INTEGER NOT NULL REFERENCES table_names(id) ON DELETE CASCADE,
		language TEXT NOT NULL,
		alias TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS table_aliases (
		id SERIAL PRIMARY KEY,
		table_id INTEGER NOT NULL REFERENCES table_names(id) ON DELETE CASCADE,
		language TEXT NOT NULL,
		table_field TEXT NOT NULL,
		alias TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS comments_tables (
		id SERIAL PRIMARY KEY,
		table_id INTEGER NOT NULL REFERENCES table_names(id) ON DELETE CASCADE,
		row_id INTEGER,
		created_by TEXT,
		created_at TIMESTAMPTZ DEFAULT now(),
		text TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS table_files (
		id SERIAL PRIMARY KEY,
		table_id INTEGER NOT NULL REFERENCES table_names(id) ON DELETE CASCADE,
		row_id INTEGER,
		created_at TIMESTAMPTZ DEFAULT now(),
		created_by TEXT,
		filename TEXT,
		name TEXT,
		path TEXT
	)`,
}

// EnsureSchema creates the catalog tables if they do not exist yet.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	for _, ddl := range catalogDDL {
		if _, err := r.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create catalog tables: %w", err)
		}
	}
	return nil
}

// Resolve looks up a catalog entry by id.
func (r *Registry) Resolve(ctx context.Context, id int) (LogicalTable, error) {
	var t LogicalTable
	err := r.db.QueryRow(ctx,
		`SELECT id, table_name, is_folder, parent_id FROM table_names WHERE id = $1`, id).
		Scan(&t.ID, &t.PhysicalName, &t.IsFolder, &t.ParentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LogicalTable{}, NotFoundf("table not found")
		}
		return LogicalTable{}, wrapStorage(err)
	}
	return t, nil
}

// ListAll returns every catalog entry, folders included.
func (r *Registry) ListAll(ctx context.Context) ([]LogicalTable, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, table_name, is_folder, parent_id FROM table_names ORDER BY id`)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	var tables []LogicalTable
	for rows.Next() {
		var t LogicalTable
		if err := rows.Scan(&t.ID, &t.PhysicalName, &t.IsFolder, &t.ParentID); err != nil {
			return nil, wrapStorage(err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// Aliases returns the localized table aliases keyed by language code.
func (r *Registry) Aliases(ctx context.Context, tableID int) (map[string]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT language, alias FROM localization WHERE table_id = $1`, tableID)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	aliases := make(map[string]string)
	for rows.Next() {
		var lang string
		var alias *string
		if err := rows.Scan(&lang, &alias); err != nil {
			return nil, wrapStorage(err)
		}
		if alias != nil {
			aliases[lang] = *alias
		}
	}
	return aliases, rows.Err()
}

// FolderOf resolves the Folder behind a folder-typed catalog entry by
// matching the entry's physical name against the folder table.
func (r *Registry) FolderOf(ctx context.Context, table LogicalTable) (Folder, error) {
	var f Folder
	err := r.db.QueryRow(ctx,
		`SELECT id, name FROM table_folders WHERE name = $1`, table.PhysicalName).
		Scan(&f.ID, &f.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Folder{}, NotFoundf("folder not found")
		}
		return Folder{}, wrapStorage(err)
	}
	return f, nil
}

// Children returns the catalog entries placed inside a folder.
func (r *Registry) Children(ctx context.Context, folderID int) ([]LogicalTable, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, table_name, is_folder, parent_id FROM table_names WHERE parent_id = $1 ORDER BY id`,
		folderID)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	var children []LogicalTable
	for rows.Next() {
		var t LogicalTable
		if err := rows.Scan(&t.ID, &t.PhysicalName, &t.IsFolder, &t.ParentID); err != nil {
			return nil, wrapStorage(err)
		}
		children = append(children, t)
	}
	return children, rows.Err()
}

// CreateEntry registers a new leaf table for an existing physical table
// and returns its catalog row.
func (r *Registry) CreateEntry(ctx context.Context, physicalName string) (LogicalTable, error) {
	var t LogicalTable
	t.PhysicalName = physicalName
	err := r.db.QueryRow(ctx,
		`INSERT INTO table_names (table_name, is_folder) VALUES ($1, FALSE) RETURNING id`,
		physicalName).Scan(&t.ID)
	if err != nil {
		return LogicalTable{}, wrapStorage(err)
	}
	return t, nil
}

// DeleteEntry removes a catalog row. Localization, column aliases,
// comments and file records follow via ON DELETE CASCADE.
func (r *Registry) DeleteEntry(ctx context.Context, db DBTX, id int) error {
	if _, err := db.Exec(ctx, `DELETE FROM table_names WHERE id = $1`, id); err != nil {
		return wrapStorage(err)
	}
	return nil
}

// CreateFolder creates a Folder together with its catalog row and the
// requested alias as one unit.
func (r *Registry) CreateFolder(ctx context.Context, alias, language string) (LogicalTable, error) {
	name := newPhysicalName("folder")

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return LogicalTable{}, wrapStorage(err)
	}
	defer tx.Rollback(ctx)

	var folderID int
	if err := tx.QueryRow(ctx,
		`INSERT INTO table_folders (name) VALUES ($1) RETURNING id`, name).Scan(&folderID); err != nil {
		return LogicalTable{}, wrapStorage(err)
	}

	t := LogicalTable{PhysicalName: name, IsFolder: true}
	if err := tx.QueryRow(ctx,
		`INSERT INTO table_names (table_name, is_folder) VALUES ($1, TRUE) RETURNING id`,
		name).Scan(&t.ID); err != nil {
		return LogicalTable{}, wrapStorage(err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO localization (table_id, language, alias) VALUES ($1, $2, $3)`,
		t.ID, language, alias); err != nil {
		return LogicalTable{}, wrapStorage(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return LogicalTable{}, wrapStorage(err)
	}
	return t, nil
}

// DeleteFolder detaches every child, then removes the folder's catalog row
// and the folder row itself. The three steps are atomic for the caller.
func (r *Registry) DeleteFolder(ctx context.Context, table LogicalTable) error {
	folder, err := r.FolderOf(ctx, table)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return wrapStorage(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE table_names SET parent_id = NULL WHERE parent_id = $1`, folder.ID); err != nil {
		return wrapStorage(err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM table_names WHERE table_name = $1`, folder.Name); err != nil {
		return wrapStorage(err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM table_folders WHERE id = $1`, folder.ID); err != nil {
		return wrapStorage(err)
	}

	return wrapStorage(tx.Commit(ctx))
}

// SetParent moves a table into a folder, or out of any folder when
// parentID is nil. The parent must identify a folder-typed catalog entry;
// an arbitrary leaf id is rejected.
func (r *Registry) SetParent(ctx context.Context, table LogicalTable, parentID *int) error {
	if parentID == nil {
		if _, err := r.db.Exec(ctx,
			`UPDATE table_names SET parent_id = NULL WHERE id = $1`, table.ID); err != nil {
			return wrapStorage(err)
		}
		return nil
	}

	parent, err := r.Resolve(ctx, *parentID)
	if err != nil {
		if HTTPStatus(err) == 404 {
			return BadRequestf("not found parent_id")
		}
		return err
	}
	folder, err := r.FolderOf(ctx, parent)
	if err != nil {
		if HTTPStatus(err) == 404 {
			return BadRequestf("not found parent_id")
		}
		return err
	}

	if _, err := r.db.Exec(ctx,
		`UPDATE table_names SET parent_id = $1 WHERE id = $2`, folder.ID, table.ID); err != nil {
		return wrapStorage(err)
	}
	return nil
}

// UpsertAlias writes a localized table alias, replacing any existing
// alias for the same (table, language).
func (r *Registry) UpsertAlias(ctx context.Context, tableID int, language, alias string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE localization SET alias = $1 WHERE table_id = $2 AND language = $3`,
		alias, tableID, language)
	if err != nil {
		return wrapStorage(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.db.Exec(ctx,
			`INSERT INTO localization (table_id, language, alias) VALUES ($1, $2, $3)`,
			tableID, language, alias); err != nil {
			return wrapStorage(err)
		}
	}
	return nil
}

// DeleteAlias removes the alias for one language.
func (r *Registry) DeleteAlias(ctx context.Context, tableID int, language string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM localization WHERE table_id = $1 AND language = $2`, tableID, language)
	if err != nil {
		return wrapStorage(err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundf("localization not found")
	}
	return nil
}

// UpsertColumnAlias writes a localized alias for one column of a table.
func (r *Registry) UpsertColumnAlias(ctx context.Context, tableID int, column, language, alias string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE table_aliases SET alias = $1 WHERE table_id = $2 AND table_field = $3 AND language = $4`,
		alias, tableID, column, language)
	if err != nil {
		return wrapStorage(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.db.Exec(ctx,
			`INSERT INTO table_aliases (table_id, language, table_field, alias) VALUES ($1, $2, $3, $4)`,
			tableID, language, column, alias); err != nil {
			return wrapStorage(err)
		}
	}
	return nil
}

// DeleteColumnAlias removes a column alias for one language.
func (r *Registry) DeleteColumnAlias(ctx context.Context, tableID int, column, language string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM table_aliases WHERE table_id = $1 AND table_field = $2 AND language = $3`,
		tableID, column, language)
	if err != nil {
		return wrapStorage(err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundf("column alias not found")
	}
	return nil
}

// DeleteColumnAliases removes every language's alias for a column. Used
// when the column itself is dropped.
func (r *Registry) DeleteColumnAliases(ctx context.Context, tableID int, column string) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM table_aliases WHERE table_id = $1 AND table_field = $2`, tableID, column); err != nil {
		return wrapStorage(err)
	}
	return nil
}

// ColumnAliases returns every column alias of a table keyed by column
// name, then by language.
func (r *Registry) ColumnAliases(ctx context.Context, tableID int) (map[string]map[string]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT table_field, language, alias FROM table_aliases WHERE table_id = $1`, tableID)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	aliases := make(map[string]map[string]string)
	for rows.Next() {
		var field, lang string
		var alias *string
		if err := rows.Scan(&field, &lang, &alias); err != nil {
			return nil, wrapStorage(err)
		}
		if alias == nil {
			continue
		}
		if aliases[field] == nil {
			aliases[field] = make(map[string]string)
		}
		aliases[field][lang] = *alias
	}
	return aliases, rows.Err()
}
