package gis

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// attachments handles the cascade side of row and table deletion:
// attachment records, their files on disk, and comments. The CRUD
// endpoints for these records live outside this service; only the
// cleanup paths belong here.
type attachments struct{}

// filePaths returns the stored file paths for a table, optionally scoped
// to one row.
func (attachments) filePaths(ctx context.Context, db DBTX, tableID int, rowID *int) ([]string, error) {
	q := `SELECT path FROM table_files WHERE table_id = $1`
	args := []interface{}{tableID}
	if rowID != nil {
		q += ` AND row_id = $2`
		args = append(args, *rowID)
	}

	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path *string
		if err := rows.Scan(&path); err != nil {
			return nil, wrapStorage(err)
		}
		if path != nil && *path != "" {
			paths = append(paths, *path)
		}
	}
	return paths, rows.Err()
}

// removeFiles deletes files from disk. A file already gone is not an
// error; anything else is propagated.
func (attachments) removeFiles(paths []string) error {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove attachment file %s: %w", path, err)
		}
	}
	return nil
}

// deleteRowRecords removes attachment and comment rows for one data row.
func (attachments) deleteRowRecords(ctx context.Context, db DBTX, tableID, rowID int) error {
	if _, err := db.Exec(ctx,
		`DELETE FROM table_files WHERE table_id = $1 AND row_id = $2`, tableID, rowID); err != nil {
		return wrapStorage(err)
	}
	if _, err := db.Exec(ctx,
		`DELETE FROM comments_tables WHERE table_id = $1 AND row_id = $2`, tableID, rowID); err != nil {
		return wrapStorage(err)
	}
	return nil
}
