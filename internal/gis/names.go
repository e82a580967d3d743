package gis

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var nonWord = regexp.MustCompile(`\W`)

// sanitizeColumnName normalizes an untrusted column name to a safe SQL
// identifier: every non-word character becomes an underscore and the
// result is lowercased.
func sanitizeColumnName(name string) string {
	return strings.ToLower(nonWord.ReplaceAllString(name, "_"))
}

// newPhysicalName generates a physical table name. The timestamp keeps
// names readable for operators; the uuid suffix makes two imports within
// the same second collision-free.
func newPhysicalName(prefix string) string {
	ts := time.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("%s_%s_%s", prefix, ts, uuid.NewString()[:8])
}

// newExportName generates a file name for a table export.
func newExportName() string {
	return fmt.Sprintf("file_geotable_%s", time.Now().UTC().Format("02_01_06_15_04_05"))
}
