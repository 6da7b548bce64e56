// Package dolt implements internal/sink's Dialect for a Dolt warehouse.
// Dolt speaks the MySQL wire protocol in server mode (pure Go, via
// github.com/go-sql-driver/mysql) and offers an embedded, CGO-only mode
// via github.com/dolthub/driver (dolt_embedded.go, "cgo" build tag). Its
// second-ary advantage as a TableSink dialect is free time-travel on the
// _backup_runs watermark table via Dolt's AS OF queries, noted in
// DESIGN.md.
package dolt

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// Dialect is the Dolt internal/sink.Dialect implementation.
type Dialect struct{}

func New() Dialect { return Dialect{} }

func (Dialect) DriverName() string { return "mysql" } // server mode speaks MySQL wire protocol

func (Dialect) Quote(identifier string) string {
	return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
}

var invalidIdentChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

func (Dialect) Sanitize(object string) string {
	s := invalidIdentChars.ReplaceAllString(object, "_")
	if s == "" {
		return "_"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "t_" + s
	}
	return s
}

// IsRetryable classifies driver-level errors that are safe to retry,
// folding in the Dolt-specific read-only-during-catalog-catchup and
// unknown-database-during-create races.
func (Dialect) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, substr := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
		"database is read only",
		"unknown database",
	} {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// Open connects to a running Dolt sql-server over its MySQL-compatible
// port. dsn follows go-sql-driver/mysql DSN syntax, e.g.
// "root@tcp(127.0.0.1:3306)/mydb".
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open dolt warehouse (server mode): %w", err)
	}
	return db, nil
}
