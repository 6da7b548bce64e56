// Package mysql implements internal/sink's Dialect for a MySQL-compatible
// warehouse, via github.com/go-sql-driver/mysql.
package mysql

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// Dialect is the MySQL internal/sink.Dialect implementation.
type Dialect struct{}

func New() Dialect { return Dialect{} }

func (Dialect) DriverName() string { return "mysql" }

func (Dialect) Quote(identifier string) string {
	return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
}

var invalidIdentChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Sanitize maps an arbitrary object name to a valid MySQL identifier:
// non-alphanumeric characters become underscores, and a leading digit is
// prefixed (MySQL identifiers may not start with a digit unless quoted).
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
// targeting go-sql-driver/mysql's transient-connection error surface.
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
	} {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// Open builds a *sql.DB for the given DSN using this dialect's driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql warehouse: %w", err)
	}
	return db, nil
}
