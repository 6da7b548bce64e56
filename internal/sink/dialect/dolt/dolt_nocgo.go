//go:build !cgo

package dolt

import (
	"database/sql"
	"fmt"
)

// OpenEmbedded is unavailable in a CGO-disabled build; use Open (server
// mode) instead.
func OpenEmbedded(dsn string) (*sql.DB, error) {
	return nil, fmt.Errorf("embedded dolt requires CGO; rebuild with CGO_ENABLED=1 or use server mode via Open")
}
