//go:build cgo

package dolt

import (
	"database/sql"
	"fmt"

	embedded "github.com/dolthub/driver"
)

// OpenEmbedded opens a local Dolt database directly (no server process):
// ParseDSN -> NewConnector -> sql.OpenDB. Requires CGO.
func OpenEmbedded(dsn string) (*sql.DB, error) {
	cfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse embedded dolt dsn: %w", err)
	}
	connector, err := embedded.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("create embedded dolt connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}
