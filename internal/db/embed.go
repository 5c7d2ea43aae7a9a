// Package db holds the embedded schema migrations.
package db

import "embed"

// MigrationFS contains migrations/*.sql in golang-migrate naming.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
