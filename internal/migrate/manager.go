// Package migrate applies the embedded schema migrations with golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"nexa-erp.dev/internal/db"
)

const defaultMigrationsTable = "schema_migrations"

// ErrNoChange is returned by golang-migrate when already at the target version.
var ErrNoChange = migrate.ErrNoChange

// Manager runs migrations against one database.
type Manager struct {
	dsn             string
	migrationsTable string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// NewManager constructs a Manager for a postgres:// DSN.
func NewManager(dsn string, opts ...Option) (*Manager, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	m := &Manager{dsn: dsn, migrationsTable: defaultMigrationsTable}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Up applies all pending migrations. Already being current is not an error.
func (m *Manager) Up() error {
	return m.run(func(mg *migrate.Migrate) error { return mg.Up() })
}

// Down rolls back the most recent migration.
func (m *Manager) Down() error {
	return m.run(func(mg *migrate.Migrate) error { return mg.Steps(-1) })
}

// Status reports the applied version and whether the last run left it dirty.
func (m *Manager) Status() (version uint, dirty bool, err error) {
	err = m.run(func(mg *migrate.Migrate) error {
		var verr error
		version, dirty, verr = mg.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		return verr
	})
	return version, dirty, err
}

func (m *Manager) run(fn func(*migrate.Migrate) error) error {
	src, err := Source()
	if err != nil {
		return err
	}
	dsn, err := m.databaseURL()
	if err != nil {
		return err
	}
	mg, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = mg.Close() }()

	if err := fn(mg); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (m *Manager) databaseURL() (string, error) {
	u, err := url.Parse(m.dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	if m.migrationsTable != defaultMigrationsTable {
		q := u.Query()
		q.Set("x-migrations-table", m.migrationsTable)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Source opens the embedded migration files.
func Source() (source.Driver, error) {
	src, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	return src, nil
}
