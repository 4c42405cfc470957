package store

import (
	"context"
	"embed"
	errs "errors"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator handles DB schema migrations using golang-migrate.
type Migrator struct {
	dsn string
}

func NewMigrator(dsn string) (*Migrator, error) {
	if dsn == "" {
		return nil, errors.New("missing DATABASE_URL")
	}
	return &Migrator{dsn: dsn}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(func(mig *migrate.Migrate) error { return mig.Up() })
}

// Down rolls back the latest migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(func(mig *migrate.Migrate) error { return mig.Steps(-1) })
}

// Version reports the applied schema version.
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	var (
		v     uint
		dirty bool
	)
	err := m.run(func(mig *migrate.Migrate) error {
		var err error
		v, dirty, err = mig.Version()
		if errs.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return err
	})
	return v, dirty, err
}

func (m *Migrator) run(step func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "open embedded migrations")
	}
	mig, err := migrate.NewWithSourceInstance("iofs", src, m.dsn)
	if err != nil {
		return errors.Wrap(err, "init migrate")
	}
	defer mig.Close()
	if err := step(mig); err != nil {
		if errs.Is(err, migrate.ErrNoChange) {
			return ErrNoChange
		}
		return err
	}
	return nil
}
