// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"visaworker/src/logging"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// Migrator applies the embedded schema to Postgres.
type Migrator struct {
	db *sql.DB
}

func NewMigrator(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Migrator{db: db}, nil
}

func (m *Migrator) Up(ctx context.Context) error {
	inst, close, err := m.instance(ctx)
	defer close()
	if err != nil {
		return err
	}

	err = inst.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	logging.Log("Migrations applied successfully", slog.LevelInfo)
	return nil
}

func (m *Migrator) Down(ctx context.Context) error {
	inst, close, err := m.instance(ctx)
	defer close()
	if err != nil {
		return err
	}

	err = inst.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not revert migrations: %w", err)
	}

	logging.Log("Migrations reverted successfully", slog.LevelInfo)
	return nil
}

func (m *Migrator) instance(ctx context.Context) (instance *migrate.Migrate, close func(), err error) {
	close = func() {}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, close, fmt.Errorf("could not get connection: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		conn.Close()
		return nil, close, fmt.Errorf("could not create driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, "sql")
	if err != nil {
		driver.Close()
		return nil, close, fmt.Errorf("could not create fs: %w", err)
	}
	close = func() {
		if err := src.Close(); err != nil {
			logging.Log(fmt.Sprintf("could not close fs: %s", err), slog.LevelError)
		}
		if err := driver.Close(); err != nil {
			logging.Log(fmt.Sprintf("could not close migration driver: %s", err), slog.LevelError)
		}
	}

	instance, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, close, fmt.Errorf("could not create migration instance: %w", err)
	}

	return instance, close, nil
}
