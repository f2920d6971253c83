// Package pgtest starts a disposable Postgres for integration tests.
package pgtest

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SetupTestDatabase runs postgres in a container, applies the test schema and returns the
// container with its connection string. Callers terminate the container.
func SetupTestDatabase(ctx context.Context) (testcontainers.Container, string, error) {
	containerReq := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
		Env: map[string]string{
			"POSTGRES_DB":       "shop",
			"POSTGRES_PASSWORD": "shop",
			"POSTGRES_USER":     "shop",
		},
	}
	dbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: containerReq,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}
	port, err := dbContainer.MappedPort(ctx, "5432")
	if err != nil {
		return dbContainer, "", err
	}
	host, err := dbContainer.Host(ctx)
	if err != nil {
		return dbContainer, "", err
	}

	dsn := fmt.Sprintf("postgres://shop:shop@%v:%v/shop?sslmode=disable", host, port.Port())
	if err := MigrateDB(dsn); err != nil {
		return dbContainer, "", err
	}
	return dbContainer, dsn, nil
}

// MigrateDB applies the embedded test schema to the database at dsn.
func MigrateDB(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "pgx5://"+strings.TrimPrefix(dsn, "postgres://"))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
