// Package migrations embeds the schema owned by the ingestion pipeline and
// applies it with golang-migrate.
package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/DeafMist/dataracy/backend/internal/logger"
)

// DefaultTable records applied versions.
const DefaultTable = "schema_migrations"

//go:embed sql/*.sql
var migrationFiles embed.FS

// 001_name.up.sql or 001_name.down.sql
var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

// ErrDirty is returned when a previous migration failed half way.
var ErrDirty = errors.New("migration is dirty, please fix it before proceeding")

// Files returns the embedded migration directory.
func Files() fs.FS {
	sub, err := fs.Sub(migrationFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Validate checks that every file is well named and that every up file has
// a matching down file.
func Validate(files fs.FS) error {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	pairs := make(map[string]map[string]bool)
	var bad error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filenamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			bad = multierror.Append(bad, fmt.Errorf("invalid migration filename %q", e.Name()))
			continue
		}
		key := m[1] + "_" + m[2]
		if pairs[key] == nil {
			pairs[key] = map[string]bool{}
		}
		pairs[key][m[3]] = true
	}
	if len(pairs) == 0 {
		return errors.New("no migration files found")
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !pairs[k]["up"] || !pairs[k]["down"] {
			bad = multierror.Append(bad, fmt.Errorf("migration %s is missing its up or down file", k))
		}
	}
	return bad
}

func newMigrate(pool *pgxpool.Pool, table string) (*migrate.Migrate, func() error, error) {
	if table == "" {
		table = DefaultTable
	}
	sourceDriver, err := iofs.New(Files(), ".")
	if err != nil {
		return nil, nil, fmt.Errorf("create iofs driver: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	dbDriver, err := pgx.WithInstance(sqlDB, &pgx.Config{MigrationsTable: table})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("create pgx driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		_ = dbDriver.Close()
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("create migrate instance: %w", err)
	}

	closeAll := func() error {
		var result error
		if err := dbDriver.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := sqlDB.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		return result
	}
	return m, closeAll, nil
}

// stopOnCancel asks m to stop after the current migration when ctx ends.
func stopOnCancel(ctx context.Context, m *migrate.Migrate) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Up applies all pending migrations.
func Up(ctx context.Context, pool *pgxpool.Pool, table string, log *slog.Logger) error {
	log = logger.OrDiscard(log)
	if err := Validate(Files()); err != nil {
		return err
	}
	m, closeAll, err := newMigrate(pool, table)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeAll(); err != nil {
			log.Warn("close migration drivers", slog.Any("err", err))
		}
	}()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get current version: %w", err)
	}
	if dirty {
		return ErrDirty
	}

	stop := stopOnCancel(ctx, m)
	defer stop()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	next, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get new version: %w", err)
	}
	log.Info("migrations applied", slog.Uint64("from", uint64(version)), slog.Uint64("to", uint64(next)))
	return nil
}

// Down rolls back steps migrations.
func Down(ctx context.Context, pool *pgxpool.Pool, table string, steps int, log *slog.Logger) error {
	log = logger.OrDiscard(log)
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	m, closeAll, err := newMigrate(pool, table)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeAll(); err != nil {
			log.Warn("close migration drivers", slog.Any("err", err))
		}
	}()

	stop := stopOnCancel(ctx, m)
	defer stop()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback failed: %w", err)
	}
	log.Info("migrations rolled back", slog.Int("steps", steps))
	return nil
}
