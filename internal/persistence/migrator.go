package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrator applies {version}_{name}.up.sql / .down.sql files in version
// order, tracking applied versions in public.schema_migrations.
type Migrator struct {
	db    *sql.DB
	files fs.FS
}

// NewMigrator reads migrations from files; pass Migrations() for the
// embedded set or os.DirFS for a directory on disk.
func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	return &Migrator{db: db, files: files}
}

// Up applies all pending up-migrations in order.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	names, err := m.list(".up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	for _, name := range names {
		version := extractVersion(name)
		if applied[version] {
			continue
		}

		content, err := fs.ReadFile(m.files, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := m.apply(ctx, string(content),
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			version, name,
		); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		log.Printf("INFO: applied migration %s", name)
	}
	return nil
}

// UpWithRetry runs Up until it succeeds, waiting interval between failed
// attempts. It returns ctx.Err() if ctx ends first.
func (m *Migrator) UpWithRetry(ctx context.Context, interval time.Duration, logger zerolog.Logger) error {
	for attempt := 1; ; attempt++ {
		err := m.Up(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", interval).Msg("migrations failed, will retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		log.Println("INFO: no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	down := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	content, err := fs.ReadFile(m.files, down)
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", down, err)
	}
	if err := m.apply(ctx, string(content),
		`DELETE FROM public.schema_migrations WHERE version = $1`, version,
	); err != nil {
		return fmt.Errorf("down migration %s: %w", down, err)
	}

	log.Printf("INFO: rolled back migration %s", down)
	return nil
}

// apply runs a migration body and its bookkeeping statement in one tx.
func (m *Migrator) apply(ctx context.Context, body, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) list(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// extractVersion returns the numeric prefix of a migration filename,
// e.g. "000001_sessions.up.sql" -> "000001".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
