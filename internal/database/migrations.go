package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// migration is one numbered schema change. Applied versions are recorded in
// schema_migrations; schema.sql always reflects the latest version.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "transcripts.likely_silent",
		sql:     `ALTER TABLE transcripts ADD COLUMN IF NOT EXISTS likely_silent boolean NOT NULL DEFAULT false`,
	},
	{
		version: 2,
		name:    "transcripts note_type index",
		sql:     `CREATE INDEX IF NOT EXISTS idx_transcripts_note_type ON transcripts (note_type, started_at DESC)`,
	},
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    int PRIMARY KEY,
	name       text NOT NULL,
	applied_at timestamptz NOT NULL DEFAULT now()
)`

const recordMigration = `INSERT INTO schema_migrations (version, name) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`

// Migrate applies every migration not yet recorded, each in its own
// transaction. A failure is returned as a *MigrationError and should be
// treated as fatal.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}

	pending := pendingMigrations(applied)
	for i, m := range pending {
		err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, recordMigration, m.version, m.name)
			return err
		})
		if err != nil {
			return &MigrationError{failed: m, pending: pending[i:], err: err}
		}
		db.log.Info().Int("version", m.version).Str("migration", m.name).Msg("schema migration applied")
	}
	if len(pending) > 0 {
		db.log.Info().Int("applied", len(pending)).Msg("schema migrations complete")
	}
	return nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := db.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func pendingMigrations(applied map[int]bool) []migration {
	var out []migration
	for _, m := range migrations {
		if !applied[m.version] {
			out = append(out, m)
		}
	}
	return out
}

// MigrationError carries the SQL needed to finish the remaining migrations
// by hand, for databases where the service role lacks DDL rights.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %d (%s) failed: %v\n\n", e.failed.version, e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
		fmt.Fprintf(&b, "  INSERT INTO schema_migrations (version, name) VALUES (%d, '%s');\n", m.version, m.name)
	}
	b.WriteString("\nThen restart whisper-notes.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
