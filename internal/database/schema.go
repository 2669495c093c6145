package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InitSchema applies schemaSQL to a database without a transcripts table and
// records every known migration as applied, since the schema file already
// contains them. It is a no-op on an initialized database.
func (db *DB) InitSchema(ctx context.Context, schemaSQL []byte) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = current_schema() AND tablename = 'transcripts')`,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if exists {
		db.log.Debug().Msg("schema already initialized")
		return nil
	}

	db.log.Info().Msg("fresh database detected, applying schema")
	err = pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(schemaSQL)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, createMigrationsTable); err != nil {
			return err
		}
		for _, m := range migrations {
			if _, err := tx.Exec(ctx, recordMigration, m.version, m.name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	db.log.Info().Int("baseline_version", migrations[len(migrations)-1].version).Msg("schema applied")
	return nil
}
