package repo

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// sqliteMigrationsDir holds SQLite dialect migrations inside the embedded FS.
const sqliteMigrationsDir = "sqlite"

// ApplyMigrations executes SQL files against the provided pool in lexicographical order.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool, filesystem fs.FS) error {
	return walkMigrations(filesystem, func(name, sqlText string) error {
		return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, sqlText)
			return err
		})
	})
}

// ApplySQLMigrations executes the SQLite migrations found under sqlite/.
func ApplySQLMigrations(ctx context.Context, db *sql.DB, filesystem fs.FS) error {
	sub, err := fs.Sub(filesystem, sqliteMigrationsDir)
	if err != nil {
		return fmt.Errorf("open sqlite migrations: %w", err)
	}
	return walkMigrations(sub, func(name, sqlText string) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func walkMigrations(filesystem fs.FS, apply func(name, sqlText string) error) error {
	entries, err := fs.ReadDir(filesystem, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		sqlBytes, err := fs.ReadFile(filesystem, entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if len(sqlBytes) == 0 {
			continue
		}

		if err := apply(entry.Name(), string(sqlBytes)); err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}
