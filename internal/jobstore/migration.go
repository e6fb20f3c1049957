package jobstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const connectTimeout = 10 * time.Second

// RunMigrations brings the job-report archive schema up to date. The caller's
// context bounds the whole migration run, so a cancelled CLI run does not
// leave a migration hanging on an unreachable database.
func RunMigrations(ctx context.Context, dbURL string, schema string) error {
	slog.Info("Running job-report archive migrations...")

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := selectSchema(ctx, db, schema); err != nil {
		return err
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return err
	}

	slog.Info("Job-report archive migrations completed")
	return nil
}

// selectSchema creates the archive schema when missing and routes the
// migration session into it.
func selectSchema(ctx context.Context, db *sql.DB, schema string) error {
	if schema == "" {
		schema = "public"
	}
	ident := pgx.Identifier{schema}.Sanitize()

	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
		return fmt.Errorf("unable to create schema %s: %w", ident, err)
	}
	if _, err := db.ExecContext(ctx, "SET search_path TO "+ident); err != nil {
		return fmt.Errorf("unable to select schema %s: %w", ident, err)
	}
	return nil
}
