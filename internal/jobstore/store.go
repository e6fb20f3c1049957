package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meshworks/fleet-tls/internal/fleet"
)

var ErrNoReports = errors.New("no archived reports")

type Config struct {
	Url    string `mapstructure:"url"`
	Schema string `mapstructure:"schema"`
}

// InitPool opens the connection pool for the job-report archive.
func InitPool(ctx context.Context, url string, schema string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1

	if schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = schema
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slog.Info("Connected to job-report archive")
	return pool, nil
}

// Store archives finished job reports for audit. The JSON report on
// disk remains the source of truth for idempotent re-runs; the archive
// keeps history across hosts.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Archive inserts one finished report. Re-archiving the same fleet run
// is a no-op.
func (s *Store) Archive(ctx context.Context, report *fleet.Report) error {
	nodes, err := json.Marshal(report.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal node states: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_reports (fleet_run_id, group_name, overall_status, started_at, finished_at, nodes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fleet_run_id) DO NOTHING`,
		report.FleetRunID, report.Group, string(report.OverallStatus),
		report.StartedAt, report.FinishedAt, nodes)
	if err != nil {
		return fmt.Errorf("failed to archive report: %w", err)
	}

	slog.Info("Job report archived", "fleet_run_id", report.FleetRunID, "group", report.Group, "status", report.OverallStatus)
	return nil
}

// LastReport returns the most recently finished report for a group.
func (s *Store) LastReport(ctx context.Context, group string) (*fleet.Report, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT fleet_run_id, group_name, overall_status, started_at, finished_at, nodes
		FROM job_reports
		WHERE group_name = $1
		ORDER BY finished_at DESC
		LIMIT 1`, group)

	var report fleet.Report
	var status string
	var nodes []byte
	if err := row.Scan(&report.FleetRunID, &report.Group, &status, &report.StartedAt, &report.FinishedAt, &nodes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: group %s", ErrNoReports, group)
		}
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}

	report.OverallStatus = fleet.JobStatus(status)
	if err := json.Unmarshal(nodes, &report.Nodes); err != nil {
		return nil, fmt.Errorf("failed to parse node states: %w", err)
	}
	return &report, nil
}
