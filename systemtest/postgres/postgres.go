// Package postgres starts a throwaway Postgres container for the job-report
// archive tests.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	image           = "postgres:17-alpine"
	archiveUser     = "fleet"
	archivePassword = "fleet"
	archiveDatabase = "fleet_archive"
)

// Archive is a running Postgres container plus the DSN the jobstore needs.
type Archive struct {
	container *postgres.PostgresContainer

	// URL is a sslmode=disable connection string for the archive database.
	URL string
}

// Start launches a Postgres container provisioned for the job-report archive
// and waits until it accepts connections.
func Start(ctx context.Context) (*Archive, error) {
	container, err := postgres.Run(ctx,
		image,
		postgres.WithUsername(archiveUser),
		postgres.WithPassword(archivePassword),
		postgres.WithDatabase(archiveDatabase),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to resolve connection string: %w", err)
	}

	return &Archive{container: container, URL: url}, nil
}

// Stop terminates the underlying container.
func (a *Archive) Stop(ctx context.Context) error {
	if err := a.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate Postgres container: %w", err)
	}
	return nil
}
