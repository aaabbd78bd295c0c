package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

var (
	sharedDatabaseURL     string
	sharedDatabaseURLOnce sync.Once
	sharedDatabaseURLErr  error
)

// openTestStore returns a migrated, truncated store. It uses TEST_DATABASE_URL
// when set and otherwise starts a disposable Postgres container.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	sharedDatabaseURLOnce.Do(func() {
		sharedDatabaseURL, sharedDatabaseURLErr = setupTestDatabase()
	})
	if sharedDatabaseURLErr != nil {
		t.Skipf("postgres unavailable: %v", sharedDatabaseURLErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := Open(ctx, sharedDatabaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `TRUNCATE conflict_votes, conflicts, decision_log, document_chunks, documents`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewPostgresStore(db)
}

func setupTestDatabase() (string, error) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		var err error
		url, err = startPostgresContainer()
		if err != nil {
			return "", err
		}
	}
	if err := ApplyMigrations(url, zap.NewNop()); err != nil {
		return "", fmt.Errorf("apply migrations: %w", err)
	}
	return url, nil
}

func startPostgresContainer() (string, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "dialectic_test",
			"POSTGRES_USER":     "dialectic",
			"POSTGRES_PASSWORD": "dialectic",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("get container port: %w", err)
	}

	url := fmt.Sprintf("postgres://dialectic:dialectic@%s:%s/dialectic_test?sslmode=disable", host, port.Port())

	for i := 0; i < 10; i++ {
		db, err := sql.Open("pgx", url)
		if err == nil {
			err = db.PingContext(ctx)
			_ = db.Close()
		}
		if err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	return url, nil
}
