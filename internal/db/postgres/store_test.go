package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lucasnoah/conveyor/internal/db/dbtest"
	"github.com/lucasnoah/conveyor/internal/db/postgres"
	"github.com/lucasnoah/conveyor/internal/pipeline"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	// Ryuk needs a Docker bridge network that Podman does not provide.
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("conveyor_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("start postgres container (is Docker available?): %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get postgres connection string: %v", err)
	}
	return connStr
}

func TestStoreContract(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	dbtest.Run(t, func(t *testing.T) pipeline.Store {
		s, err := postgres.Open(ctx, dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		// Every subtest starts from an empty schema.
		if err := s.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		return s
	})
}
