package store

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/database"
)

// openTestDB connects to TEST_DATABASE_URL and applies the schema; the test
// is skipped when the variable is unset or the server is unreachable.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("test database unreachable: %v", err)
	}
	if _, err := db.Exec(`
		DROP TABLE IF EXISTS player_auth CASCADE;
		DROP TABLE IF EXISTS web_users CASCADE;
		DROP TABLE IF EXISTS schema_migrations CASCADE;`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := database.RunMigrations(url); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresStore(t *testing.T) {
	db := openTestDB(t)
	runStoreSuite(t, func(t *testing.T, clk clock.Clock) Store {
		if _, err := db.ExecContext(context.Background(), `TRUNCATE player_auth, web_users`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return NewPostgres(db, clk)
	})
}
