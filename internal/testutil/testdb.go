// Package testutil provides database helpers for tests that need a real
// Postgres instance. Tests are skipped when RACE_TEST_DATABASE_DSN is
// unset, so the unit suite stays runnable without infrastructure.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/velorace/backend/internal/race"
)

var testSchemaNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OpenTestStore opens a race store against a throwaway schema so parallel
// test packages never see each other's rows. Cleanup drops the schema.
func OpenTestStore(t *testing.T) *race.Store {
	t.Helper()

	dsn := os.Getenv("RACE_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("skip test db: RACE_TEST_DATABASE_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	if err := execSchemaDDL(dsn, "CREATE SCHEMA %s", schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	store, err := race.NewStore(withSearchPath(dsn, schema))
	if err != nil {
		_ = execSchemaDDL(dsn, "DROP SCHEMA %s CASCADE", schema)
		t.Fatalf("open store: %v", err)
	}

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
		if err := execSchemaDDL(dsn, "DROP SCHEMA %s CASCADE", schema); err != nil {
			t.Errorf("drop schema: %v", err)
		}
	})
	return store
}

func execSchemaDDL(dsn, format, schema string) error {
	if !testSchemaNamePattern.MatchString(schema) {
		return fmt.Errorf("schema %q does not match required pattern", schema)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = db.ExecContext(ctx, fmt.Sprintf(format, pgx.Identifier{schema}.Sanitize()))
	return err
}

func withSearchPath(dsn, schema string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "search_path=" + url.QueryEscape(schema)
}
