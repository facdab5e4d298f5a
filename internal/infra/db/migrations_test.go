package db

import (
	"strings"
	"testing"
)

func TestLoadStatementsSplitsPerBackend(t *testing.T) {
	pg, err := loadStatements("postgres_")
	if err != nil {
		t.Fatalf("load postgres statements: %v", err)
	}
	if len(pg) < 2 || !strings.HasPrefix(pg[0], "CREATE TABLE IF NOT EXISTS campaigns") {
		t.Fatalf("unexpected postgres statements: %q", pg)
	}

	cql, err := loadStatements("scylla_")
	if err != nil {
		t.Fatalf("load scylla statements: %v", err)
	}
	if len(cql) != 1 || !strings.Contains(cql[0], "attempts_by_campaign") {
		t.Fatalf("unexpected scylla statements: %q", cql)
	}
}
