package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpenAndMigrate(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	schema := `CREATE TABLE IF NOT EXISTS notes (id INTEGER PRIMARY KEY, body TEXT)`
	if err := Migrate(db, schema, schema); err != nil {
		t.Fatalf("Migrate twice: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO notes (body) VALUES (?)`, NullIfEmpty("")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM notes WHERE body IS NULL`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 NULL body, got %d", n)
	}

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected wal journal mode, got %q", mode)
	}
}

func TestMigrateReportsBadStatement(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, "CREATE TABLE"); err == nil {
		t.Fatal("expected error for malformed schema")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.FixedZone("x", 3600))
	got := ParseTime(FormatTime(ts))
	if !got.Equal(ts) {
		t.Fatalf("round trip: got %v, want %v", got, ts)
	}
	if !ParseTime("not a time").IsZero() {
		t.Fatal("expected zero time for malformed input")
	}
}
