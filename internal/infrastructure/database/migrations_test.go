package database

import (
	"context"
	"testing"
	"testing/fstest"
)

var testMigrations = fstest.MapFS{
	"20260301_090000_widgets.up.sql": &fstest.MapFile{
		Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY) STRICT;"),
	},
	"20260301_090000_widgets.down.sql": &fstest.MapFile{
		Data: []byte("DROP TABLE widgets;"),
	},
	"20260302_100000_gadgets.up.sql": &fstest.MapFile{
		Data: []byte("CREATE TABLE gadgets (id TEXT PRIMARY KEY) STRICT;"),
	},
	"README.md": &fstest.MapFile{Data: []byte("ignored")},
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testMigrations); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	for _, table := range []string{"widgets", "gadgets"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s not created", table)
		}
	}

	applied, pending, err := db.MigrationStatus(ctx, testMigrations)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied=%d pending=%d, want 2/0", len(applied), len(pending))
	}

	// Idempotent.
	if err := db.Migrate(ctx, testMigrations); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	only := fstest.MapFS{
		"20260301_090000_widgets.up.sql":   testMigrations["20260301_090000_widgets.up.sql"],
		"20260301_090000_widgets.down.sql": testMigrations["20260301_090000_widgets.down.sql"],
	}
	if err := db.Migrate(ctx, only); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, only); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "widgets") {
		t.Error("widgets should have been dropped")
	}

	applied, _, err := db.MigrationStatus(ctx, only)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("applied = %d after rollback, want 0", len(applied))
	}
}

func TestMigrateDown_NoDownSQL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testMigrations); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// gadgets is the latest and ships without a down file.
	if err := db.MigrateDown(ctx, testMigrations); err == nil {
		t.Error("MigrateDown() expected error for missing down SQL")
	}
}

func TestMigrate_NilFS(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(context.Background(), nil); err != nil {
		t.Fatalf("Migrate(nil) error = %v", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		wantVersion string
		wantUp      bool
		wantOK      bool
	}{
		{"20260301_090000_commands.up.sql", "20260301_090000", true, true},
		{"20260301_090000_commands.down.sql", "20260301_090000", false, true},
		{"20260301_090000_device_events.up.sql", "20260301_090000", true, true},
		{"commands.sql", "", false, false},
		{"20260301.up.sql", "", false, false},
		{"20260301_090000_commands.up.txt", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.name)
			if version != tt.wantVersion || isUp != tt.wantUp || ok != tt.wantOK {
				t.Errorf("parseMigrationFilename(%q) = (%q, %v, %v), want (%q, %v, %v)",
					tt.name, version, isUp, ok, tt.wantVersion, tt.wantUp, tt.wantOK)
			}
		})
	}
}

func TestExtractMigrationName(t *testing.T) {
	tests := map[string]string{
		"20260301_090000_commands.up.sql":      "commands",
		"20260301_090000_device_events.up.sql": "device_events",
		"plain":                                "plain",
	}
	for in, want := range tests {
		if got := extractMigrationName(in); got != want {
			t.Errorf("extractMigrationName(%q) = %q, want %q", in, got, want)
		}
	}
}
