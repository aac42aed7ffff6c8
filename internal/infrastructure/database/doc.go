// Package database provides SQLite connectivity for Fleet Core.
//
// It manages the single-writer connection pool, WAL mode, embedded schema
// migrations and a small transaction helper used by the repositories to
// pair a conditional status update with its audit event.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
package database
