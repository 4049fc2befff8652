// Package database provides the SQLite connection used by the reading journal.
//
// It manages:
//   - The connection (WAL mode, busy timeout, single writer)
//   - Versioned schema migrations read from an fs.FS
//   - Health checks and lifecycle
//
// The database file is created with 0600 permissions and every query is
// parameterised.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are NULLABLE or carry a DEFAULT, and
// each up file may have a matching down file for development rollbacks.
package database
