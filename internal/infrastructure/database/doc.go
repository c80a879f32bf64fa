// Package database provides SQLite connectivity for extdevd.
//
// It manages:
//   - Connection setup (WAL mode, foreign keys, busy timeout)
//   - Timestamped, per-transaction schema migrations read from an fs.FS
//   - Health checks used at startup
//
// All repositories receive the embedded *sql.DB and use parameterised
// statements only.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
