// Package database provides the SQLite store behind pshal's transition
// history.
//
// Open configures WAL mode, the busy timeout and a single-connection pool;
// Migrate applies the versioned schema embedded by the migrations package.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or defaulted, and every
// .up.sql has a matching .down.sql. All queries use placeholders.
package database
