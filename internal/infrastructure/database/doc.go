// Package database opens SQLite databases and applies schema migrations.
//
// Connections use WAL mode when asked, a busy timeout, and a single open
// connection because SQLite has one writer. Files are created 0600.
//
// Migrations are read from any fs.FS, usually the embedded FS of the
// migrations package. Files are named <date>_<time>_<name>.up.sql with an
// optional matching .down.sql:
//
//	db, err := database.Open(database.Config{Path: "/var/lib/sensor_reporter/history.db", WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Each migration runs in its own transaction; a failure leaves the earlier
// ones applied and the failing one rolled back. Running Migrate again picks
// up where it stopped.
package database
