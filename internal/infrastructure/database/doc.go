// Package database provides SQLite connectivity for the parklink device
// catalog.
//
// The catalog (device endpoints, link/alarm status, gate locations and
// gate-state write-through) lives in a single SQLite file opened with
// WAL mode and a busy timeout. Schema changes are applied from an
// embedded filesystem at startup:
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
// All queries use parameterised statements and the file is chmod 0600.
package database
