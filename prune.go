package taxietl

import (
	"fmt"
	"log/slog"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// Prune writes a copy of inputPath containing only bronze trips whose
// pickup date falls within [from, to] (inclusive, "2006-01-02" form), then
// recomputes the derived tables and re-verifies. The input database is not
// modified.
func Prune(inputPath string, outputPath string, from string, to string) error {
	fromDate, err := time.Parse(dateLayout, from)
	if err != nil {
		return fmt.Errorf("parse from date: %w", err)
	}
	toDate, err := time.Parse(dateLayout, to)
	if err != nil {
		return fmt.Errorf("parse to date: %w", err)
	}
	if toDate.Before(fromDate) {
		return fmt.Errorf("prune window ends (%s) before it starts (%s)", to, from)
	}

	slog.Info(fmt.Sprintf("Writing a pruned copy of %s to %s (keeping %s..%s)",
		inputPath, outputPath, from, to))

	inputDB, err := sqlite.OpenConn(inputPath, sqlite.SQLITE_OPEN_READONLY)
	if err != nil {
		return err
	}
	defer func() {
		if inputDB != nil {
			_ = inputDB.Close()
		}
	}()

	db, err := inputDB.BackupToDB("", outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	err = inputDB.Close()
	inputDB = nil
	if err != nil {
		return err
	}
	slog.Info("Copied input db")

	keptBefore, err := countRows(db, "bronze_trips")
	if err != nil {
		return err
	}

	// Canonical timestamps sort lexicographically, so the date window is a
	// plain string comparison on the date prefix.
	err = sqlitex.Exec(db,
		`DELETE FROM bronze_trips
		 WHERE substr(tpep_pickup_datetime, 1, 10) < ?1
		    OR substr(tpep_pickup_datetime, 1, 10) > ?2`,
		sqlitexNoop, from, to)
	if err != nil {
		return err
	}

	keptAfter, err := countRows(db, "bronze_trips")
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%d of %d trips are inside the window", keptAfter, keptBefore))

	if err := runDerived(db); err != nil {
		return err
	}
	if _, err := verify(db, verifyOpts{logLevel: slog.LevelError}); err != nil {
		return err
	}

	err = db.Close()
	db = nil
	if err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("Wrote %s", outputPath))
	return nil
}
