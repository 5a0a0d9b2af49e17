package taxietl

import (
	"fmt"
	"log/slog"
	"sort"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// suspiciousFareThreshold is the fare-per-mile above which a ride is
// flagged.
const suspiciousFareThreshold = 100.0

// topFaresPerDay is how many rides per pickup date the gold table keeps.
const topFaresPerDay = 3

// RunDerived recomputes every derived table from bronze_trips. Prior
// derived state is discarded; the result depends only on bronze.
func RunDerived(dbPath string) error {
	if dbPath == "" {
		panic("Missing dbPath")
	}

	db, err := sqlite.OpenConn(dbPath, 0)
	if err != nil {
		return err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	if err := runDerived(db); err != nil {
		return err
	}

	err = db.Close()
	db = nil
	return err
}

func runDerived(db *sqlite.Conn) error {
	slog.Info("Recomputing derived tables")

	if err := annotateSuspiciousRides(db); err != nil {
		return fmt.Errorf("silver_suspicious_rides: %w", err)
	}
	if err := aggregateWeekly(db); err != nil {
		return fmt.Errorf("silver_weekly_aggregates: %w", err)
	}
	if err := materializeTopFares(db); err != nil {
		return fmt.Errorf("gold_top3_fares_per_day: %w", err)
	}
	return nil
}

func recreateTable(db *sqlite.Conn, table string) error {
	if err := sqlitex.ExecTransient(db, "DROP TABLE IF EXISTS "+table, sqlitexNoop); err != nil {
		return err
	}
	return sqlitex.ExecTransient(db, pipelineSchema[table].createQuery(table), sqlitexNoop)
}

// annotateSuspiciousRides derives fare_per_mile and suspicious_flag for
// every bronze row. The zero-distance guard is re-applied here rather than
// assumed from the bronze constraint, so the stage is correct over any
// bronze contents.
func annotateSuspiciousRides(db *sqlite.Conn) error {
	if err := recreateTable(db, "silver_suspicious_rides"); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO silver_suspicious_rides
SELECT
  tpep_pickup_datetime, tpep_dropoff_datetime, trip_distance, fare_amount, pickup_zip, dropoff_zip,
  CASE
    WHEN trip_distance IS NOT NULL AND trip_distance != 0 THEN fare_amount / trip_distance
    ELSE NULL
  END AS fare_per_mile,
  CASE
    WHEN trip_distance IS NOT NULL AND trip_distance != 0
         AND fare_amount / trip_distance > %v THEN 1
    ELSE 0
  END AS suspicious_flag
FROM bronze_trips`, suspiciousFareThreshold)
	if err := sqlitex.ExecTransient(db, query, sqlitexNoop); err != nil {
		return err
	}

	rows, err := countRows(db, "silver_suspicious_rides")
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("Wrote %d rows to silver_suspicious_rides", rows))
	return nil
}

type weekKey struct {
	year int
	week int
}

type weekTotals struct {
	rides       int64
	fareSum     float64
	distanceSum float64
}

// aggregateWeekly groups bronze by the ISO 8601 (year, week) of the pickup
// timestamp. Week numbering is Go's time.ISOWeek: weeks start on Monday
// and week 1 is the week containing the first Thursday of the year, so
// rows near a year boundary may key into the adjacent ISO year.
func aggregateWeekly(db *sqlite.Conn) error {
	if err := recreateTable(db, "silver_weekly_aggregates"); err != nil {
		return err
	}

	totals := make(map[weekKey]*weekTotals)
	err := sqlitex.Exec(db, "SELECT tpep_pickup_datetime, trip_distance, fare_amount FROM bronze_trips", func(stmt *sqlite.Stmt) error {
		pickup, err := parseTimestamp(stmt.GetText("tpep_pickup_datetime"))
		if err != nil {
			return err
		}
		year, week := pickup.ISOWeek()

		key := weekKey{year: year, week: week}
		t := totals[key]
		if t == nil {
			t = &weekTotals{}
			totals[key] = t
		}
		t.rides++
		t.fareSum += stmt.GetFloat("fare_amount")
		t.distanceSum += stmt.GetFloat("trip_distance")
		return nil
	})
	if err != nil {
		return err
	}

	keys := make([]weekKey, 0, len(totals))
	for key := range totals {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].year != keys[j].year {
			return keys[i].year < keys[j].year
		}
		return keys[i].week < keys[j].week
	})

	insertStmt, err := db.Prepare(`INSERT INTO silver_weekly_aggregates
		(week_year, week_of_year, total_rides, total_fares, avg_distance)
		VALUES (?1, ?2, ?3, ?4, ?5)`)
	if err != nil {
		return err
	}
	for _, key := range keys {
		t := totals[key]

		if err := insertStmt.Reset(); err != nil {
			return err
		}
		if err := insertStmt.ClearBindings(); err != nil {
			return err
		}
		insertStmt.BindInt64(1, int64(key.year))
		insertStmt.BindInt64(2, int64(key.week))
		insertStmt.BindInt64(3, t.rides)
		insertStmt.BindFloat(4, t.fareSum)
		insertStmt.BindFloat(5, t.distanceSum/float64(t.rides))

		if _, err := insertStmt.Step(); err != nil {
			return err
		}
	}

	slog.Info(fmt.Sprintf("Wrote %d rows to silver_weekly_aggregates", len(keys)))
	return nil
}

// materializeTopFares keeps the topFaresPerDay highest-fare rides per
// pickup date. The scan arrives grouped by date and sorted by descending
// fare with rowid (ingestion order) as the deterministic tie-break, so
// each group reduces to taking its first rows. Ranked rows are then copied
// over by rowid so NULL fields survive unchanged.
func materializeTopFares(db *sqlite.Conn) error {
	if err := recreateTable(db, "gold_top3_fares_per_day"); err != nil {
		return err
	}

	type rankedRow struct {
		rowid int64
		rank  int64
	}
	var ranked []rankedRow

	currentDate := ""
	rank := int64(0)
	err := sqlitex.Exec(db, `SELECT rowid, substr(tpep_pickup_datetime, 1, 10) AS pickup_date
		FROM bronze_trips
		ORDER BY pickup_date, fare_amount DESC, rowid`, func(stmt *sqlite.Stmt) error {
		date := stmt.GetText("pickup_date")
		if date != currentDate {
			currentDate = date
			rank = 0
		}
		rank++
		if rank <= topFaresPerDay {
			ranked = append(ranked, rankedRow{rowid: stmt.GetInt64("rowid"), rank: rank})
		}
		return nil
	})
	if err != nil {
		return err
	}

	insertQuery := `INSERT INTO gold_top3_fares_per_day
		SELECT substr(tpep_pickup_datetime, 1, 10),
		       tpep_pickup_datetime, tpep_dropoff_datetime, trip_distance, fare_amount, pickup_zip, dropoff_zip,
		       ?2
		FROM bronze_trips WHERE rowid = ?1`
	for _, row := range ranked {
		if err := sqlitex.Exec(db, insertQuery, sqlitexNoop, row.rowid, row.rank); err != nil {
			return err
		}
	}

	slog.Info(fmt.Sprintf("Wrote %d rows to gold_top3_fares_per_day", len(ranked)))
	return nil
}

func countRows(db *sqlite.Conn, table string) (int64, error) {
	var count int64
	err := sqlitex.Exec(db, fmt.Sprintf("SELECT count(*) AS count FROM %s", table), func(stmt *sqlite.Stmt) error {
		count = stmt.GetInt64("count")
		return nil
	})
	return count, err
}
