package taxietl

import (
	"fmt"
	"testing"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuspiciousFlagThreshold(t *testing.T) {
	outDir := testTempdir(t)
	dbPath := outDir + "/trips.db"

	// 125/mi flagged, exactly 100/mi not (the threshold is strict).
	writeTripsCSV(t, outDir+"/trips.csv",
		"2024-01-01 08:00:00,2024-01-01 08:10:00,2.0,250.0,10001,10002",
		"2024-01-01 09:00:00,2024-01-01 09:10:00,2.0,200.0,10001,10002",
		"2024-01-01 10:00:00,2024-01-01 10:10:00,5.0,20.0,10001,10002",
	)

	_, err := Ingest(outDir+"/trips.csv", dbPath, nil)
	require.NoError(t, err)

	db := testOpenConn(t, dbPath)

	flags := make(map[string]int64)
	err = sqlitex.Exec(db, "SELECT tpep_pickup_datetime, suspicious_flag FROM silver_suspicious_rides", func(stmt *sqlite.Stmt) error {
		flags[stmt.GetText("tpep_pickup_datetime")] = stmt.GetInt64("suspicious_flag")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), flags["2024-01-01 08:00:00"])
	assert.Equal(t, int64(0), flags["2024-01-01 09:00:00"])
	assert.Equal(t, int64(0), flags["2024-01-01 10:00:00"])
}

func TestSuspiciousGuardsZeroDistance(t *testing.T) {
	outDir := testTempdir(t)
	dbPath := outDir + "/trips.db"

	writeTripsCSV(t, outDir+"/trips.csv",
		"2024-01-01 08:00:00,2024-01-01 08:10:00,2.0,10.0,10001,10002",
	)

	_, err := Ingest(outDir+"/trips.csv", dbPath, &IngestOpts{SkipDerived: true})
	require.NoError(t, err)

	// The annotator re-guards rather than trusting the bronze constraint,
	// so a zero-distance row planted behind the loader must come out with a
	// null ratio and a false (not null) flag.
	db := testOpenConn(t, dbPath)
	err = sqlitex.Exec(db, `INSERT INTO bronze_trips VALUES
		('2024-01-01 09:00:00', '2024-01-01 09:10:00', 0, 500.0, 10001, 10002)`, sqlitexNoop)
	require.NoError(t, err)

	require.NoError(t, runDerived(db))

	var nullRatio, flag int64
	flag = -1
	err = sqlitex.Exec(db, `SELECT fare_per_mile IS NULL AS null_ratio, suspicious_flag
		FROM silver_suspicious_rides WHERE trip_distance = 0`, func(stmt *sqlite.Stmt) error {
		nullRatio = stmt.GetInt64("null_ratio")
		flag = stmt.GetInt64("suspicious_flag")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), nullRatio)
	assert.Equal(t, int64(0), flag)

	var nullFlags int64
	err = sqlitex.Exec(db, "SELECT count(*) AS count FROM silver_suspicious_rides WHERE suspicious_flag IS NULL", func(stmt *sqlite.Stmt) error {
		nullFlags = stmt.GetInt64("count")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), nullFlags)
}

func TestWeeklyAggregates(t *testing.T) {
	outDir := testTempdir(t)
	dbPath := outDir + "/trips.db"

	writeTripsCSV(t, outDir+"/trips.csv",
		"2024-01-01 08:00:00,2024-01-01 08:10:00,2.0,10.0,10001,10002",
		"2024-01-03 08:00:00,2024-01-03 08:10:00,4.0,30.0,10001,10002",
		"2024-01-10 08:00:00,2024-01-10 08:10:00,1.0,5.0,10001,10002",
	)

	_, err := Ingest(outDir+"/trips.csv", dbPath, nil)
	require.NoError(t, err)

	db := testOpenConn(t, dbPath)

	type weekly struct {
		rides    int64
		fares    float64
		avgMiles float64
	}
	got := make(map[string]weekly)
	err = sqlitex.Exec(db, "SELECT * FROM silver_weekly_aggregates", func(stmt *sqlite.Stmt) error {
		key := fmt.Sprintf("%d-W%02d", stmt.GetInt64("week_year"), stmt.GetInt64("week_of_year"))
		got[key] = weekly{
			rides:    stmt.GetInt64("total_rides"),
			fares:    stmt.GetFloat("total_fares"),
			avgMiles: stmt.GetFloat("avg_distance"),
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, weekly{rides: 2, fares: 40.0, avgMiles: 3.0}, got["2024-W01"])
	assert.Equal(t, weekly{rides: 1, fares: 5.0, avgMiles: 1.0}, got["2024-W02"])
}

func TestWeeklyISOYearBoundary(t *testing.T) {
	outDir := testTempdir(t)
	dbPath := outDir + "/trips.db"

	// 2024-12-30 and 2025-01-02 share ISO week 2025-W01; 2027-01-01 falls
	// in ISO week 2026-W53.
	writeTripsCSV(t, outDir+"/trips.csv",
		"2024-12-30 08:00:00,2024-12-30 08:10:00,2.0,10.0,10001,10002",
		"2025-01-02 08:00:00,2025-01-02 08:10:00,2.0,10.0,10001,10002",
		"2027-01-01 08:00:00,2027-01-01 08:10:00,2.0,10.0,10001,10002",
	)

	_, err := Ingest(outDir+"/trips.csv", dbPath, nil)
	require.NoError(t, err)

	db := testOpenConn(t, dbPath)

	rides := make(map[string]int64)
	err = sqlitex.Exec(db, "SELECT * FROM silver_weekly_aggregates", func(stmt *sqlite.Stmt) error {
		key := fmt.Sprintf("%d-W%02d", stmt.GetInt64("week_year"), stmt.GetInt64("week_of_year"))
		rides[key] = stmt.GetInt64("total_rides")
		return nil
	})
	require.NoError(t, err)

	require.Len(t, rides, 2)
	assert.Equal(t, int64(2), rides["2025-W01"])
	assert.Equal(t, int64(1), rides["2026-W53"])
}

func TestTopFaresPerDay(t *testing.T) {
	outDir := testTempdir(t)
	dbPath := outDir + "/trips.db"

	// Five trips on Jan 1 (with a fare tie at the cut), two on Jan 2.
	writeTripsCSV(t, outDir+"/trips.csv",
		"2024-01-01 08:00:00,2024-01-01 08:10:00,2.0,50.0,10001,10002",
		"2024-01-01 09:00:00,2024-01-01 09:10:00,2.0,80.0,10001,10002",
		"2024-01-01 10:00:00,2024-01-01 10:10:00,2.0,30.0,10001,10002",
		"2024-01-01 11:00:00,2024-01-01 11:10:00,2.0,30.0,10001,10002",
		"2024-01-01 12:00:00,2024-01-01 12:10:00,2.0,10.0,10001,10002",
		"2024-01-02 08:00:00,2024-01-02 08:10:00,2.0,40.0,10001,10002",
		"2024-01-02 09:00:00,2024-01-02 09:10:00,2.0,60.0,10001,10002",
	)

	_, err := Ingest(outDir+"/trips.csv", dbPath, nil)
	require.NoError(t, err)

	db := testOpenConn(t, dbPath)

	type ranked struct {
		pickup string
		fare   float64
	}
	byRank := make(map[string]map[int64]ranked)
	err = sqlitex.Exec(db, "SELECT * FROM gold_top3_fares_per_day", func(stmt *sqlite.Stmt) error {
		date := stmt.GetText("pickup_date")
		if byRank[date] == nil {
			byRank[date] = make(map[int64]ranked)
		}
		byRank[date][stmt.GetInt64("fare_rank")] = ranked{
			pickup: stmt.GetText("tpep_pickup_datetime"),
			fare:   stmt.GetFloat("fare_amount"),
		}
		return nil
	})
	require.NoError(t, err)

	jan1 := byRank["2024-01-01"]
	require.Len(t, jan1, 3)
	assert.Equal(t, 80.0, jan1[1].fare)
	assert.Equal(t, 50.0, jan1[2].fare)
	// Tie at 30.0 broken by ingestion order: the 10:00 trip wins rank 3.
	assert.Equal(t, 30.0, jan1[3].fare)
	assert.Equal(t, "2024-01-01 10:00:00", jan1[3].pickup)

	jan2 := byRank["2024-01-02"]
	require.Len(t, jan2, 2)
	assert.Equal(t, 60.0, jan2[1].fare)
	assert.Equal(t, 40.0, jan2[2].fare)
}

func TestRunDerivedReplacesPriorState(t *testing.T) {
	outDir := testTempdir(t)
	dbPath := outDir + "/trips.db"

	writeTripsCSV(t, outDir+"/trips.csv",
		"2024-01-01 08:00:00,2024-01-01 08:10:00,2.0,10.0,10001,10002",
	)

	_, err := Ingest(outDir+"/trips.csv", dbPath, nil)
	require.NoError(t, err)

	// A second recompute must not accumulate rows.
	require.NoError(t, RunDerived(dbPath))

	db := testOpenConn(t, dbPath)
	assert.Equal(t, int64(1), testCountRows(t, db, "silver_suspicious_rides"))
	assert.Equal(t, int64(1), testCountRows(t, db, "silver_weekly_aggregates"))
	assert.Equal(t, int64(1), testCountRows(t, db, "gold_top3_fares_per_day"))
}
