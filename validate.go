package taxietl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

var ErrInvalidPipeline = errors.New("pipeline verification failed")

// CheckResult is the outcome of one verification check. Count-style checks
// are informational and always pass; invariant checks fail when their
// condition does not hold.
type CheckResult struct {
	Name   string
	Value  string
	OK     bool
	Detail string
}

type VerifyReport struct {
	Checks []CheckResult
}

func (r *VerifyReport) Failed() []CheckResult {
	var failed []CheckResult
	for _, check := range r.Checks {
		if !check.OK {
			failed = append(failed, check)
		}
	}
	return failed
}

// Verify runs the read-only cross-layer checks against dbPath. The report
// is returned even when verification fails.
func Verify(dbPath string) (*VerifyReport, error) {
	if dbPath == "" {
		panic("Missing dbPath")
	}

	db, err := sqlite.OpenConn(dbPath, sqlite.SQLITE_OPEN_READONLY)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	return verify(db, verifyOpts{logLevel: slog.LevelError})
}

type verifyOpts struct {
	ignore   bool
	logLevel slog.Level
}

func verify(db *sqlite.Conn, opts verifyOpts) (*VerifyReport, error) {
	v := &verifier{db: db, opts: opts}

	slog.Info("Verifying")

	bronzeCount, err := countRows(db, "bronze_trips")
	if err != nil {
		return nil, err
	}
	v.pass("bronze row count", fmt.Sprintf("%d", bronzeCount))

	silverCount, err := countRows(db, "silver_suspicious_rides")
	if err != nil {
		return nil, err
	}
	v.pass("suspicious-ride row count", fmt.Sprintf("%d", silverCount))

	var weeklyTotal int64
	err = sqlitex.Exec(db, "SELECT coalesce(sum(total_rides), 0) AS total FROM silver_weekly_aggregates", func(stmt *sqlite.Stmt) error {
		weeklyTotal = stmt.GetInt64("total")
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.pass("weekly total_rides sum", fmt.Sprintf("%d", weeklyTotal))

	// The weekly aggregate is a full partition of bronze with no drops, so
	// its ride total must equal the bronze count exactly.
	v.check("weekly sum matches bronze count",
		fmt.Sprintf("%d vs %d", weeklyTotal, bronzeCount),
		weeklyTotal == bronzeCount,
		"weekly aggregation lost or duplicated rows")

	var violating int64
	err = sqlitex.Exec(db, "SELECT count(*) AS count FROM bronze_trips WHERE trip_distance IS NULL OR trip_distance <= 0", func(stmt *sqlite.Stmt) error {
		violating = stmt.GetInt64("count")
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.check("bronze distance constraint", fmt.Sprintf("%d violating", violating),
		violating == 0, "rows with null or non-positive distance survived ingest")

	var disagreeing int64
	err = sqlitex.Exec(db, fmt.Sprintf(`SELECT count(*) AS count FROM silver_suspicious_rides
		WHERE suspicious_flag = 1
		  AND (trip_distance IS NULL OR trip_distance = 0 OR fare_amount / trip_distance <= %v)`, suspiciousFareThreshold), func(stmt *sqlite.Stmt) error {
		disagreeing = stmt.GetInt64("count")
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.check("suspicious flag agrees with ratio", fmt.Sprintf("%d disagreeing", disagreeing),
		disagreeing == 0, "stored flag disagrees with the recomputed fare-per-mile")

	var overfullDates int64
	var dateCount int64
	err = sqlitex.Exec(db, `SELECT count(*) AS dates, coalesce(sum(n > 3), 0) AS overfull
		FROM (SELECT count(*) AS n FROM gold_top3_fares_per_day GROUP BY pickup_date)`, func(stmt *sqlite.Stmt) error {
		dateCount = stmt.GetInt64("dates")
		overfullDates = stmt.GetInt64("overfull")
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.check("gold per-date row counts", fmt.Sprintf("%d dates, %d over limit", dateCount, overfullDates),
		overfullDates == 0, "a date holds more than 3 ranked rows")

	report := &VerifyReport{Checks: v.checks}
	if len(report.Failed()) > 0 && !opts.ignore {
		return report, ErrInvalidPipeline
	}
	return report, nil
}

type verifier struct {
	db     *sqlite.Conn
	opts   verifyOpts
	checks []CheckResult
}

func (v *verifier) pass(name, value string) {
	v.checks = append(v.checks, CheckResult{Name: name, Value: value, OK: true})
}

func (v *verifier) check(name, value string, ok bool, detail string) {
	result := CheckResult{Name: name, Value: value, OK: ok}
	if !ok {
		result.Detail = detail
		slog.Log(context.Background(), v.opts.logLevel, fmt.Sprintf("%s: %s (%s)", name, value, detail))
	}
	v.checks = append(v.checks, result)
}
