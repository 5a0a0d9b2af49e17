package taxietl

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

type IngestOpts struct {
	// SkipDerived leaves the silver/gold tables and verification for a
	// later RunDerived call.
	SkipDerived bool
	// IgnoreInvalid downgrades verification failures to warnings.
	IgnoreInvalid bool
}

var importPragmas = map[string]string{
	"synchronous": "OFF",
}

// sourceColumns are the required header columns of a raw trips CSV, in
// canonical order. The file may list them in any order.
var sourceColumns = []string{
	"tpep_pickup_datetime",
	"tpep_dropoff_datetime",
	"trip_distance",
	"fare_amount",
	"pickup_zip",
	"dropoff_zip",
}

// Ingest reads a raw trips CSV into a fresh database at outputPath: casts
// the six source fields, drops rows with a null or non-positive distance,
// then (unless opts.SkipDerived) recomputes the derived tables and runs
// verification. Returns the verification report, which is nil when derived
// stages were skipped.
func Ingest(inputPath string, outputPath string, opts *IngestOpts) (*VerifyReport, error) {
	if inputPath == "" {
		panic("Missing inputPath")
	}
	if outputPath == "" {
		panic("Missing outputPath")
	}

	if opts == nil {
		opts = &IngestOpts{}
	}

	slog.Info(fmt.Sprintf("Ingesting %s to %s", inputPath, outputPath))

	inputF, err := os.Open(inputPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = inputF.Close() }()

	err = os.Remove(outputPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	db, err := sqlite.OpenConn(outputPath, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	for pragma, value := range importPragmas {
		err = sqlitex.Exec(db, "PRAGMA "+pragma+" = "+value, sqlitexNoop)
		if err != nil {
			return nil, err
		}
	}

	if err := importTripsIn(inputF, db); err != nil {
		return nil, err
	}

	var report *VerifyReport
	if !opts.SkipDerived {
		if err := runDerived(db); err != nil {
			return nil, err
		}

		var verificationLogLevel slog.Level
		if opts.IgnoreInvalid {
			verificationLogLevel = slog.LevelWarn
		} else {
			verificationLogLevel = slog.LevelError
		}

		report, err = verify(db, verifyOpts{
			ignore:   opts.IgnoreInvalid,
			logLevel: verificationLogLevel,
		})
		if err != nil {
			return report, err
		}
	}

	err = db.Close()
	db = nil
	if err != nil {
		return nil, err
	}

	slog.Info(fmt.Sprintf("Wrote %s", outputPath))
	return report, nil
}

func importTripsIn(input io.Reader, db *sqlite.Conn) error {
	schema := pipelineSchema["bronze_trips"]
	if err := sqlitex.ExecTransient(db, "DROP TABLE IF EXISTS bronze_trips", sqlitexNoop); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(db, schema.createQuery("bronze_trips"), sqlitexNoop); err != nil {
		return err
	}

	inputCSV := csv.NewReader(input)

	header, err := inputCSV.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	slog.Info(fmt.Sprintf("Importing trips: %s", strings.Join(header, ",")))

	// Resolve required columns by name so source column order is free.
	columnIndex := make(map[string]int)
	for i, column := range header {
		columnIndex[strings.TrimSpace(column)] = i
	}
	fieldAt := make([]int, len(sourceColumns))
	for i, column := range sourceColumns {
		idx, ok := columnIndex[column]
		if !ok {
			return fmt.Errorf("source is missing column %s", column)
		}
		fieldAt[i] = idx
	}

	var argFragments []string
	for i := range sourceColumns {
		argFragments = append(argFragments, fmt.Sprintf("?%d", i+1))
	}
	query := fmt.Sprintf("INSERT INTO bronze_trips (%s) VALUES (%s)",
		strings.Join(sourceColumns, ", "), strings.Join(argFragments, ", "))
	insertStmt, err := db.Prepare(query)
	if err != nil {
		return err
	}

	rowCount := 0
	droppedCount := 0
	line := 1
	for {
		row, err := inputCSV.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}
		line++

		trip, err := castTrip(row, fieldAt)
		if err != nil {
			// No drop policy is declared for the cast itself, so a
			// malformed field fails the whole batch.
			return fmt.Errorf("line %d: %w", line, err)
		}

		// Quality constraint: rows without a strictly positive distance
		// are excluded, not errors.
		if trip.distanceNull || trip.distance <= 0 {
			droppedCount++
			continue
		}

		err = insertStmt.Reset()
		if err != nil {
			return err
		}
		err = insertStmt.ClearBindings()
		if err != nil {
			return err
		}

		insertStmt.BindText(1, trip.pickup)
		insertStmt.BindText(2, trip.dropoff)
		insertStmt.BindFloat(3, trip.distance)
		if trip.fareNull {
			insertStmt.BindNull(4)
		} else {
			insertStmt.BindFloat(4, trip.fare)
		}
		if trip.pickupZipNull {
			insertStmt.BindNull(5)
		} else {
			insertStmt.BindInt64(5, trip.pickupZip)
		}
		if trip.dropoffZipNull {
			insertStmt.BindNull(6)
		} else {
			insertStmt.BindInt64(6, trip.dropoffZip)
		}

		for {
			rowReturned, err := insertStmt.Step()
			if err != nil {
				return err
			}
			if !rowReturned {
				break
			}
		}

		rowCount++
	}
	slog.Info(fmt.Sprintf("Wrote %d rows (%d dropped by distance constraint)", rowCount, droppedCount))

	return nil
}

type castedTrip struct {
	pickup         string
	dropoff        string
	distance       float64
	distanceNull   bool
	fare           float64
	fareNull       bool
	pickupZip      int64
	pickupZipNull  bool
	dropoffZip     int64
	dropoffZipNull bool
}

func castTrip(row []string, fieldAt []int) (castedTrip, error) {
	var trip castedTrip

	field := func(i int) string {
		idx := fieldAt[i]
		if idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	pickup := field(0)
	if pickup == "" {
		return trip, errors.New("empty tpep_pickup_datetime")
	}
	pickupT, err := parseTimestamp(pickup)
	if err != nil {
		return trip, fmt.Errorf("tpep_pickup_datetime: %w", err)
	}
	trip.pickup = pickupT.Format(canonicalTimeLayout)

	dropoff := field(1)
	if dropoff == "" {
		return trip, errors.New("empty tpep_dropoff_datetime")
	}
	dropoffT, err := parseTimestamp(dropoff)
	if err != nil {
		return trip, fmt.Errorf("tpep_dropoff_datetime: %w", err)
	}
	trip.dropoff = dropoffT.Format(canonicalTimeLayout)

	if v := field(2); v == "" {
		trip.distanceNull = true
	} else {
		trip.distance, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return trip, fmt.Errorf("trip_distance: %w", err)
		}
	}

	if v := field(3); v == "" {
		trip.fareNull = true
	} else {
		trip.fare, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return trip, fmt.Errorf("fare_amount: %w", err)
		}
	}

	if v := field(4); v == "" {
		trip.pickupZipNull = true
	} else {
		trip.pickupZip, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return trip, fmt.Errorf("pickup_zip: %w", err)
		}
	}

	if v := field(5); v == "" {
		trip.dropoffZipNull = true
	} else {
		trip.dropoffZip, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return trip, fmt.Errorf("dropoff_zip: %w", err)
		}
	}

	return trip, nil
}
