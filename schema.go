package taxietl

import (
	"fmt"
	"strings"
)

// Layered table layout: bronze_trips is rebuilt by Ingest, everything else
// by RunDerived. Column order here is the column order everywhere (DDL,
// inserts, CSV export).

type tableSchema struct {
	Columns []columnSchema
}

type columnSchema struct {
	Name string
	Type string
}

var tripColumns = []columnSchema{
	{Name: "tpep_pickup_datetime", Type: "TEXT"},
	{Name: "tpep_dropoff_datetime", Type: "TEXT"},
	{Name: "trip_distance", Type: "REAL"},
	{Name: "fare_amount", Type: "REAL"},
	{Name: "pickup_zip", Type: "INTEGER"},
	{Name: "dropoff_zip", Type: "INTEGER"},
}

var pipelineSchema = map[string]tableSchema{
	"bronze_trips": {
		Columns: tripColumns,
	},

	"silver_suspicious_rides": {
		Columns: append(append([]columnSchema{}, tripColumns...),
			columnSchema{Name: "fare_per_mile", Type: "REAL"},
			columnSchema{Name: "suspicious_flag", Type: "INTEGER"},
		),
	},

	"silver_weekly_aggregates": {
		Columns: []columnSchema{
			{Name: "week_year", Type: "INTEGER"},
			{Name: "week_of_year", Type: "INTEGER"},
			{Name: "total_rides", Type: "INTEGER"},
			{Name: "total_fares", Type: "REAL"},
			{Name: "avg_distance", Type: "REAL"},
		},
	},

	"gold_top3_fares_per_day": {
		Columns: append([]columnSchema{{Name: "pickup_date", Type: "TEXT"}},
			append(append([]columnSchema{}, tripColumns...),
				columnSchema{Name: "fare_rank", Type: "INTEGER"})...),
	},
}

// resultTables is the stable presentation order for export and reporting.
var resultTables = []string{
	"bronze_trips",
	"silver_suspicious_rides",
	"silver_weekly_aggregates",
	"gold_top3_fares_per_day",
}

func (s tableSchema) createQuery(table string) string {
	var columnFragments []string
	for _, column := range s.Columns {
		columnFragments = append(columnFragments, column.Name+" "+column.Type)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(columnFragments, ", "))
}

func (s tableSchema) columnNames() []string {
	var names []string
	for _, column := range s.Columns {
		names = append(names, column.Name)
	}
	return names
}
