package main

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/dzfranklin/taxietl"
	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"
)

func usageAndDie() {
	fmt.Println("Example usage:\n" +
		"    taxietl --ingest <trips.csv>\n" +
		"    taxietl --run <trips.db>\n" +
		"    taxietl --validate <trips.db>\n" +
		"    taxietl --export <trips.db>\n" +
		"    taxietl --prune <trips.db> --from 2024-01-01 --to 2024-03-31")
	os.Exit(1)
}

func main() {
	ingestPath := pflag.StringP("ingest", "i", "", "Ingest a raw trips CSV")
	runPath := pflag.StringP("run", "r", "", "Recompute derived tables in a database")
	validatePath := pflag.StringP("validate", "v", "", "Verify a database")
	exportPath := pflag.StringP("export", "e", "", "Export a database to a CSV snapshot zip")
	prunePath := pflag.StringP("prune", "p", "", "Write a copy pruned to a pickup-date window")
	primaryOptions := []*string{ingestPath, runPath, validatePath, exportPath, prunePath}

	output := pflag.StringP("out", "o", "", "Path to write output to")
	skipDerived := pflag.Bool("skip-derived", false, "Ingest bronze only, without derived tables")
	ignoreInvalid := pflag.Bool("ignore-invalid", false, "Treat verification failures as warnings")
	pruneFrom := pflag.String("from", "", "First pickup date to keep when pruning")
	pruneTo := pflag.String("to", "", "Last pickup date to keep when pruning")

	pflag.Parse()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: slog.LevelInfo,
	})))

	primaryCount := 0
	for _, opt := range primaryOptions {
		if *opt != "" {
			primaryCount++
		}
	}
	if primaryCount != 1 {
		usageAndDie()
	}

	var report *taxietl.VerifyReport
	var err error
	if *ingestPath != "" {
		outputPath := outputPathOrDefault(*ingestPath, *output, ".csv", ".db")
		opts := &taxietl.IngestOpts{
			SkipDerived:   *skipDerived,
			IgnoreInvalid: *ignoreInvalid,
		}
		report, err = taxietl.Ingest(*ingestPath, outputPath, opts)
	} else if *runPath != "" {
		err = taxietl.RunDerived(*runPath)
	} else if *validatePath != "" {
		report, err = taxietl.Verify(*validatePath)
	} else if *exportPath != "" {
		outputPath := outputPathOrDefault(*exportPath, *output, ".db", ".zip")
		err = taxietl.Export(*exportPath, outputPath, &taxietl.ExportOpts{})
	} else if *prunePath != "" {
		if *pruneFrom == "" || *pruneTo == "" {
			usageAndDie()
		}
		outputPath := outputPathOrDefault(*prunePath, *output, ".db", "_pruned.db")
		err = taxietl.Prune(*prunePath, outputPath, *pruneFrom, *pruneTo)
	} else {
		usageAndDie()
	}

	if report != nil {
		printReport(report)
	}

	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	} else {
		fmt.Println("All done")
	}
}

func printReport(report *taxietl.VerifyReport) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Check", "Value", "Status"})
	for _, check := range report.Checks {
		status := "ok"
		if !check.OK {
			status = "FAIL: " + check.Detail
		}
		table.Append([]string{check.Name, check.Value, status})
	}
	table.Render()
}

func outputPathOrDefault(inputPath string, outputPath string, suffixToTrim string, newSuffix string) string {
	if outputPath != "" {
		return outputPath
	}
	inputPath = path.Clean(inputPath)
	return strings.TrimSuffix(path.Base(inputPath), suffixToTrim) + newSuffix
}
