package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/output"
	"github.com/omriariav/FaceFindr/internal/runner"
)

// printSummary writes the end-of-run summary. It is printed for aborted runs too.
func printSummary(w io.Writer, report *runner.Report, layout *output.Layout, dryRun bool) {
	s := report.Stats

	rows := make([][]string, 0, 8)
	for _, tier := range match.Tiers {
		rows = append(rows, []string{tier.Label(), strconv.Itoa(s.Count(tier))})
	}
	rows = append(rows,
		[]string{"Errors", strconv.Itoa(s.Errors)},
		[]string{"Duplicates skipped", strconv.Itoa(s.Duplicates)},
		[]string{"Total processed", fmt.Sprintf("%d / %d", s.TotalSeen, s.Total)},
		[]string{"Elapsed", s.Elapsed.Round(time.Millisecond).String()},
		[]string{"Rate", fmt.Sprintf("%.2f images/s", s.Rate())},
	)

	fmt.Fprintf(w, "\nRun %s %s\n", report.RunID, report.State)
	fmt.Fprintln(w, renderTable([]string{"Category", "Photos"}, rows, []columnAlignment{alignLeft, alignRight}))

	if len(report.Errors) > 0 {
		errRows := make([][]string, 0, len(report.Errors))
		for _, pe := range report.Errors {
			errRows = append(errRows, []string{pe.Path, pe.Kind, pe.Error})
		}
		fmt.Fprintln(w, renderTable([]string{"Photo", "Kind", "Error"}, errRows, nil))
	}

	if layout != nil {
		fmt.Fprintf(w, "Output directory: %s\n", layout.Root)
		fmt.Fprintf(w, "Run log:          %s\n", layout.RunLogPath())
	}
	if dryRun {
		fmt.Fprintln(w, "Dry run: no photos were copied")
	}
}
