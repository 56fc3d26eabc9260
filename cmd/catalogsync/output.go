package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/catalogsync/internal/pipeline"
	"github.com/ajitpratap0/catalogsync/pkg/compression"
	"github.com/ajitpratap0/catalogsync/pkg/models"
)

// printSummary writes the human-readable run summary: per-entity counts
// and up to maxErrors record errors.
func printSummary(w io.Writer, r *pipeline.Report, maxErrors int) {
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "Run %s %s%s in %s\n", r.RunID, r.State, mode, r.Duration)
	fmt.Fprintf(w, "Source: %s  Entity: %s\n\n", r.SourceType, r.EntityType)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "ENTITY\tCREATED\tUPDATED\tSKIPPED\tFAILED\t")
	for _, e := range r.Entities {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t\n",
			e.EntityType, e.Result.Created, e.Result.Updated, e.Result.Skipped, e.Result.Failed)
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%d\t%d\t\n", r.Total.Created, r.Total.Updated, r.Total.Skipped, r.Total.Failed)
	_ = tw.Flush()

	if r.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", r.Error)
	}
	if len(r.Total.Errors) == 0 {
		return
	}
	if maxErrors <= 0 {
		maxErrors = 10
	}
	fmt.Fprintf(w, "\nFirst %d of %d record errors:\n", min(maxErrors, len(r.Total.Errors)), len(r.Total.Errors))
	for i, e := range r.Total.Errors {
		if i == maxErrors {
			break
		}
		fmt.Fprintf(w, "  %s\n", formatRecordError(e))
	}
}

func formatRecordError(e models.RecordError) string {
	s := fmt.Sprintf("#%d %s", e.Index, e.EntityType)
	if e.Key != "" {
		s += " " + e.Key
	}
	if e.Field != "" {
		s += " [" + e.Field + "]"
	}
	return s + ": " + e.Reason
}

// writeReport dumps the report as JSON, compressed according to the file
// extension.
func writeReport(path string, r *pipeline.Report) (err error) {
	f, err := os.Create(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	cw, err := compression.NewWriter(compression.FromName(path), bw)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := cw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}
