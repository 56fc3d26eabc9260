package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/internal/pipeline"
	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/connector/registry"
	"github.com/ajitpratap0/catalogsync/pkg/mapper"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/store"
	"github.com/ajitpratap0/catalogsync/pkg/store/memory"
	"github.com/ajitpratap0/catalogsync/pkg/store/postgres"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// importRequest is the validated form of the import flags.
type importRequest struct {
	SourceType  models.SourceType
	EntityType  models.EntityType
	CustomQuery string
	DryRun      bool
	OutputFile  string
	FilePath    string
	FileType    string
	Limit       int
	Fields      []string
}

func newImportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run a one-shot import from a source into the central store",
		Long: `Import extracts one entity type (or ALL, in dependency order) from the
selected source, validates every record and loads the result into the
central store.

Exit status is 0 when the run completed with no rejected records, 3 when
records were rejected, 1 when the run failed and 130 when it was
interrupted.

Examples:
  catalogsync import --source-type file --entity-type vehicles --file-path vehicles.csv
  catalogsync import --source-type midrange --entity-type all --dry-run
  catalogsync import --source-type desktop --entity-type parts \
      --custom-query "SELECT * FROM PARTS WHERE BRAND = 'ACME'" --output-file report.json.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := a.importRequest()
			if err != nil {
				return withCode(exitUsage, err)
			}
			return a.runImport(cmd, req)
		},
	}

	f := cmd.Flags()
	f.StringP("source-type", "s", "", "Source to import from: file, desktop or midrange (required)")
	f.StringP("entity-type", "e", string(models.EntityAll), "Entity type to import, or ALL")
	f.String("custom-query", "", "Query text replacing the generated query")
	f.Bool("dry-run", false, "Validate and compute outcomes without writing to the store")
	f.StringP("output-file", "o", "", "Write the JSON run report here; .gz, .zst and .lz4 compress it")
	f.String("file-path", "", "File, glob, s3:// or gs:// location for the file source")
	f.String("file-type", "", "File format: csv, tsv, pipe, json or ndjson")
	f.Int("limit", 0, "Stop after this many records (0 = no limit)")
	f.StringSlice("fields", nil, "Only write these canonical fields on update")
	_ = cmd.MarkFlagRequired("source-type")
	return cmd
}

func (a *app) importRequest() (*importRequest, error) {
	st, err := models.ParseSourceType(a.v.GetString("source-type"))
	if err != nil {
		return nil, err
	}
	et, err := models.ParseEntityType(a.v.GetString("entity-type"))
	if err != nil {
		return nil, err
	}
	req := &importRequest{
		SourceType:  st,
		EntityType:  et,
		CustomQuery: strings.TrimSpace(a.v.GetString("custom-query")),
		DryRun:      a.v.GetBool("dry-run"),
		OutputFile:  a.v.GetString("output-file"),
		FilePath:    a.v.GetString("file-path"),
		FileType:    a.v.GetString("file-type"),
		Limit:       a.v.GetInt("limit"),
	}
	for _, f := range a.v.GetStringSlice("fields") {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			req.Fields = append(req.Fields, f)
		}
	}
	for _, t := range et.Expand() {
		if err := mapper.ValidateFields(t, req.Fields); err != nil {
			return nil, err
		}
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("--limit cannot be negative")
	}
	if req.CustomQuery != "" && et == models.EntityAll {
		return nil, fmt.Errorf("--custom-query needs a single --entity-type")
	}
	if (req.FilePath != "" || req.FileType != "") && st != models.SourceFile {
		return nil, fmt.Errorf("--file-path and --file-type only apply to the file source")
	}
	return req, nil
}

// apply copies file overrides into the connection settings for this run.
func (r *importRequest) apply(cfg *config.Config) {
	if r.FilePath != "" {
		cfg.File.Path = r.FilePath
	}
	if r.FileType != "" {
		cfg.File.Format = strings.ToLower(r.FileType)
	}
}

func (a *app) runImport(cmd *cobra.Command, req *importRequest) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := *a.cfg
	req.apply(&cfg)

	conn, err := registry.Create(req.SourceType, &cfg)
	if err != nil {
		return withCode(exitUsage, err)
	}

	st, closeStore, err := openStore(ctx, cfg.Store, req.DryRun, a.log)
	if err != nil {
		return withCode(exitFailed, err)
	}
	defer closeStore()

	p, err := pipeline.New(conn, mapper.Default(), st, cfg.Pipeline, pipeline.Options{
		EntityType:  req.EntityType,
		CustomQuery: req.CustomQuery,
		DryRun:      req.DryRun,
		Limit:       req.Limit,
		Fields:      req.Fields,
	}, a.log)
	if err != nil {
		return withCode(exitUsage, err)
	}

	report, runErr := p.Run(ctx)
	if report != nil {
		printSummary(cmd.OutOrStdout(), report, cfg.Pipeline.ErrorSummary)
		if req.OutputFile != "" {
			if err := writeReport(req.OutputFile, report); err != nil {
				a.log.Error("failed to write report", zap.String("path", req.OutputFile), zap.Error(err))
				runErr = errors.Join(runErr, err)
			}
		}
	}
	return importExit(report, runErr)
}

// importExit maps a run outcome to the CLI exit status.
func importExit(report *pipeline.Report, err error) error {
	switch {
	case report == nil && err != nil:
		return withCode(exitFailed, err)
	case report != nil && report.State == pipeline.StateCancelled:
		return withCode(exitCancelled, err)
	case err != nil:
		if syncerrors.IsType(err, syncerrors.ErrorTypeConfig) || syncerrors.IsType(err, syncerrors.ErrorTypeQuery) {
			return withCode(exitUsage, err)
		}
		return withCode(exitFailed, err)
	case report.Total.Failed > 0:
		return withCode(exitRecordErrors, fmt.Errorf("%d records failed", report.Total.Failed))
	}
	return nil
}

// openStore connects to the central store. A dry run without a DSN uses
// an empty in-memory store, so every record reports as created.
func openStore(ctx context.Context, cfg config.StoreConfig, dryRun bool, log *zap.Logger) (store.Store, func(), error) {
	if cfg.DSN == "" && dryRun {
		log.Info("no store configured, dry run compares against an empty catalog")
		return memory.NewStore(), func() {}, nil
	}
	client, err := postgres.Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}
