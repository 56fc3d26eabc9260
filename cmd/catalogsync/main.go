package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/logger"
	"github.com/ajitpratap0/catalogsync/pkg/observability"

	// Register all connector variants
	_ "github.com/ajitpratap0/catalogsync/pkg/connector/sources"
)

var version = "0.1.0"

// Exit codes reported by the CLI.
const (
	exitOK = 0
	// exitFailed covers FAILED runs and unexpected errors
	exitFailed = 1
	// exitUsage covers bad flags and invalid configuration
	exitUsage = 2
	// exitRecordErrors means the run completed but rejected records
	exitRecordErrors = 3
	// exitConflict means a sync for the entity type is already running
	exitConflict  = 4
	exitCancelled = 130
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCodeOf(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailed
}

func main() {
	root := newRootCmd()
	err := root.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCodeOf(err))
}

// app holds state shared by every subcommand: the viper instance bound to
// the persistent flags and the loaded configuration.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix("CATALOGSYNC")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "catalogsync",
		Short: "Automotive catalog import and synchronization",
		Long: `catalogsync imports vehicles, parts, qualifiers, attributes, products and
fitments from flat files, desktop databases and the midrange catalog into
the central store, and keeps the store in sync with the midrange source.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return observability.Shutdown(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "Path to the YAML configuration file")
	pf.String("log-level", "", "Log level (debug, info, warn, error); overrides logging.level")
	_ = a.v.BindPFlag("config", pf.Lookup("config"))
	_ = a.v.BindPFlag("log-level", pf.Lookup("log-level"))

	root.AddCommand(
		newImportCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newValidateSchemaCmd(),
		newListCmd(),
		newVersionCmd(),
	)
	return root
}

// init loads the configuration and installs the logger and tracer.
func (a *app) init(cmd *cobra.Command) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return withCode(exitUsage, err)
	}
	cfg, err := loadConfig(a.v)
	if err != nil {
		return withCode(exitUsage, err)
	}
	a.cfg = cfg

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return withCode(exitUsage, err)
	}
	a.log = logger.Get().With(zap.String("component", "cli"))

	if err := observability.Init(cfg.Observability, observability.Options{ServiceVersion: version}); err != nil {
		a.log.Warn("tracing disabled", zap.Error(err))
	}
	return nil
}

// loadConfig reads the configuration file and applies environment
// overrides. CATALOGSYNC_STORE_DSN overrides store.dsn and so on.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadFile(v.GetString("config"))
	if err != nil {
		return nil, err
	}

	overrideString(v, "store.dsn", &cfg.Store.DSN)
	overrideString(v, "midrange.host", &cfg.Midrange.Host)
	overrideString(v, "midrange.database", &cfg.Midrange.Database)
	overrideString(v, "midrange.username", &cfg.Midrange.Username)
	overrideString(v, "midrange.password", &cfg.Midrange.Password)
	overrideString(v, "desktop.dsn", &cfg.Desktop.DSN)
	overrideString(v, "desktop.password", &cfg.Desktop.Password)
	overrideString(v, "observability.metrics_addr", &cfg.Observability.MetricsAddr)
	overrideString(v, "logging.level", &cfg.Logging.Level)
	overrideString(v, "log-level", &cfg.Logging.Level)
	if v.IsSet("pipeline.batch_size") {
		cfg.Pipeline.BatchSize = v.GetInt("pipeline.batch_size")
	}
	if v.IsSet("pipeline.workers") {
		cfg.Pipeline.Workers = v.GetInt("pipeline.workers")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideString(v *viper.Viper, key string, dst *string) {
	if s := v.GetString(key); s != "" {
		*dst = s
	}
}
