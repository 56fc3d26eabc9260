// Package desktop implements the desktop-database connector: a single-user
// catalog database reached through a database/sql driver. SQLite files are
// read with the pure-Go modernc driver; server-hosted desktop catalogs use
// the MySQL driver.
package desktop

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/connector/base"
	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/connector/registry"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

const (
	driverSQLite = "sqlite"
	driverMySQL  = "mysql"
)

func init() {
	registry.Register(models.SourceDesktop, func(cfg *config.Config) (core.Connector, error) {
		return NewConnector(cfg.Desktop, cfg.ConnectRetry)
	})
}

// Connector opens sessions against a desktop catalog database.
type Connector struct {
	*base.BaseConnector
	cfg    config.DesktopConfig
	driver string
	dsn    string
}

// NewConnector validates cfg and resolves the driver DSN.
func NewConnector(cfg config.DesktopConfig, retry config.RetryConfig) (*Connector, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "sqlite3" {
		driver = driverSQLite
	}

	var dsn string
	switch driver {
	case driverSQLite:
		dsn = cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		if dsn == "" {
			return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "desktop.path or desktop.dsn is required")
		}
	case driverMySQL:
		var err error
		if dsn, err = mysqlDSN(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, syncerrors.Newf(syncerrors.ErrorTypeConfig, "unsupported desktop driver %q", cfg.Driver)
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector("desktop-"+driver, models.SourceDesktop),
		cfg:           cfg,
		driver:        driver,
		dsn:           dsn,
	}
	c.SetRetryPolicy(base.RetryPolicyFromConfig(retry))
	return c, nil
}

// mysqlDSN parses the configured DSN and applies credentials and the
// driver timeout from the structured fields.
func mysqlDSN(cfg config.DesktopConfig) (string, error) {
	if cfg.DSN == "" {
		return "", syncerrors.New(syncerrors.ErrorTypeConfig, "desktop.dsn is required for the mysql driver")
	}
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return "", syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "invalid desktop.dsn")
	}
	if cfg.Username != "" {
		mc.User = cfg.Username
	}
	if cfg.Password != "" {
		mc.Passwd = cfg.Password
	}
	if cfg.Timeout > 0 {
		mc.Timeout = cfg.Timeout
		mc.ReadTimeout = cfg.Timeout
	}
	mc.ParseTime = true
	return mc.FormatDSN(), nil
}

// Connect opens and pings the database.
func (c *Connector) Connect(ctx context.Context) (core.Session, error) {
	return c.Dial(ctx, c.open)
}

func (c *Connector) open(ctx context.Context) (core.Session, error) {
	if c.driver == driverSQLite && !strings.HasPrefix(c.dsn, "file:") && c.dsn != ":memory:" {
		if _, err := os.Stat(c.dsn); err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeNotFound, "desktop database not found")
		}
	}

	db, err := sql.Open(c.driver, c.dsn)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "failed to open desktop database")
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, err
	}

	c.Logger().Debug("desktop database opened", zap.String("driver", c.driver))
	return base.NewSQLSession(db, base.SQLSessionOptions{
		Placeholders: base.PlaceholderQuestion,
		QueryTimeout: c.cfg.Timeout,
		Logger:       c.Logger(),
	}), nil
}
