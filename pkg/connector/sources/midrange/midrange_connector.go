// Package midrange implements the midrange-database connector. Statements
// are written in the DB2-for-i dialect with ? placeholders; the connector
// rebinds them for drivers that expect numbered parameters and throttles
// query submission so a shared production system is not flooded.
package midrange

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/connector/base"
	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/connector/registry"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

func init() {
	registry.Register(models.SourceMidrange, func(cfg *config.Config) (core.Connector, error) {
		return NewConnector(cfg.Midrange, cfg.ConnectRetry)
	})
}

// Connector opens sessions against the midrange catalog.
type Connector struct {
	*base.BaseConnector
	cfg     config.MidrangeConfig
	dsn     string
	limiter *base.QueryLimiter
}

// NewConnector validates cfg and builds the driver DSN.
func NewConnector(cfg config.MidrangeConfig, retry config.RetryConfig) (*Connector, error) {
	if cfg.Driver == "" {
		cfg.Driver = "pgx"
	}
	if cfg.Host == "" {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "midrange.host is required")
	}
	if cfg.Database == "" {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "midrange.database is required")
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector("midrange", models.SourceMidrange),
		cfg:           cfg,
		dsn:           BuildDSN(cfg),
		limiter:       base.NewQueryLimiter(float64(cfg.RateLimitPerSec)),
	}
	c.SetRetryPolicy(base.RetryPolicyFromConfig(retry))
	return c, nil
}

// BuildDSN renders a connection URL. The library becomes the default
// schema so generated statements can use unqualified file names.
func BuildDSN(cfg config.MidrangeConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.HasCredentials() {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if cfg.Library != "" {
		q.Set("search_path", strings.ToLower(cfg.Library))
	}
	q.Set("application_name", "catalogsync")
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens and pings the midrange database.
func (c *Connector) Connect(ctx context.Context) (core.Session, error) {
	return c.Dial(ctx, c.open)
}

func (c *Connector) open(ctx context.Context) (core.Session, error) {
	db, err := sql.Open(c.cfg.Driver, c.dsn)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, fmt.Sprintf("failed to open %s driver", c.cfg.Driver))
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	c.Logger().Info("midrange session opened",
		zap.String("host", c.cfg.Host),
		zap.String("library", c.cfg.Library),
		zap.Bool("rate_limited", c.cfg.IsRateLimited()))

	return base.NewSQLSession(db, base.SQLSessionOptions{
		Placeholders: placeholderStyle(c.cfg.Driver),
		QueryTimeout: c.cfg.QueryTimeout,
		Limiter:      c.limiter,
		Logger:       c.Logger(),
	}), nil
}

// BatchSize is the configured fetch size for midrange queries.
func (c *Connector) BatchSize() int {
	return c.cfg.BatchSize
}

func placeholderStyle(driver string) int {
	switch driver {
	case "pgx", "postgres":
		return base.PlaceholderDollar
	}
	return base.PlaceholderQuestion
}
