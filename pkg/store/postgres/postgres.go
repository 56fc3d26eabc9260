// Package postgres implements the store contracts on PostgreSQL with a
// pgx connection pool. Schema changes are applied with golang-migrate from
// migrations embedded in the binary.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/store"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Client implements store.Store and store.HistoryStore.
type Client struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var (
	_ store.Store        = (*Client)(nil)
	_ store.HistoryStore = (*Client)(nil)
)

// Open connects to the store database and, when cfg.Migrate is set,
// applies pending migrations.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "store.dsn is required")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "failed to parse store dsn")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConnection, "failed to reach store database")
	}

	c := &Client{pool: pool, logger: logger.With(zap.String("component", "postgres_store"))}
	if cfg.Migrate {
		if err := c.Migrate(); err != nil {
			pool.Close()
			return nil, err
		}
	}
	c.logger.Info("connected to store", zap.Int32("max_connections", poolConfig.MaxConns))
	return c, nil
}

// Migrate applies all pending up migrations.
func (c *Client) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.ErrorTypeInternal, "failed to load migrations")
	}
	db := stdlib.OpenDBFromPool(c.pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.ErrorTypePersistence, "failed to create migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.ErrorTypePersistence, "failed to create migrator")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return syncerrors.Wrap(err, syncerrors.ErrorTypePersistence, "migration failed")
	}
	version, dirty, _ := m.Version()
	c.logger.Debug("store schema ready", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

func tableName(et models.EntityType) string {
	return pgx.Identifier{et.Lower()}.Sanitize()
}

// upsertStatement renders the insert for one entity's column set. Updates
// are skipped when every column already holds the incoming value, so a
// missing RETURNING row means the stored row was unchanged.
func upsertStatement(table string, cols map[string]any) (string, []any) {
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	var sets, current, incoming []string
	for i, n := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = cols[n]
		if n == models.FieldExternalID {
			continue
		}
		ident := pgx.Identifier{n}.Sanitize()
		sets = append(sets, ident+" = EXCLUDED."+ident)
		current = append(current, table+"."+ident)
		incoming = append(incoming, "EXCLUDED."+ident)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (external_id) ",
		table, quoteAll(names), strings.Join(placeholders, ", "))
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		fmt.Fprintf(&b, "DO UPDATE SET %s, updated_at = now() WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(sets, ", "), rowExpr(current), rowExpr(incoming))
	}
	b.WriteString(" RETURNING (xmax = 0) AS inserted")
	return b.String(), args
}

// rowExpr wraps a single column in ROW() so IS DISTINCT FROM compares a
// row value either way.
func rowExpr(cols []string) string {
	if len(cols) == 1 {
		return "ROW(" + cols[0] + ")"
	}
	return strings.Join(cols, ", ")
}

func quoteAll(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(out, ", ")
}

// Upsert writes entities in one transaction using a pipelined batch.
func (c *Client) Upsert(ctx context.Context, entityType models.EntityType, entities []models.Entity) ([]models.Outcome, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	table := tableName(entityType)
	outcomes := make([]models.Outcome, len(entities))

	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range entities {
			stmt, args := upsertStatement(table, e.Columns())
			batch.Queue(stmt, args...)
		}
		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for i, e := range entities {
			var inserted bool
			err := br.QueryRow().Scan(&inserted)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				outcomes[i] = models.OutcomeUnchanged
			case err != nil:
				return fmt.Errorf("upsert %s %q: %w", entityType, e.NaturalKey(), err)
			case inserted:
				outcomes[i] = models.OutcomeCreated
			default:
				outcomes[i] = models.OutcomeUpdated
			}
		}
		return br.Close()
	})
	if err != nil {
		return nil, persistenceError(err, "upsert failed").WithDetail("entity_type", string(entityType))
	}
	return outcomes, nil
}

// Existing reports which keys are stored.
func (c *Client) Existing(ctx context.Context, entityType models.EntityType, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := c.pool.Query(ctx,
		"SELECT external_id FROM "+tableName(entityType)+" WHERE external_id = ANY($1)", keys)
	if err != nil {
		return nil, persistenceError(err, "existence check failed")
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistenceError(err, "existence check failed")
	}
	for _, k := range found {
		out[k] = true
	}
	return out, nil
}

func persistenceError(err error, message string) *syncerrors.Error {
	var pgErr *pgconn.PgError
	e := syncerrors.Wrap(err, syncerrors.ErrorTypePersistence, message)
	if errors.As(err, &pgErr) {
		e = e.WithDetail("sqlstate", pgErr.Code).WithDetail("constraint", pgErr.ConstraintName)
	}
	return e
}
