package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBPoolKey   contextKey = "db_pool"
	DBTxKey     contextKey = "db_tx"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the Postgres schema that holds a tenant's rule data.
func SchemaName(tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	return fmt.Sprintf("tenant_%s", tenantID), nil
}

// Tenants hands out one pool per tenant. Every connection in a tenant's
// pool has the tenant schema first on its search_path, so concurrent rule
// evaluations within a dispatch can each take their own connection.
type Tenants struct {
	base     *pgxpool.Config
	maxConns int32

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

// NewTenants derives tenant pools from base's configuration. maxConns caps
// each tenant pool.
func NewTenants(base *pgxpool.Pool, maxConns int32) *Tenants {
	if maxConns <= 0 {
		maxConns = 4
	}
	return &Tenants{base: base.Config(), maxConns: maxConns, pools: map[string]*pgxpool.Pool{}}
}

// Pool returns the tenant's pool, creating it on first use.
func (t *Tenants) Pool(ctx context.Context, tenantID string) (*pgxpool.Pool, error) {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pools[tenantID]; ok {
		return p, nil
	}

	cfg := t.base.Copy()
	cfg.MaxConns = t.maxConns
	cfg.MinConns = 0
	cfg.ConnConfig.RuntimeParams["search_path"] = schema + ", public"
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", schema, err)
	}
	t.pools[tenantID] = p
	return p, nil
}

// Close closes every tenant pool.
func (t *Tenants) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pools {
		p.Close()
		delete(t.pools, id)
	}
}

// WithTenant runs fn with ctx carrying the tenant ID and the tenant's pool.
// Used by the HTTP middleware, the event subscriber and the CLI.
func WithTenant(ctx context.Context, tenants *Tenants, tenantID string, fn func(ctx context.Context) error) error {
	pool, err := tenants.Pool(ctx, tenantID)
	if err != nil {
		return err
	}
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBPoolKey, pool)
	return fn(ctx)
}

// TenantMiddleware scopes each request to the tenant named by the JWT claim,
// the X-Tenant-ID header or the tenant_id query parameter, in that order.
func TenantMiddleware(tenants *Tenants, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			var handlerErr error
			err := WithTenant(c.Request().Context(), tenants, tenantID, func(ctx context.Context) error {
				c.SetRequest(c.Request().WithContext(ctx))
				c.Set("tenant_id", tenantID)
				handlerErr = next(c)
				return nil
			})
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			return handlerErr
		}
	}
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	// 1. JWT claim (set by auth middleware)
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}

	// 2. X-Tenant-ID header
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}

	// 3. query parameter
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}

	return defaultTenant
}

// PoolFromContext returns the tenant pool set by WithTenant, if any.
func PoolFromContext(ctx context.Context) *pgxpool.Pool {
	p, _ := ctx.Value(DBPoolKey).(*pgxpool.Pool)
	return p
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// TxFromContext returns the transaction started by InTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// InTx runs fn inside a transaction. The transaction is opened on the tenant
// pool when one is present in ctx, otherwise on pool. Nested calls reuse the
// outer transaction.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	if p := PoolFromContext(ctx); p != nil {
		pool = p
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateTenantSchema creates a tenant schema and applies all migrations to it.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrator *Migrator) error {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
