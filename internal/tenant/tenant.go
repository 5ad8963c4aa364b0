// Package tenant scopes database work to one authenticated caller. Every
// statement against the relational backend runs inside a transaction whose
// session settings carry the caller's user and project ids; row-level
// security policies read those settings, so nothing else in the codebase
// has to remember a WHERE clause.
package tenant

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// Identity is the tenant pair attached to every request after auth. It is
// the same value the store registry keys on.
type Identity = types.Tenant

func valid(id Identity) bool {
	return id.Validate() == nil
}

type ctxKey struct{}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity attached by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && valid(id)
}

// Runner executes tenant-scoped transactions against one pool.
type Runner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRunner returns a runner over the pool.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{pool: pool, logger: logger}
}

// setTenantSQL uses the transaction-scoped form of set_config, so the
// settings die with the transaction and pooled connections never leak one
// tenant's scope to the next.
const setTenantSQL = `SELECT set_config('app.current_user_id', $1, true),
       set_config('app.current_project_id', $2, true)`

// Run executes fn inside one transaction scoped to the identity. The
// transaction commits iff fn returns nil; any error rolls it back and the
// connection goes back to the pool either way.
func (r *Runner) Run(ctx context.Context, id Identity, fn func(tx pgx.Tx) error) error {
	if !valid(id) {
		return storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to begin transaction")
	}
	// Rollback after a successful commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, setTenantSQL, id.UserID, id.ProjectID); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to set tenant scope")
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to commit transaction")
	}
	return nil
}

// RunFromContext is Run with the identity taken from the context.
func (r *Runner) RunFromContext(ctx context.Context, fn func(tx pgx.Tx) error) error {
	id, ok := FromContext(ctx)
	if !ok {
		return storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}
	return r.Run(ctx, id, fn)
}
