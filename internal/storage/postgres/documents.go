package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/docstore"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
)

// DocStore implements storage.DocumentStore over the documents table.
// Path validation is shared with the directory implementation, so both
// backends reject the same inputs.
type DocStore struct {
	runner *tenant.Runner
	logger *slog.Logger
}

var _ storage.DocumentStore = (*DocStore)(nil)

// NewDocStore returns a document store over the pool.
func NewDocStore(pool *pgxpool.Pool, logger *slog.Logger) *DocStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocStore{
		runner: tenant.NewRunner(pool, logger),
		logger: logger.With("backend", "postgres"),
	}
}

// Read returns the document's content.
func (d *DocStore) Read(ctx context.Context, path string) (string, error) {
	clean, err := docstore.CleanDocPath(path)
	if err != nil {
		return "", err
	}
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return "", storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	var content string
	err = d.runner.Run(ctx, id, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
SELECT content FROM documents WHERE project_id = $1 AND path = $2`,
			id.ProjectID, clean).Scan(&content)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.NewError(storage.KindEntityNotFound, "document %q not found", clean)
		}
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to read document %q", clean)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// Write creates or replaces the document.
func (d *DocStore) Write(ctx context.Context, path, content string) error {
	clean, err := docstore.CleanDocPath(path)
	if err != nil {
		return err
	}
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	return d.runner.Run(ctx, id, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		_, err := tx.Exec(ctx, `
INSERT INTO documents (project_id, path, content, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (project_id, path) DO UPDATE SET
    content    = EXCLUDED.content,
    updated_at = EXCLUDED.updated_at`,
			id.ProjectID, clean, content, now)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to write document %q", clean)
		}
		return nil
	})
}

// List returns the project's document paths under the prefix, sorted.
func (d *DocStore) List(ctx context.Context, prefix string) ([]string, error) {
	clean := ""
	if prefix != "" {
		var err error
		clean, err = docstore.CleanPath(prefix)
		if err != nil {
			return nil, err
		}
	}
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	out := []string{}
	err := d.runner.Run(ctx, id, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT path FROM documents
WHERE project_id = $1 AND starts_with(path, $2)
ORDER BY path`, id.ProjectID, clean)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to list documents")
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return storage.WrapError(storage.KindIoError, err, "failed to scan document path")
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsDir reports whether any document lives under the path.
func (d *DocStore) IsDir(ctx context.Context, path string) (bool, error) {
	clean, err := docstore.CleanPath(path)
	if err != nil {
		return false, err
	}
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return false, storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	var isDir bool
	err = d.runner.Run(ctx, id, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM documents WHERE project_id = $1 AND starts_with(path, $2 || '/')
)`, id.ProjectID, clean).Scan(&isDir)
	})
	if err != nil {
		return false, storage.WrapError(storage.KindIoError, err, "failed to check directory %q", clean)
	}
	return isDir, nil
}

// Delete removes the document.
func (d *DocStore) Delete(ctx context.Context, path string) error {
	clean, err := docstore.CleanDocPath(path)
	if err != nil {
		return err
	}
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	return d.runner.Run(ctx, id, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
DELETE FROM documents WHERE project_id = $1 AND path = $2`, id.ProjectID, clean)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to delete document %q", clean)
		}
		if tag.RowsAffected() == 0 {
			return storage.NewError(storage.KindEntityNotFound, "document %q not found", clean)
		}
		return nil
	})
}
