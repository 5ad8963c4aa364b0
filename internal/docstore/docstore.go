// Package docstore implements the document side of a memory bank: markdown
// files addressed by relative slash-separated paths.
//
// Every path coming over the wire is validated before it touches storage.
// The rules are strict because paths arrive from agent tool calls: relative
// only, no parent traversal, no null bytes, and a known text extension. The
// directory implementation lives here; the relational implementation lives
// in storage/postgres and shares the same validation.
package docstore

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/utils"
)

// knownExtensions are the document types a memory bank stores. Anything
// else is rejected at the boundary.
var knownExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
}

// CleanPath validates and canonicalizes a wire path: relative, slash
// separated, no traversal, no null bytes. It returns the cleaned form.
func CleanPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", storage.NewError(storage.KindInvalidInput, "document path is required")
	}
	if strings.ContainsRune(p, '\x00') {
		return "", storage.NewError(storage.KindInvalidInput, "document path contains a null byte")
	}
	if strings.ContainsAny(p, `\:`) {
		return "", storage.NewError(storage.KindInvalidInput, "document path %q must use forward slashes and be relative", p)
	}
	if path.IsAbs(p) {
		return "", storage.NewError(storage.KindInvalidInput, "document path %q must be relative", p)
	}

	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", storage.NewError(storage.KindInvalidInput, "document path %q escapes the store root", p)
	}
	return clean, nil
}

// CleanDocPath is CleanPath plus the extension check used for file
// operations (read, write, delete).
func CleanDocPath(p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	if !knownExtensions[strings.ToLower(path.Ext(clean))] {
		return "", storage.NewError(storage.KindInvalidInput, "document path %q has an unknown extension", p)
	}
	return clean, nil
}

// Dir is a DocumentStore rooted at a POSIX directory.
type Dir struct {
	root   string
	logger *slog.Logger
}

var _ storage.DocumentStore = (*Dir)(nil)

// NewDir returns a store rooted at root. The directory is created lazily on
// the first write.
func NewDir(root string, logger *slog.Logger) *Dir {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{root: utils.CanonicalizePath(root), logger: logger}
}

// Root returns the store's root directory.
func (d *Dir) Root() string { return d.root }

func (d *Dir) abs(rel string) string {
	return filepath.Join(d.root, filepath.FromSlash(rel))
}

// Read returns the content of one document.
func (d *Dir) Read(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.WrapError(storage.KindIoError, err, "read canceled")
	}
	clean, err := CleanDocPath(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(d.abs(clean))
	if err != nil {
		if os.IsNotExist(err) {
			return "", storage.NewError(storage.KindEntityNotFound, "document %q not found", clean)
		}
		return "", storage.WrapError(storage.KindIoError, err, "failed to read document %q", clean)
	}
	return string(data), nil
}

// Write stores a document, creating parent directories as needed.
func (d *Dir) Write(ctx context.Context, p, content string) error {
	if err := ctx.Err(); err != nil {
		return storage.WrapError(storage.KindIoError, err, "write canceled")
	}
	clean, err := CleanDocPath(p)
	if err != nil {
		return err
	}
	target := d.abs(clean)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to create document directory")
	}
	if err := utils.WriteFileAtomic(target, []byte(content), 0o644); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to write document %q", clean)
	}
	return nil
}

// List returns the documents whose path starts with prefix, sorted. An
// empty prefix lists the whole store.
func (d *Dir) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "list canceled")
	}
	cleanPrefix := ""
	if prefix != "" {
		var err error
		cleanPrefix, err = CleanPath(prefix)
		if err != nil {
			return nil, err
		}
	}

	var out []string
	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if !knownExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, cleanPrefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to list documents")
	}
	sort.Strings(out)
	return out, nil
}

// IsDir reports whether the path names a directory inside the store. A
// missing path is simply not a directory.
func (d *Dir) IsDir(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storage.WrapError(storage.KindIoError, err, "stat canceled")
	}
	clean, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(d.abs(clean))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, storage.WrapError(storage.KindIoError, err, "failed to stat %q", clean)
	}
	return info.IsDir(), nil
}

// Delete removes one document.
func (d *Dir) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return storage.WrapError(storage.KindIoError, err, "delete canceled")
	}
	clean, err := CleanDocPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(d.abs(clean)); err != nil {
		if os.IsNotExist(err) {
			return storage.NewError(storage.KindEntityNotFound, "document %q not found", clean)
		}
		return storage.WrapError(storage.KindIoError, err, "failed to delete document %q", clean)
	}
	return nil
}
