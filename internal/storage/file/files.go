package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/graph"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/utils"
)

// writeDerived refreshes the derived files after a write. Derived files are
// caches of the log, so a failure is logged and swallowed; the next rebuild
// or compact surfaces persistent problems.
func (s *Store) writeDerived(ctx context.Context, source string) {
	if err := s.writeDerivedLocked(ctx, source); err != nil {
		s.logger.Warn("failed to refresh derived files", "error", err)
	}
}

// writeDerivedLocked rewrites snapshot.json, index.json and graph.md from
// the cached fold. Callers hold s.mu.
func (s *Store) writeDerivedLocked(ctx context.Context, source string) error {
	if err := ctx.Err(); err != nil {
		return storage.WrapError(storage.KindIoError, err, "derived write canceled")
	}

	snap := s.graph.Snapshot(s.snapshotMeta(source))
	if err := writeJSONAtomic(filepath.Join(s.dir, SnapshotFileName), snap); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to write snapshot")
	}

	var logModified time.Time
	if info, err := os.Stat(s.log.Path()); err == nil {
		logModified = info.ModTime().UTC()
	}
	idx := graph.BuildIndex(s.graph, s.lineCount, logModified, time.Now().UTC())
	if err := writeJSONAtomic(filepath.Join(s.dir, IndexFileName), idx); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to write index")
	}

	md := renderMarkdown(s.storeID, snap)
	if err := utils.WriteFileAtomic(filepath.Join(s.dir, MarkdownFileName), []byte(md), 0o644); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to write markdown")
	}
	return nil
}

// writeJSONAtomic marshals v with indentation and writes it through a temp
// file and rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
