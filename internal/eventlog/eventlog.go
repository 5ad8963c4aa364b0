// Package eventlog implements the append-only JSONL graph log.
//
// Record 0 of every log is the marker identifying the store type and schema
// version. Appends rewrite the file through a temp file and rename, so a
// reader never observes a half-written log. Malformed records after the
// marker are skipped with a warning rather than poisoning the fold.
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/utils"
)

// Generation is an opaque tag for the current log contents. Two reads of an
// unchanged log return equal tags; any append or replace changes the tag.
type Generation string

// GenerationMissing is the tag of a log whose file does not exist.
const GenerationMissing Generation = "missing"

// maxRecordBytes bounds a single JSONL record. Records beyond this are
// treated as malformed (bufio.Scanner would otherwise fail the whole read).
const maxRecordBytes = 4 * 1024 * 1024

// Record is one parsed log line.
type Record struct {
	Line  int // 1-based
	Event types.GraphEvent
}

// FileLog is a JSONL-backed event log. Writers must be serialized by the
// caller; the file backend holds its store lock across every append.
type FileLog struct {
	path   string
	logger *slog.Logger
}

// NewFileLog returns a log rooted at path. The logger receives skip
// warnings; nil means slog.Default().
func NewFileLog(path string, logger *slog.Logger) *FileLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileLog{path: path, logger: logger}
}

// Path returns the log file path.
func (l *FileLog) Path() string { return l.path }

// Exists reports whether the log file is present.
func (l *FileLog) Exists() bool {
	info, err := os.Stat(l.path)
	return err == nil && !info.IsDir()
}

// Init creates the log with its marker when absent, or validates the
// existing marker. Safe to call repeatedly.
func (l *FileLog) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.WrapError(storage.KindIoError, err, "init canceled")
	}
	if l.Exists() {
		_, err := l.readMarker()
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to create log directory")
	}
	marker := types.NewMarker()
	return l.replaceWith(ctx, []types.GraphEvent{marker})
}

// Append adds one event to the log. The marker is validated first; a log
// without a valid marker never accepts appends. The rewrite goes through a
// temp file and rename, so a failed append leaves the log unchanged.
func (l *FileLog) Append(ctx context.Context, ev types.GraphEvent) error {
	if err := ctx.Err(); err != nil {
		return storage.WrapError(storage.KindIoError, err, "append canceled")
	}
	if _, err := l.readMarker(); err != nil {
		return err
	}

	existing, err := os.ReadFile(l.path)
	if err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to read log")
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return storage.WrapError(storage.KindInvalidInput, err, "failed to encode event")
	}

	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.Write(line)
	buf.WriteByte('\n')

	return l.writeAtomic(buf.Bytes())
}

// ReadAll parses every record in insertion order. Undecodable lines after
// the marker are skipped with a warning. A missing file or invalid first
// record fails with MarkerMismatch.
func (l *FileLog) ReadAll(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "read canceled")
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.NewError(storage.KindMarkerMismatch, "log %s does not exist", l.path)
		}
		return nil, storage.WrapError(storage.KindIoError, err, "failed to open log")
	}
	defer func() { _ = f.Close() }()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev types.GraphEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			if lineNo == 1 {
				return nil, storage.WrapError(storage.KindMarkerMismatch, err, "log header is not valid JSON")
			}
			l.logger.Warn("skipping malformed log record", "path", l.path, "line", lineNo, "error", err)
			continue
		}

		if lineNo == 1 {
			if !ev.IsMarker() {
				return nil, storage.NewError(storage.KindMarkerMismatch,
					"log header has type %q version %q (want %s/%s)", ev.Type, ev.Version, types.EventMarker, types.MarkerVersion)
			}
		}
		records = append(records, Record{Line: lineNo, Event: ev})
	}
	if err := scanner.Err(); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to scan log")
	}
	if len(records) == 0 {
		return nil, storage.NewError(storage.KindMarkerMismatch, "log %s is empty", l.path)
	}
	return records, nil
}

// TruncateAndReplace atomically replaces the whole log with events. The
// first event must be a marker. Compaction is the only caller.
func (l *FileLog) TruncateAndReplace(ctx context.Context, events []types.GraphEvent) error {
	if err := ctx.Err(); err != nil {
		return storage.WrapError(storage.KindIoError, err, "replace canceled")
	}
	if len(events) == 0 || !events[0].IsMarker() {
		return storage.NewError(storage.KindMarkerMismatch, "replacement log must start with a marker")
	}
	return l.replaceWith(ctx, events)
}

// Generation returns the current log tag, derived from file size and mtime.
func (l *FileLog) Generation() Generation {
	info, err := os.Stat(l.path)
	if err != nil {
		return GenerationMissing
	}
	return Generation(fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano()))
}

// SizeBytes returns the log file size. A missing file counts as zero.
func (l *FileLog) SizeBytes() int64 {
	info, err := os.Stat(l.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// LineCount returns the number of records currently in the log, counting
// line by line without decoding.
func (l *FileLog) LineCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.WrapError(storage.KindIoError, err, "count canceled")
	}
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, storage.WrapError(storage.KindIoError, err, "failed to open log")
	}
	defer func() { _ = f.Close() }()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordBytes)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, storage.WrapError(storage.KindIoError, err, "failed to scan log")
	}
	return count, nil
}

// readMarker parses and validates record 0 without reading the whole file.
func (l *FileLog) readMarker() (*types.GraphEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.NewError(storage.KindMarkerMismatch, "log %s does not exist", l.path)
		}
		return nil, storage.WrapError(storage.KindIoError, err, "failed to open log")
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, storage.WrapError(storage.KindIoError, err, "failed to read log header")
		}
		return nil, storage.NewError(storage.KindMarkerMismatch, "log %s is empty", l.path)
	}

	var marker types.GraphEvent
	if err := json.Unmarshal(scanner.Bytes(), &marker); err != nil {
		return nil, storage.WrapError(storage.KindMarkerMismatch, err, "log header is not valid JSON")
	}
	if !marker.IsMarker() {
		return nil, storage.NewError(storage.KindMarkerMismatch,
			"log header has type %q version %q (want %s/%s)", marker.Type, marker.Version, types.EventMarker, types.MarkerVersion)
	}
	return &marker, nil
}

func (l *FileLog) replaceWith(ctx context.Context, events []types.GraphEvent) error {
	var buf bytes.Buffer
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return storage.WrapError(storage.KindInvalidInput, err, "failed to encode event")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return l.writeAtomic(buf.Bytes())
}

// writeAtomic writes data to a temp file in the log's directory, syncs it,
// and renames it over the log. Either the whole write is visible or none
// of it is.
func (l *FileLog) writeAtomic(data []byte) error {
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to create temp log")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return storage.WrapError(storage.KindIoError, err, "failed to write temp log")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return storage.WrapError(storage.KindIoError, err, "failed to sync temp log")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return storage.WrapError(storage.KindIoError, err, "failed to close temp log")
	}

	if err := utils.DefaultRenameRetry(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return storage.WrapError(storage.KindIoError, err, "failed to replace log")
	}
	return nil
}
