package metastore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/parquet-go/parquet-go"

	"github.com/jasperhg90/persona/pkg/persona/index"
)

// Engine is the in-memory [Store] implementation backed by parquet files.
type Engine struct {
	cfg      Config
	writable bool
	logger   *slog.Logger

	mu     sync.RWMutex
	tables map[index.Kind]map[string]index.Entry
}

var _ Store = (*Engine)(nil)

// Connect creates an engine. Read-only engines never touch disk on close;
// writable engines flush every committed session and on [Engine.Close].
// Call [Engine.Bootstrap] before use.
func Connect(cfg Config, writable bool, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		writable: writable,
		logger:   nopLogger(logger),
		tables:   map[index.Kind]map[string]index.Entry{},
	}
}

// tablePath returns the columnar file path for a kind.
func (e *Engine) tablePath(kind index.Kind) string {
	return filepath.Join(e.cfg.Root, e.cfg.IndexFolder, kind.Table()+".parquet")
}

// Bootstrap seeds the tables from the columnar files. A missing file is
// normal (fresh root, or the index was never built) and leaves an empty
// table. A file that cannot be decoded returns [index.ErrSchemaMismatch];
// a reindex run rewrites it.
func (e *Engine) Bootstrap() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, kind := range index.Kinds {
		path := e.tablePath(kind)

		table := map[string]index.Entry{}
		e.tables[kind] = table

		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			e.logger.Debug("metastore bootstrap: no columnar file", "kind", kind, "path", path)

			continue
		} else if err != nil {
			return fmt.Errorf("bootstrap %s: %w", kind.Table(), err)
		}

		rows, err := parquet.ReadFile[tableRow](path)
		if err != nil {
			return fmt.Errorf("bootstrap %s from %s: %w: %w (reindex to rebuild)",
				kind.Table(), path, index.ErrSchemaMismatch, err)
		}

		for _, row := range rows {
			entry, err := row.toEntry(kind)
			if err != nil {
				return fmt.Errorf("bootstrap %s from %s: %w: %w (reindex to rebuild)",
					kind.Table(), path, index.ErrSchemaMismatch, err)
			}

			table[entry.Name] = entry
		}

		e.logger.Debug("metastore bootstrap", "kind", kind, "rows", len(rows))
	}

	return nil
}

// Close flushes to disk when the engine is writable.
func (e *Engine) Close() error {
	if !e.writable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.flushLocked()
}

// Exists implements [Store].
func (e *Engine) Exists(kind index.Kind, name string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.tables[kind][name]

	return ok, nil
}

// GetOne implements [Store].
func (e *Engine) GetOne(kind index.Kind, name string, columns []string) (map[string]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.tables[kind][name]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", kind, name, index.ErrNotFound)
	}

	return record(entry, columns)
}

// GetMany implements [Store].
func (e *Engine) GetMany(kind index.Kind, names []string, columns []string) ([]map[string]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	table := e.tables[kind]

	var selected []index.Entry

	if names == nil {
		for _, entry := range table {
			selected = append(selected, entry)
		}
	} else {
		for _, name := range names {
			if entry, ok := table[name]; ok {
				selected = append(selected, entry)
			}
		}
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].Name < selected[j].Name })

	records := make([]map[string]any, 0, len(selected))

	for _, entry := range selected {
		rec, err := record(entry, columns)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}

// Search implements [Store]. Distances are rounded to three decimals
// before the threshold comparison, so a record at raw distance 0.8004
// passes a 0.8 threshold.
func (e *Engine) Search(kind index.Kind, query []float32, columns []string, limit int, maxDistance float64) ([]map[string]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var hits []scored

	for _, entry := range e.tables[kind] {
		score := round3(cosineDistance(query, entry.Embedding))
		if score <= maxDistance {
			hits = append(hits, scored{score: score, entry: entry})
		}
	}

	sortScored(hits)

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	records := make([]map[string]any, 0, len(hits))

	for _, hit := range hits {
		rec, err := record(hit.entry, columns)
		if err != nil {
			return nil, err
		}

		rec["score"] = hit.score
		records = append(records, rec)
	}

	return records, nil
}

// Session implements [Store]. The callback's mutations and the disk flush
// commit together: any error restores the pre-session tables.
func (e *Engine) Session(fn func(Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := e.snapshotLocked()

	if err := fn(&writeSession{engine: e}); err != nil {
		e.tables = snapshot

		return fmt.Errorf("metastore session: %w", err)
	}

	if e.writable {
		if err := e.flushLocked(); err != nil {
			e.tables = snapshot

			return fmt.Errorf("metastore session flush: %w", err)
		}
	}

	return nil
}

func (e *Engine) snapshotLocked() map[index.Kind]map[string]index.Entry {
	snapshot := make(map[index.Kind]map[string]index.Entry, len(e.tables))

	for kind, table := range e.tables {
		copied := make(map[string]index.Entry, len(table))
		for name, entry := range table {
			copied[name] = entry
		}

		snapshot[kind] = copied
	}

	return snapshot
}

// flushLocked writes every table to its parquet file, rows sorted by name
// so that identical tables produce identical files.
func (e *Engine) flushLocked() error {
	dir := filepath.Join(e.cfg.Root, e.cfg.IndexFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	for _, kind := range index.Kinds {
		table := e.tables[kind]

		rows := make([]tableRow, 0, len(table))
		for _, entry := range table {
			rows = append(rows, toRow(entry))
		}

		sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

		var buf bytes.Buffer

		writer := parquet.NewGenericWriter[tableRow](&buf)

		if len(rows) > 0 {
			if _, err := writer.Write(rows); err != nil {
				return fmt.Errorf("flush %s: %w", kind.Table(), err)
			}
		}

		if err := writer.Close(); err != nil {
			return fmt.Errorf("flush %s: %w", kind.Table(), err)
		}

		if err := atomic.WriteFile(e.tablePath(kind), bytes.NewReader(buf.Bytes())); err != nil {
			return fmt.Errorf("flush %s: %w", kind.Table(), err)
		}

		e.logger.Debug("metastore flush", "kind", kind, "rows", len(rows))
	}

	return nil
}

// writeSession mutates the engine's tables under the lock held by Session.
type writeSession struct {
	engine *Engine
}

func (s *writeSession) Upsert(kind index.Kind, entries []index.Entry) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown template kind %q", index.ErrInvalidInput, kind)
	}

	table := s.engine.tables[kind]

	for _, entry := range entries {
		if entry.Name == "" {
			return fmt.Errorf("%w: entry without a name", index.ErrInvalidInput)
		}

		table[entry.Name] = entry
	}

	return nil
}

func (s *writeSession) Remove(kind index.Kind, names []string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown template kind %q", index.ErrInvalidInput, kind)
	}

	table := s.engine.tables[kind]

	for _, name := range names {
		delete(table, name)
	}

	return nil
}

func (s *writeSession) Truncate() error {
	for _, kind := range index.Kinds {
		s.engine.tables[kind] = map[string]index.Entry{}
	}

	return nil
}

// tableRow is the parquet row schema of the columnar index files.
// date_created is persisted as an RFC3339 string so repeated flushes of the
// same table are byte-identical.
type tableRow struct {
	Name        string    `parquet:"name"`
	DateCreated string    `parquet:"date_created"`
	Description string    `parquet:"description"`
	Tags        []string  `parquet:"tags,list"`
	UUID        string    `parquet:"uuid"`
	Etag        string    `parquet:"etag"`
	Files       []string  `parquet:"files,list"`
	Embedding   []float32 `parquet:"embedding,list"`
}

func toRow(e index.Entry) tableRow {
	return tableRow{
		Name:        e.Name,
		DateCreated: e.DateCreated.UTC().Format(time.RFC3339),
		Description: e.Description,
		Tags:        e.Tags,
		UUID:        e.UUID,
		Etag:        e.Etag,
		Files:       e.Files,
		Embedding:   e.Embedding,
	}
}

func (r tableRow) toEntry(kind index.Kind) (index.Entry, error) {
	created, err := time.Parse(time.RFC3339, r.DateCreated)
	if err != nil {
		return index.Entry{}, fmt.Errorf("row %q: bad date_created: %w", r.Name, err)
	}

	return index.Entry{
		Name:        r.Name,
		Description: r.Description,
		Tags:        r.Tags,
		UUID:        r.UUID,
		Etag:        r.Etag,
		Files:       r.Files,
		Embedding:   r.Embedding,
		Type:        kind,
		DateCreated: created.UTC(),
	}, nil
}
