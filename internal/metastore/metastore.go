// Package metastore implements the in-memory metadata store over index
// entries: one table per template kind, seeded from and flushed to columnar
// parquet files under the index folder.
//
// The store is ephemeral and derived. The file store's markdown templates
// are the source of truth; anything here can be rebuilt by a reindex run.
// Reads take shared locks, writes go through a single [Session] whose
// changes commit atomically: if the session callback or the flush to disk
// fails, the in-memory tables roll back to their pre-session snapshot.
package metastore

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/jasperhg90/persona/pkg/persona/index"
)

// Config locates the columnar index files: <Root>/<IndexFolder>/roles.parquet
// and skills.parquet.
type Config struct {
	Root        string
	IndexFolder string
}

// Columns of a record, in the order a nil projection returns them.
var Columns = []string{"name", "date_created", "description", "tags", "uuid", "etag", "files", "embedding"}

// Session is the write handle passed to [Store.Session] callbacks.
type Session interface {
	// Upsert inserts or replaces entries by name in the kind's table.
	Upsert(kind index.Kind, entries []index.Entry) error

	// Remove deletes entries by name. Missing names are ignored.
	Remove(kind index.Kind, names []string) error

	// Truncate empties all tables.
	Truncate() error
}

// Store is the metadata store surface the transaction coordinator and the
// facade consume. The interface exists so tests can wrap an engine and
// inject session failures.
type Store interface {
	// Bootstrap loads the columnar files into memory. Missing files leave
	// empty tables; unreadable files return [index.ErrSchemaMismatch].
	Bootstrap() error

	// Close flushes to disk when the store is writable.
	Close() error

	// Exists reports whether name is indexed under kind.
	Exists(kind index.Kind, name string) (bool, error)

	// GetOne returns the record for name projected onto columns (nil
	// selects all). A missing name returns [index.ErrNotFound].
	GetOne(kind index.Kind, name string, columns []string) (map[string]any, error)

	// GetMany returns records for names, sorted by name. Missing names
	// are skipped. A nil names slice selects every record of the kind.
	GetMany(kind index.Kind, names []string, columns []string) ([]map[string]any, error)

	// Search returns up to limit records whose embedding is within
	// maxDistance cosine distance of query, closest first. Each record
	// carries a "score" column with the rounded distance.
	Search(kind index.Kind, query []float32, columns []string, limit int, maxDistance float64) ([]map[string]any, error)

	// Session runs fn with the store's write handle. The mutation and the
	// flush to disk commit together or not at all.
	Session(fn func(Session) error) error
}

// record projects an entry onto the requested columns. A nil projection
// returns all columns.
func record(e index.Entry, columns []string) (map[string]any, error) {
	if columns == nil {
		columns = Columns
	}

	out := make(map[string]any, len(columns))

	for _, col := range columns {
		switch col {
		case "name":
			out[col] = e.Name
		case "date_created":
			out[col] = e.DateCreated.UTC().Format(time.RFC3339)
		case "description":
			out[col] = e.Description
		case "tags":
			out[col] = append([]string(nil), e.Tags...)
		case "uuid":
			out[col] = e.UUID
		case "etag":
			out[col] = e.Etag
		case "files":
			out[col] = append([]string(nil), e.Files...)
		case "embedding":
			out[col] = append([]float32(nil), e.Embedding...)
		default:
			return nil, fmt.Errorf("%w: unknown column %q", index.ErrInvalidInput, col)
		}
	}

	return out, nil
}

// cosineDistance returns 1 - u.v. Inputs are unit vectors, so the dot
// product is the cosine similarity.
func cosineDistance(u, v []float32) float64 {
	n := len(u)
	if len(v) < n {
		n = len(v)
	}

	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(u[i]) * float64(v[i])
	}

	return 1 - dot
}

// round3 rounds half away from zero to three decimals, matching the
// rounding applied before the distance threshold.
func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

// sortRecords orders search hits by (score asc, name asc).
type scored struct {
	score float64
	entry index.Entry
}

func sortScored(hits []scored) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score < hits[j].score
		}

		return hits[i].entry.Name < hits[j].entry.Name
	})
}

func nopLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}

	return logger
}
