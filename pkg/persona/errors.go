package persona

import (
	"errors"

	"github.com/jasperhg90/persona/pkg/persona/index"
)

// Stable error kinds surfaced by the registry. Every error returned from a
// [Registry] method wraps one of these (or [ErrConfigInvalid] from
// [LoadConfig]); match with [errors.Is]. Callers presenting errors (exit
// codes, RPC status) should map on these kinds and treat anything else as
// an I/O failure.
var (
	// ErrNotFound: template missing from the metadata store or blob
	// missing from the file store.
	ErrNotFound = index.ErrNotFound

	// ErrMissingMetadata: a publish where neither frontmatter nor
	// arguments provide name and description.
	ErrMissingMetadata = index.ErrMissingMetadata

	// ErrInvalidInput: unknown kind, empty query, malformed storage key,
	// relative path where an absolute one is required.
	ErrInvalidInput = index.ErrInvalidInput

	// ErrSchemaMismatch: a columnar index file incompatible with the
	// current schema. Reindex rebuilds it.
	ErrSchemaMismatch = index.ErrSchemaMismatch

	// ErrTransactionAborted: a commit failed mid-flight; file changes
	// were rolled back. The cause is attached.
	ErrTransactionAborted = index.ErrTransactionAborted

	// ErrConfigInvalid: configuration failed to parse or validate.
	ErrConfigInvalid = errors.New("invalid configuration")
)
