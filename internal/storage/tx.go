package storage

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/jasperhg90/persona/internal/metastore"
	"github.com/jasperhg90/persona/pkg/persona/index"
)

// Tx coordinates a multi-file mutation with the metadata store. File writes
// and deletes go through the transaction so it can record inverse
// operations; metadata changes are staged and applied in a single metastore
// session on [Tx.Commit].
//
// The commit derives a content-addressed transaction id: the md5 of the
// JSON object mapping each saved path to the md5 of its bytes. JSON object
// keys marshal sorted, so the id depends only on what was written, not on
// write order. The id becomes the uuid of every staged entry that has none
// yet, which makes republishing identical content produce an identical uuid.
//
// On any commit failure the transaction restores the file store to its
// pre-transaction state and reports [index.ErrTransactionAborted].
type Tx struct {
	files  *FileStore
	meta   metastore.Store
	logger *slog.Logger

	undo   []undoOp
	hashes map[string]string
	staged []stagedOp
}

type undoKind uint8

const (
	undoRestore undoKind = iota // rewrite prior bytes
	undoDelete                  // remove a file this tx created
)

type undoOp struct {
	kind undoKind
	key  string
	data []byte
}

type stagedKind uint8

const (
	stageUpsert stagedKind = iota
	stageRemove
)

type stagedOp struct {
	kind  stagedKind
	entry index.Entry
}

// Begin starts a transaction over files and meta. A nil logger uses
// [slog.Default].
func Begin(files *FileStore, meta metastore.Store, logger *slog.Logger) *Tx {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tx{
		files:  files,
		meta:   meta,
		logger: logger,
		hashes: map[string]string{},
	}
}

// Load reads a key. Reads need no undo log; this is a passthrough so
// callers can work through a single handle.
func (t *Tx) Load(key string) ([]byte, error) { return t.files.Load(key) }

// Exists reports whether a key exists.
func (t *Tx) Exists(key string) (bool, error) { return t.files.Exists(key) }

// IsDir reports whether a key is a directory.
func (t *Tx) IsDir(key string) (bool, error) { return t.files.IsDir(key) }

// Glob lists keys matching pattern.
func (t *Tx) Glob(pattern string) ([]string, error) { return t.files.Glob(pattern) }

// Save writes data under key and records the inverse operation: restoring
// the prior bytes if the key existed, deleting it otherwise.
func (t *Tx) Save(key string, data []byte) error {
	exists, err := t.files.Exists(key)
	if err != nil {
		return err
	}

	if exists {
		prior, err := t.files.Load(key)
		if err != nil {
			return err
		}

		t.undo = append(t.undo, undoOp{kind: undoRestore, key: key, data: prior})
	} else {
		t.undo = append(t.undo, undoOp{kind: undoDelete, key: key})
	}

	if err := t.files.Save(key, data); err != nil {
		return err
	}

	t.hashes[key] = md5hex(data)

	return nil
}

// Delete removes key, recording restore operations for every file it
// covers. With recursive set, key may be a directory.
func (t *Tx) Delete(key string, recursive bool) error {
	isDir, err := t.files.IsDir(key)
	if err != nil {
		return err
	}

	if isDir && recursive {
		pattern := strings.TrimSuffix(key, "/") + "/**/*"

		matches, err := t.files.Glob(pattern)
		if err != nil {
			return err
		}

		for _, match := range matches {
			if dir, err := t.files.IsDir(match); err != nil {
				return err
			} else if dir {
				continue
			}

			prior, err := t.files.Load(match)
			if err != nil {
				return err
			}

			t.undo = append(t.undo, undoOp{kind: undoRestore, key: match, data: prior})
			delete(t.hashes, match)
		}
	} else {
		exists, err := t.files.Exists(key)
		if err != nil {
			return err
		}

		if exists {
			prior, err := t.files.Load(key)
			if err != nil {
				return err
			}

			t.undo = append(t.undo, undoOp{kind: undoRestore, key: key, data: prior})
			delete(t.hashes, key)
		}
	}

	return t.files.Delete(key, recursive)
}

// Index stages an entry for upsert into the metadata store on commit. The
// entry's UUID is assigned at commit time from the transaction id.
func (t *Tx) Index(entry index.Entry) {
	t.staged = append(t.staged, stagedOp{kind: stageUpsert, entry: entry})
}

// Deindex stages an entry for removal from the metadata store on commit.
// Only Name and Type are consulted.
func (t *Tx) Deindex(entry index.Entry) {
	t.staged = append(t.staged, stagedOp{kind: stageRemove, entry: entry})
}

// ID returns the content-addressed transaction id over the files saved so
// far: md5 of the JSON object {path: md5hex(bytes)}.
func (t *Tx) ID() string {
	// encoding/json marshals map keys sorted, so the digest is
	// independent of write order.
	encoded, err := json.Marshal(t.hashes)
	if err != nil {
		// map[string]string cannot fail to marshal
		panic(err)
	}

	return md5hex(encoded)
}

// Commit applies the staged metadata operations in one metastore session.
// All staged entries must share one kind. For upserts it assigns the
// transaction id to entries without a uuid and writes the manifest sidecar next to
// the entry's root file before opening the session, so manifests roll back
// with everything else.
func (t *Tx) Commit() error {
	if len(t.staged) == 0 {
		t.reset()

		return nil
	}

	kind := t.staged[0].entry.Type
	for _, op := range t.staged {
		if op.entry.Type != kind {
			return t.abort(fmt.Errorf("%w: staged entries of mixed kinds %q and %q",
				index.ErrInvalidInput, kind, op.entry.Type))
		}
	}

	txid := t.ID()

	var (
		upserts []index.Entry
		removed []string
	)

	for _, op := range t.staged {
		switch op.kind {
		case stageUpsert:
			entry := op.entry
			if entry.UUID == "" {
				entry.UUID = txid
			}

			if len(entry.Files) == 0 {
				return t.abort(fmt.Errorf("%w: entry %q has no files", index.ErrInvalidInput, entry.Name))
			}

			manifest, err := entry.MarshalManifest()
			if err != nil {
				return t.abort(err)
			}

			manifestKey := path.Join(path.Dir(entry.Files[0]), index.ManifestName)
			if err := t.Save(manifestKey, manifest); err != nil {
				return t.abort(err)
			}

			upserts = append(upserts, entry)

		case stageRemove:
			removed = append(removed, op.entry.Name)
		}
	}

	err := t.meta.Session(func(s metastore.Session) error {
		if len(upserts) > 0 {
			if err := s.Upsert(kind, upserts); err != nil {
				return err
			}
		}

		if len(removed) > 0 {
			if err := s.Remove(kind, removed); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return t.abort(err)
	}

	t.logger.Debug("transaction committed",
		"txid", txid, "kind", kind, "upserts", len(upserts), "removals", len(removed))

	t.reset()

	return nil
}

// abort rolls back and wraps the cause with [index.ErrTransactionAborted].
func (t *Tx) abort(cause error) error {
	if rbErr := t.Rollback(); rbErr != nil {
		cause = errors.Join(cause, rbErr)
	}

	return fmt.Errorf("commit: %w: %w", index.ErrTransactionAborted, cause)
}

// Rollback undoes every file operation in reverse order and drops the
// staged metadata. Errors are collected; rollback keeps going so that as
// much state as possible is restored.
func (t *Tx) Rollback() error {
	var errs []error

	for i := len(t.undo) - 1; i >= 0; i-- {
		op := t.undo[i]

		switch op.kind {
		case undoRestore:
			if err := t.files.Save(op.key, op.data); err != nil {
				errs = append(errs, err)
			}
		case undoDelete:
			if err := t.files.Delete(op.key, false); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(t.undo) > 0 {
		t.logger.Debug("transaction rolled back", "operations", len(t.undo))
	}

	t.reset()

	return errors.Join(errs...)
}

func (t *Tx) reset() {
	t.undo = nil
	t.staged = nil
	t.hashes = map[string]string{}
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)

	return hex.EncodeToString(sum[:])
}
