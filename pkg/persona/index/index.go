// Package index defines the registry data model shared by the file store,
// the metadata store, and the facade: template kinds, index entries, and the
// manifest sidecar format.
//
// An [Entry] is the unit of indexing. It is assembled by the template
// processor on publish and by the reindex pipeline on rebuild, staged on a
// transaction, and upserted into the metadata store on commit. The
// [Manifest] is the JSON sidecar written next to a template's root file so
// that later reindex runs can skip re-embedding unchanged templates.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error kinds surfaced across the public API. All errors returned by the
// registry wrap one of these; match with [errors.Is].
var (
	// ErrNotFound reports a missing template, file, or storage key.
	ErrNotFound = errors.New("not found")

	// ErrMissingMetadata reports a publish where neither the root file's
	// frontmatter nor the explicit arguments provide name and description.
	ErrMissingMetadata = errors.New("missing metadata")

	// ErrInvalidInput reports arguments the registry rejects: unknown
	// kinds, empty queries, malformed storage keys, wrong root file names.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSchemaMismatch reports a columnar index file whose schema does
	// not match the current build. Reindexing rewrites the file.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrTransactionAborted reports a commit that failed and was rolled
	// back. The file store is restored to its pre-transaction state.
	ErrTransactionAborted = errors.New("transaction aborted")
)

// Kind identifies a template kind. Roles are single-file templates, skills
// are directories with a root file plus ancillary files.
type Kind string

// The two template kinds.
const (
	Role  Kind = "role"
	Skill Kind = "skill"
)

// Kinds lists all template kinds in table order.
var Kinds = []Kind{Role, Skill}

// Table returns the plural table name used for storage prefixes, metastore
// tables, and columnar file names ("roles", "skills").
func (k Kind) Table() string {
	return string(k) + "s"
}

// RootFile returns the required root file name for the kind.
func (k Kind) RootFile() string {
	switch k {
	case Role:
		return "ROLE.md"
	case Skill:
		return "SKILL.md"
	}

	return ""
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == Role || k == Skill
}

// KindForRootFile returns the kind whose root file is named base.
func KindForRootFile(base string) (Kind, bool) {
	switch base {
	case "ROLE.md":
		return Role, true
	case "SKILL.md":
		return Skill, true
	}

	return "", false
}

// ParseKind converts a table name ("roles" or "skills") into a [Kind].
func ParseKind(table string) (Kind, error) {
	for _, k := range Kinds {
		if table == k.Table() || table == string(k) {
			return k, nil
		}
	}

	return "", fmt.Errorf("%w: unknown template kind %q", ErrInvalidInput, table)
}

// Entry is one indexed template.
type Entry struct {
	// Name is the template's unique name within its kind.
	Name string

	// Description is the canonical description "<name> - <description>".
	Description string

	// Tags are facet-constrained keywords extracted from the description
	// or supplied explicitly on publish.
	Tags []string

	// UUID is the content-addressed transaction id of the commit that
	// produced this entry (32 lowercase hex chars), or a fresh random id
	// when the reindex pipeline rebuilt the entry without a manifest.
	UUID string

	// Etag is the md5 hex digest of the rewritten root file.
	Etag string

	// Files lists the template's storage keys, root file first.
	Files []string

	// Embedding is the description vector. It is populated on publish and
	// reindex and persisted only in the columnar index, never in manifests.
	Embedding []float32

	// Type is the template kind.
	Type Kind

	// DateCreated is the UTC time the entry was first published.
	DateCreated time.Time
}

// Manifest is the JSON sidecar persisted as ".manifest.json" next to a
// template's root file. It carries everything an [Entry] holds except the
// embedding, which is cheap to recompute and large to store.
type Manifest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	UUID        string   `json:"uuid"`
	Etag        string   `json:"etag"`
	Files       []string `json:"files"`
	Type        Kind     `json:"type"`
	DateCreated string   `json:"date_created"`
}

// ManifestName is the file name of the manifest sidecar.
const ManifestName = ".manifest.json"

// ToManifest converts the entry to its sidecar representation.
func (e Entry) ToManifest() Manifest {
	return Manifest{
		Name:        e.Name,
		Description: e.Description,
		Tags:        e.Tags,
		UUID:        e.UUID,
		Etag:        e.Etag,
		Files:       e.Files,
		Type:        e.Type,
		DateCreated: e.DateCreated.UTC().Format(time.RFC3339),
	}
}

// MarshalManifest serializes the entry's manifest as indented JSON with a
// trailing newline.
func (e Entry) MarshalManifest() ([]byte, error) {
	data, err := json.MarshalIndent(e.ToManifest(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for %q: %w", e.Name, err)
	}

	return append(data, '\n'), nil
}

// ParseManifest decodes a manifest sidecar into an [Entry]. Unknown JSON
// keys are ignored. The embedding is left nil.
func ParseManifest(data []byte) (Entry, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Entry{}, fmt.Errorf("parse manifest: %w", err)
	}

	if m.Name == "" {
		return Entry{}, errors.New("parse manifest: missing name")
	}

	if !m.Type.Valid() {
		return Entry{}, fmt.Errorf("parse manifest: unknown type %q", m.Type)
	}

	created, err := time.Parse(time.RFC3339, m.DateCreated)
	if err != nil {
		return Entry{}, fmt.Errorf("parse manifest date_created: %w", err)
	}

	return Entry{
		Name:        m.Name,
		Description: m.Description,
		Tags:        m.Tags,
		UUID:        m.UUID,
		Etag:        m.Etag,
		Files:       m.Files,
		Type:        m.Type,
		DateCreated: created.UTC(),
	}, nil
}
