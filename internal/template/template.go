// Package template turns a local role or skill directory into an indexed,
// materialized template. The processor runs inside a transaction supplied
// by the caller: file writes and the staged index entry commit or roll back
// together.
package template

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jasperhg90/persona/internal/embedding"
	"github.com/jasperhg90/persona/internal/storage"
	"github.com/jasperhg90/persona/pkg/persona/frontmatter"
	"github.com/jasperhg90/persona/pkg/persona/index"
)

// Tagger extracts tags for descriptions, keyed by id.
type Tagger interface {
	ExtractTags(ctx context.Context, ids []string, texts []string) (map[string][]string, error)
}

// Processor publishes templates. A nil tagger disables tag extraction;
// entries published without explicit tags then stay untagged.
type Processor struct {
	enc    embedding.Encoder
	tagger Tagger
	logger *slog.Logger
}

// NewProcessor wires a processor. A nil logger uses [slog.Default].
func NewProcessor(enc embedding.Encoder, tagger Tagger, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{enc: enc, tagger: tagger, logger: logger}
}

// Input describes one publish. Path points at a local root file or a
// directory containing one. Name, Description, and Tags override the root
// file's frontmatter when set.
type Input struct {
	Path        string
	Kind        index.Kind
	Name        string
	Description string
	Tags        []string
}

// Publish validates the input, merges metadata, embeds the canonical
// description, materializes every template file into the store under
// "<kind>s/<name>/", and stages the resulting entry on tx. The caller
// commits or rolls back.
func (p *Processor) Publish(ctx context.Context, tx *storage.Tx, in Input) (index.Entry, error) {
	if !in.Kind.Valid() {
		return index.Entry{}, fmt.Errorf("publish: %w: unknown template kind %q", index.ErrInvalidInput, in.Kind)
	}

	dir, rootPath, isDir, err := resolve(in.Path, in.Kind)
	if err != nil {
		return index.Entry{}, fmt.Errorf("publish %q: %w", in.Path, err)
	}

	rootBytes, err := os.ReadFile(rootPath)
	if err != nil {
		return index.Entry{}, fmt.Errorf("publish %q: %w", in.Path, err)
	}

	doc, err := frontmatter.Parse(rootBytes)
	if err != nil {
		return index.Entry{}, fmt.Errorf("publish %q: %w", in.Path, err)
	}

	entry := index.Entry{
		Name:        in.Name,
		Description: in.Description,
		Tags:        in.Tags,
		Type:        in.Kind,
		DateCreated: time.Now().UTC().Truncate(time.Second),
	}

	if entry.Name == "" {
		entry.Name, _ = doc.String("name")
	}

	if entry.Description == "" {
		entry.Description, _ = doc.String("description")
	}

	if len(entry.Tags) == 0 {
		entry.Tags, _ = doc.StringList("tags")
	}

	if entry.Name == "" || entry.Description == "" {
		return index.Entry{}, fmt.Errorf("publish %q: %w: frontmatter or arguments must provide name and description",
			in.Path, index.ErrMissingMetadata)
	}

	entry.Description = entry.Name + " - " + entry.Description

	vectors, err := p.enc.Encode(ctx, []string{entry.Description})
	if err != nil {
		return index.Entry{}, fmt.Errorf("publish %q: %w", in.Path, err)
	}

	entry.Embedding = vectors[0]

	if len(entry.Tags) == 0 && p.tagger != nil {
		tags, err := p.tagger.ExtractTags(ctx, []string{entry.Name}, []string{entry.Description})
		if err != nil {
			return index.Entry{}, fmt.Errorf("publish %q: %w", in.Path, err)
		}

		entry.Tags = tags[entry.Name]
	}

	locals := []localFile{{abs: rootPath, rel: filepath.Base(rootPath)}}

	if isDir {
		locals, err = enumerate(dir, rootPath)
		if err != nil {
			return index.Entry{}, fmt.Errorf("publish %q: %w", in.Path, err)
		}
	}

	prefix := in.Kind.Table() + "/" + entry.Name

	for _, local := range locals {
		data, err := os.ReadFile(local.abs)
		if err != nil {
			return index.Entry{}, fmt.Errorf("publish %q: %w", in.Path, err)
		}

		if local.abs == rootPath {
			// The stored root file carries the canonical metadata,
			// whatever the local copy said.
			rewritten, err := rewriteRoot(data, entry.Name, entry.Description)
			if err != nil {
				return index.Entry{}, fmt.Errorf("publish %q: %w", in.Path, err)
			}

			data = rewritten

			sum := md5.Sum(data)
			entry.Etag = hex.EncodeToString(sum[:])
		}

		key := prefix + "/" + stripPersona(local.rel)

		if err := tx.Save(key, data); err != nil {
			return index.Entry{}, fmt.Errorf("publish %q: %w", in.Path, err)
		}

		entry.Files = append(entry.Files, key)
	}

	tx.Index(entry)

	p.logger.Debug("template processed",
		"kind", entry.Type, "name", entry.Name, "files", len(entry.Files))

	return entry, nil
}

// resolve maps the input path to the template directory and the absolute
// root file path. A file input must be named exactly the kind's root file
// and publishes alone; a directory input must contain the root file and
// publishes with its ancillaries.
func resolve(inputPath string, kind index.Kind) (dir string, rootPath string, isDir bool, err error) {
	info, err := os.Stat(inputPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", false, fmt.Errorf("%w: path does not exist", index.ErrNotFound)
	}

	if err != nil {
		return "", "", false, err
	}

	if info.IsDir() {
		rootPath = filepath.Join(inputPath, kind.RootFile())
		if _, err := os.Stat(rootPath); err != nil {
			return "", "", false, fmt.Errorf("%w: directory does not contain %s", index.ErrInvalidInput, kind.RootFile())
		}

		return inputPath, rootPath, true, nil
	}

	if filepath.Base(inputPath) != kind.RootFile() {
		return "", "", false, fmt.Errorf("%w: %s templates require a root file named %s",
			index.ErrInvalidInput, kind, kind.RootFile())
	}

	return filepath.Dir(inputPath), inputPath, false, nil
}

type localFile struct {
	abs string
	rel string // slash-separated, relative to the template directory
}

// enumerate lists the template's files, root file first, the rest sorted.
// Directories and manifest sidecars are excluded.
func enumerate(dir, rootPath string) ([]localFile, error) {
	var rest []localFile

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || d.Name() == index.ManifestName || p == rootPath {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		rest = append(rest, localFile{abs: p, rel: filepath.ToSlash(rel)})

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rest, func(i, j int) bool { return rest[i].rel < rest[j].rel })

	files := make([]localFile, 0, len(rest)+1)
	files = append(files, localFile{abs: rootPath, rel: filepath.Base(rootPath)})
	files = append(files, rest...)

	return files, nil
}

// rewriteRoot sets the canonical name and description in the root file's
// frontmatter, preserving everything else.
func rewriteRoot(data []byte, name, description string) ([]byte, error) {
	doc, err := frontmatter.Parse(data)
	if err != nil {
		return nil, err
	}

	doc.SetString("name", name)
	doc.SetString("description", description)

	return doc.Marshal()
}

// stripPersona removes ".persona" path segments from a relative slash path.
func stripPersona(rel string) string {
	segments := strings.Split(rel, "/")

	kept := segments[:0]
	for _, segment := range segments {
		if segment != ".persona" {
			kept = append(kept, segment)
		}
	}

	return path.Join(kept...)
}
