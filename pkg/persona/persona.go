// Package persona is a local registry for reusable agent templates: roles
// (a single ROLE.md) and skills (a SKILL.md plus ancillary files). Markdown
// files with YAML frontmatter are the source of truth; a derived metadata
// index provides listing, lookup, and embedding-based search, and can
// always be rebuilt from the files by a reindex run.
//
// Publish and delete are transactional: file mutations and index changes
// commit together, and any failure rolls the file store back byte-for-byte.
// The uuid of a published template is content-addressed, so republishing
// identical bytes yields the same uuid.
package persona

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/jasperhg90/persona/internal/embedding"
	"github.com/jasperhg90/persona/internal/library"
	"github.com/jasperhg90/persona/internal/metastore"
	"github.com/jasperhg90/persona/internal/reindex"
	"github.com/jasperhg90/persona/internal/storage"
	"github.com/jasperhg90/persona/internal/tagger"
	"github.com/jasperhg90/persona/internal/template"
	"github.com/jasperhg90/persona/pkg/persona/frontmatter"
	"github.com/jasperhg90/persona/pkg/persona/index"
)

// Encoder turns texts into unit-length embedding vectors, one per text.
// The default is a deterministic hashing encoder; model-backed encoders
// plug in through [Options].
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}

// Tagger extracts tags for descriptions, keyed by id. The default tagger
// loads lazily via [Registry.LoadTagger]; without it, templates published
// without explicit tags stay untagged.
type Tagger interface {
	ExtractTags(ctx context.Context, ids []string, texts []string) (map[string][]string, error)
}

// Options are optional collaborators for [New].
type Options struct {
	// Logger receives debug and warning logs. Nil uses [slog.Default].
	Logger *slog.Logger

	// Encoder overrides the default hashing encoder.
	Encoder Encoder

	// Tagger enables tag extraction. See also [Registry.LoadTagger].
	Tagger Tagger
}

// Registry is the facade over the registry components. Methods are safe
// for concurrent readers; publish, delete, and reindex assume one writer
// at a time, which matches the engine's single-write-session model.
type Registry struct {
	cfg       Config
	files     *storage.FileStore
	meta      metastore.Store
	enc       embedding.Encoder
	tagger    Tagger
	processor *template.Processor
	library   map[string]library.Skill
	logger    *slog.Logger
}

// New connects and bootstraps a registry: the template folders and the
// index folder are created, and the metadata store is seeded from the
// columnar files. Call [Registry.Close] to flush the index on shutdown.
func New(cfg Config, opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{
		filepath.Join(cfg.FileStore.Root, index.Role.Table()),
		filepath.Join(cfg.FileStore.Root, index.Skill.Table()),
		filepath.Join(cfg.MetaStore.Root, cfg.MetaStore.IndexFolder),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}

	meta := metastore.Connect(metastore.Config{
		Root:        cfg.MetaStore.Root,
		IndexFolder: cfg.MetaStore.IndexFolder,
	}, true, logger)

	if err := meta.Bootstrap(); err != nil {
		return nil, err
	}

	var enc embedding.Encoder = opts.Encoder
	if opts.Encoder == nil {
		enc = embedding.NewHashing()
	}

	r := &Registry{
		cfg:     cfg,
		files:   storage.NewFileStore(cfg.FileStore.Root, logger),
		meta:    meta,
		enc:     enc,
		tagger:  opts.Tagger,
		library: library.Skills(),
		logger:  logger,
	}

	r.processor = template.NewProcessor(enc, r.tagger, logger)

	return r, nil
}

// Close flushes the metadata store.
func (r *Registry) Close() error {
	return r.meta.Close()
}

// LoadTagger builds the taxonomy-backed tagger and installs it on the
// registry. The taxonomy cache lives under "<meta root>/tagging"; when the
// cache is missing, the keyword file at url (empty selects the default) is
// downloaded and embedded, which needs network access once.
func (r *Registry) LoadTagger(ctx context.Context, url string) error {
	dataDir := filepath.Join(r.cfg.MetaStore.Root, "tagging")

	extractor, err := tagger.Load(ctx, dataDir, url, r.enc, r.logger)
	if err != nil {
		return err
	}

	r.tagger = extractor
	r.processor = template.NewProcessor(r.enc, r.tagger, r.logger)

	return nil
}

// ListTemplates returns all indexed templates of a kind ("roles" or
// "skills") projected onto columns (nil selects all), sorted by name.
func (r *Registry) ListTemplates(ctx context.Context, kind string, columns []string) ([]map[string]any, error) {
	k, err := index.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	return r.meta.GetMany(k, nil, columns)
}

// SearchTemplates embeds query and returns the closest templates of the
// kind. Zero limit and maxDistance fall back to the configured defaults;
// each row carries a "score" column with the cosine distance.
func (r *Registry) SearchTemplates(ctx context.Context, query, kind string, columns []string, limit int, maxDistance float64) ([]map[string]any, error) {
	k, err := index.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: %w: empty query", ErrInvalidInput)
	}

	if limit <= 0 {
		limit = r.cfg.MetaStore.SimilaritySearch.MaxResults
	}

	if maxDistance <= 0 {
		maxDistance = r.cfg.MetaStore.SimilaritySearch.MaxCosineDistance
	}

	vectors, err := r.enc.Encode(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	return r.meta.Search(k, vectors[0], columns, limit, maxDistance)
}

// GetDefinition returns the stored root file bytes of a template.
func (r *Registry) GetDefinition(ctx context.Context, name, kind string) ([]byte, error) {
	k, err := index.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	exists, err := r.meta.Exists(k, name)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, fmt.Errorf("%s %q: %w", k, name, ErrNotFound)
	}

	return r.files.Load(path.Join(k.Table(), name, k.RootFile()))
}

// GetSkillFiles returns a skill's files keyed by base file name. Library
// skills resolve from the embedded catalog; registry skills read their
// listed storage paths, with SKILL.md returned with "metadata.version"
// stamped into its frontmatter.
func (r *Registry) GetSkillFiles(ctx context.Context, name string) (map[string][]byte, error) {
	files, err := r.skillFiles(name)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(files))
	for _, f := range files {
		out[f.name] = f.content
	}

	return out, nil
}

// GetSkillVersion returns the uuid of an indexed skill.
func (r *Registry) GetSkillVersion(ctx context.Context, name string) (string, error) {
	rec, err := r.meta.GetOne(index.Skill, name, []string{"uuid"})
	if err != nil {
		return "", err
	}

	uuid, _ := rec["uuid"].(string)

	return uuid, nil
}

// InstallSkill writes a skill's files under dir, which must be an existing
// absolute directory. Subpaths are preserved after stripping the "skills/"
// storage prefix, so the skill lands at "<dir>/<name>/...". Returns the
// absolute path of the installed SKILL.md.
func (r *Registry) InstallSkill(ctx context.Context, name, dir string) (string, error) {
	if !filepath.IsAbs(dir) {
		return "", fmt.Errorf("install %q: %w: target directory must be absolute", name, ErrInvalidInput)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("install %q: %w: target %q is not an existing directory", name, ErrInvalidInput, dir)
	}

	files, err := r.skillFiles(name)
	if err != nil {
		return "", err
	}

	var skillMD string

	for _, f := range files {
		target := filepath.Join(dir, filepath.FromSlash(f.installPath))

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("install %q: %w", name, err)
		}

		if err := atomic.WriteFile(target, bytes.NewReader(f.content)); err != nil {
			return "", fmt.Errorf("install %q: %w", name, err)
		}

		if f.name == index.Skill.RootFile() {
			skillMD = target
		}
	}

	if skillMD == "" {
		return "", fmt.Errorf("install %q: %w: skill has no %s", name, ErrNotFound, index.Skill.RootFile())
	}

	r.logger.Debug("skill installed", "name", name, "dir", dir, "files", len(files))

	return skillMD, nil
}

// PublishTemplate materializes and indexes the template at a local path.
// Name, description, and tags override the root file's frontmatter when
// set; otherwise the frontmatter must provide name and description.
func (r *Registry) PublishTemplate(ctx context.Context, localPath, kind, name, description string, tags []string) error {
	k, err := index.ParseKind(kind)
	if err != nil {
		return err
	}

	tx := storage.Begin(r.files, r.meta, r.logger)

	_, err = r.processor.Publish(ctx, tx, template.Input{
		Path:        localPath,
		Kind:        k,
		Name:        name,
		Description: description,
		Tags:        tags,
	})
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Warn("rollback after failed publish", "error", rbErr)
		}

		return err
	}

	return tx.Commit()
}

// DeleteTemplate removes a template's directory (manifest included) and
// its index row in one transaction.
func (r *Registry) DeleteTemplate(ctx context.Context, name, kind string) error {
	k, err := index.ParseKind(kind)
	if err != nil {
		return err
	}

	exists, err := r.meta.Exists(k, name)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("delete %s %q: %w", k, name, ErrNotFound)
	}

	tx := storage.Begin(r.files, r.meta, r.logger)

	if err := tx.Delete(path.Join(k.Table(), name), true); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Warn("rollback after failed delete", "error", rbErr)
		}

		return err
	}

	tx.Deindex(index.Entry{Name: name, Type: k})

	return tx.Commit()
}

// Reindex rebuilds the whole metadata index from the file store and swaps
// it in atomically: truncate plus upsert run in one write session, so
// concurrent readers see the old tables or the new ones, never a mix.
func (r *Registry) Reindex(ctx context.Context) error {
	pipeline := reindex.New(r.files, r.enc, r.tagger, r.logger)

	result, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}

	return r.meta.Session(func(s metastore.Session) error {
		if err := s.Truncate(); err != nil {
			return err
		}

		for kind, entries := range result {
			if err := s.Upsert(kind, entries); err != nil {
				return err
			}
		}

		return nil
	})
}

// allowedExts whitelists the ancillary file extensions skill retrieval
// returns. The root SKILL.md is always included.
var allowedExts = map[string]bool{
	".md": true, ".txt": true, ".json": true, ".yaml": true, ".yml": true,
	".cfg": true, ".ini": true, ".py": true, ".js": true, ".ts": true,
	".html": true, ".css": true,
}

// skillFile is one retrievable skill file.
type skillFile struct {
	name        string // base file name
	installPath string // path under the install directory
	content     []byte
}

// skillFiles resolves a skill by name: the embedded library first, then
// the registry. Registry SKILL.md bytes get the entry uuid stamped as
// "metadata.version" so installed copies are traceable to their publish.
func (r *Registry) skillFiles(name string) ([]skillFile, error) {
	if skill, ok := r.library[name]; ok {
		files := make([]skillFile, 0, len(skill.Files))
		for _, f := range skill.Files {
			files = append(files, skillFile{name: f.Name, installPath: f.StoragePath, content: f.Content})
		}

		return files, nil
	}

	rec, err := r.meta.GetOne(index.Skill, name, []string{"uuid", "files"})
	if err != nil {
		return nil, err
	}

	uuid, _ := rec["uuid"].(string)
	keys, _ := rec["files"].([]string)

	var files []skillFile

	for _, key := range keys {
		base := path.Base(key)
		isRoot := base == index.Skill.RootFile()

		if !isRoot && !allowedExts[strings.ToLower(path.Ext(base))] {
			continue
		}

		content, err := r.files.Load(key)
		if err != nil {
			return nil, err
		}

		if isRoot {
			content, err = stampVersion(content, uuid)
			if err != nil {
				return nil, fmt.Errorf("skill %q: %w", name, err)
			}
		}

		files = append(files, skillFile{
			name:        base,
			installPath: strings.TrimPrefix(key, index.Skill.Table()+"/"),
			content:     content,
		})
	}

	return files, nil
}

// stampVersion injects metadata.version into SKILL.md frontmatter.
func stampVersion(content []byte, uuid string) ([]byte, error) {
	doc, err := frontmatter.Parse(content)
	if err != nil {
		return nil, err
	}

	doc.SetNestedString("metadata", "version", uuid)

	return doc.Marshal()
}
