// Package reindex rebuilds the metadata index from the file store. A
// producer scans for template root files and a consumer embeds and tags
// them in batches; manifest sidecars written by earlier commits let the
// producer skip templates whose root file has not changed since.
package reindex

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jasperhg90/persona/internal/embedding"
	"github.com/jasperhg90/persona/internal/storage"
	"github.com/jasperhg90/persona/pkg/persona/frontmatter"
	"github.com/jasperhg90/persona/pkg/persona/index"
)

const (
	// queueCapacity bounds the producer/consumer channel; a full queue
	// applies backpressure on the producer's filesystem scan.
	queueCapacity = 128

	// batchSize caps how many entries the consumer embeds and tags per
	// call.
	batchSize = 32
)

// Tagger extracts tags for descriptions, keyed by id.
type Tagger interface {
	ExtractTags(ctx context.Context, ids []string, texts []string) (map[string][]string, error)
}

// Pipeline scans the file store and produces the full index contents. The
// caller swaps the result into the metadata store (truncate plus upsert in
// one write session).
type Pipeline struct {
	files  *storage.FileStore
	enc    embedding.Encoder
	tagger Tagger
	logger *slog.Logger
}

// New wires a pipeline. A nil tagger disables tag extraction for rebuilt
// entries; a nil logger uses [slog.Default].
func New(files *storage.FileStore, enc embedding.Encoder, tagger Tagger, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{files: files, enc: enc, tagger: tagger, logger: logger}
}

// produced is one scanned template. manifestKey is set when the entry was
// rebuilt from the root file and its manifest needs rewriting; entries
// loaded from a fresh manifest leave it empty.
type produced struct {
	entry       index.Entry
	manifestKey string
}

// Run scans every kind and returns the entries grouped by kind. Producer
// and consumer run concurrently over a bounded queue; cancellation
// propagates to both, and the consumer processes its leftover batch before
// returning.
func (p *Pipeline) Run(ctx context.Context) (map[index.Kind][]index.Entry, error) {
	queue := make(chan produced, queueCapacity)
	result := map[index.Kind][]index.Entry{}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)

		return p.produce(ctx, queue)
	})

	g.Go(func() error {
		return p.consume(ctx, queue, result)
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reindex: %w", err)
	}

	return result, nil
}

func (p *Pipeline) produce(ctx context.Context, queue chan<- produced) error {
	for _, kind := range index.Kinds {
		matches, err := p.files.Glob("**/" + kind.RootFile())
		if err != nil {
			return err
		}

		for _, rootKey := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}

			item, ok, err := p.scan(kind, rootKey)
			if err != nil {
				return err
			}

			if !ok {
				continue
			}

			select {
			case queue <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return nil
}

// scan turns one root file into a produced item. Templates whose
// frontmatter lacks name or description are skipped with a warning rather
// than failing the whole run.
func (p *Pipeline) scan(kind index.Kind, rootKey string) (produced, bool, error) {
	manifestKey := path.Join(path.Dir(rootKey), index.ManifestName)

	rootMtime, err := p.files.Mtime(rootKey)
	if err != nil {
		return produced{}, false, err
	}

	if manifestMtime, err := p.files.Mtime(manifestKey); err == nil && !manifestMtime.Before(rootMtime) {
		data, err := p.files.Load(manifestKey)
		if err == nil {
			if entry, err := index.ParseManifest(data); err == nil && entry.Type == kind {
				return produced{entry: entry}, true, nil
			}
		}

		p.logger.Warn("stale or unreadable manifest, rebuilding", "key", manifestKey)
	}

	data, err := p.files.Load(rootKey)
	if err != nil {
		return produced{}, false, err
	}

	doc, err := frontmatter.Parse(data)
	if err != nil {
		p.logger.Warn("skipping template with bad frontmatter", "key", rootKey, "error", err)

		return produced{}, false, nil
	}

	name, _ := doc.String("name")
	description, _ := doc.String("description")

	if name == "" || description == "" {
		p.logger.Warn("skipping template without name or description", "key", rootKey)

		return produced{}, false, nil
	}

	tags, _ := doc.StringList("tags")

	files, err := p.templateFiles(rootKey)
	if err != nil {
		return produced{}, false, err
	}

	sum := md5.Sum(data)

	entry := index.Entry{
		Name:        name,
		Description: description,
		Tags:        tags,
		UUID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Etag:        hex.EncodeToString(sum[:]),
		Files:       files,
		Type:        kind,
		DateCreated: time.Now().UTC().Truncate(time.Second),
	}

	return produced{entry: entry, manifestKey: manifestKey}, true, nil
}

// templateFiles lists the storage keys of a template, root file first.
func (p *Pipeline) templateFiles(rootKey string) ([]string, error) {
	parent := path.Dir(rootKey)

	matches, err := p.files.Glob(parent + "/**/*")
	if err != nil {
		return nil, err
	}

	files := []string{rootKey}

	for _, match := range matches {
		if match == rootKey || path.Base(match) == index.ManifestName {
			continue
		}

		if dir, err := p.files.IsDir(match); err != nil {
			return nil, err
		} else if dir {
			continue
		}

		files = append(files, match)
	}

	return files, nil
}

func (p *Pipeline) consume(ctx context.Context, queue <-chan produced, result map[index.Kind][]index.Entry) error {
	batch := make([]produced, 0, batchSize)

	for {
		// Checked eagerly: a ready queue receive must not outrace
		// cancellation.
		if ctx.Err() != nil {
			if err := p.flush(context.WithoutCancel(ctx), batch, result); err != nil {
				return err
			}

			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			// The leftover batch is still processed so that already
			// scanned templates are not silently dropped. Embedding
			// and manifest writes must outlive the cancellation.
			if err := p.flush(context.WithoutCancel(ctx), batch, result); err != nil {
				return err
			}

			return ctx.Err()

		case item, ok := <-queue:
			if !ok {
				return p.flush(ctx, batch, result)
			}

			batch = append(batch, item)

			if len(batch) == batchSize {
				if err := p.flush(ctx, batch, result); err != nil {
					return err
				}

				batch = batch[:0]
			}
		}
	}
}

// flush embeds and tags one batch, rewrites pending manifests, and routes
// the entries into the per-kind result.
func (p *Pipeline) flush(ctx context.Context, batch []produced, result map[index.Kind][]index.Entry) error {
	if len(batch) == 0 {
		return nil
	}

	names := make([]string, len(batch))
	texts := make([]string, len(batch))

	for i, item := range batch {
		names[i] = item.entry.Name
		texts[i] = item.entry.Description
	}

	vectors, err := p.enc.Encode(ctx, texts)
	if err != nil {
		return err
	}

	var tags map[string][]string

	if p.tagger != nil {
		tags, err = p.tagger.ExtractTags(ctx, names, texts)
		if err != nil {
			return err
		}
	}

	for i, item := range batch {
		entry := item.entry
		entry.Embedding = vectors[i]

		if len(entry.Tags) == 0 {
			entry.Tags = tags[entry.Name]
		}

		if item.manifestKey != "" {
			manifest, err := entry.MarshalManifest()
			if err != nil {
				return err
			}

			if err := p.files.Save(item.manifestKey, manifest); err != nil {
				return err
			}
		}

		result[entry.Type] = append(result[entry.Type], entry)
	}

	p.logger.Debug("reindex batch processed", "entries", len(batch))

	return nil
}
