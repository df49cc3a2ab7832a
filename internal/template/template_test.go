package template_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jasperhg90/persona/internal/embedding"
	"github.com/jasperhg90/persona/internal/metastore"
	"github.com/jasperhg90/persona/internal/storage"
	"github.com/jasperhg90/persona/internal/template"
	"github.com/jasperhg90/persona/pkg/persona/frontmatter"
	"github.com/jasperhg90/persona/pkg/persona/index"
)

func newTx(t *testing.T) (*storage.Tx, *storage.FileStore) {
	t.Helper()

	root := t.TempDir()
	files := storage.NewFileStore(root, nil)

	meta := metastore.Connect(metastore.Config{Root: root, IndexFolder: "index"}, true, nil)
	if err := meta.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	return storage.Begin(files, meta, nil), files
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newProcessor() *template.Processor {
	return template.NewProcessor(embedding.NewHashing(), nil, nil)
}

func Test_Publish_Skill_Directory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SKILL.md"), "---\nname: web_scraper\ndescription: scrapes pages\n---\n\n# Web scraper\n")
	writeFile(t, filepath.Join(dir, "run.py"), "print('hi')\n")

	tx, files := newTx(t)

	entry, err := newProcessor().Publish(context.Background(), tx, template.Input{Path: dir, Kind: index.Skill})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if entry.Name != "web_scraper" {
		t.Errorf("name = %q", entry.Name)
	}

	if entry.Description != "web_scraper - scrapes pages" {
		t.Errorf("description = %q", entry.Description)
	}

	wantFiles := []string{"skills/web_scraper/SKILL.md", "skills/web_scraper/run.py"}
	if diff := cmp.Diff(wantFiles, entry.Files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}

	if len(entry.Embedding) != embedding.Dim {
		t.Errorf("embedding dim = %d", len(entry.Embedding))
	}

	// The materialized root file carries the canonical metadata and the
	// etag is its digest.
	stored, err := files.Load("skills/web_scraper/SKILL.md")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	doc, err := frontmatter.Parse(stored)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if desc, _ := doc.String("description"); desc != "web_scraper - scrapes pages" {
		t.Errorf("stored description = %q", desc)
	}

	sum := md5.Sum(stored)
	if entry.Etag != hex.EncodeToString(sum[:]) {
		t.Errorf("etag %q does not match stored root file", entry.Etag)
	}
}

func Test_Publish_Arguments_Override_Frontmatter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ROLE.md"), "---\nname: old\ndescription: old desc\n---\nbody\n")

	tx, _ := newTx(t)

	entry, err := newProcessor().Publish(context.Background(), tx, template.Input{
		Path:        filepath.Join(dir, "ROLE.md"),
		Kind:        index.Role,
		Name:        "new",
		Description: "new desc",
		Tags:        []string{"explicit"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if entry.Name != "new" || entry.Description != "new - new desc" {
		t.Errorf("entry = %q / %q", entry.Name, entry.Description)
	}

	if diff := cmp.Diff([]string{"explicit"}, entry.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func Test_Publish_When_Metadata_Missing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SKILL.md"), "---\nname: lonely\n---\nbody\n")

	tx, _ := newTx(t)

	_, err := newProcessor().Publish(context.Background(), tx, template.Input{Path: dir, Kind: index.Skill})
	if !errors.Is(err, index.ErrMissingMetadata) {
		t.Errorf("err = %v, want ErrMissingMetadata", err)
	}
}

func Test_Publish_When_Path_Missing(t *testing.T) {
	t.Parallel()

	tx, _ := newTx(t)

	_, err := newProcessor().Publish(context.Background(), tx, template.Input{
		Path: filepath.Join(t.TempDir(), "ghost"),
		Kind: index.Skill,
	})
	if !errors.Is(err, index.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func Test_Publish_When_Root_File_Name_Is_Wrong(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "README.md"), "---\nname: x\ndescription: y\n---\n")

	tx, _ := newTx(t)

	_, err := newProcessor().Publish(context.Background(), tx, template.Input{
		Path: filepath.Join(dir, "README.md"),
		Kind: index.Skill,
	})
	if !errors.Is(err, index.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func Test_Publish_When_Directory_Lacks_Root_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "notes.md"), "just notes\n")

	tx, _ := newTx(t)

	_, err := newProcessor().Publish(context.Background(), tx, template.Input{Path: dir, Kind: index.Skill})
	if !errors.Is(err, index.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func Test_Publish_Strips_Persona_Segments_And_Skips_Manifests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SKILL.md"), "---\nname: layered\ndescription: nested files\n---\n")
	writeFile(t, filepath.Join(dir, ".persona", "config.md"), "config\n")
	writeFile(t, filepath.Join(dir, "sub", "helper.py"), "pass\n")
	writeFile(t, filepath.Join(dir, ".manifest.json"), "{}\n")

	tx, files := newTx(t)

	entry, err := newProcessor().Publish(context.Background(), tx, template.Input{Path: dir, Kind: index.Skill})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := []string{
		"skills/layered/SKILL.md",
		"skills/layered/config.md",
		"skills/layered/sub/helper.py",
	}
	if diff := cmp.Diff(want, entry.Files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}

	if exists, _ := files.Exists("skills/layered/.persona/config.md"); exists {
		t.Error(".persona segment survived materialization")
	}
}

// recordingTagger returns canned tags and records what it was asked.
type recordingTagger struct {
	ids  []string
	tags map[string][]string
}

func (r *recordingTagger) ExtractTags(_ context.Context, ids []string, _ []string) (map[string][]string, error) {
	r.ids = ids

	return r.tags, nil
}

func Test_Publish_Extracts_Tags_When_None_Provided(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SKILL.md"), "---\nname: tagged\ndescription: needs tags\n---\n")

	tagger := &recordingTagger{tags: map[string][]string{"tagged": {"auto"}}}
	proc := template.NewProcessor(embedding.NewHashing(), tagger, nil)

	tx, _ := newTx(t)

	entry, err := proc.Publish(context.Background(), tx, template.Input{Path: dir, Kind: index.Skill})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if diff := cmp.Diff([]string{"auto"}, entry.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"tagged"}, tagger.ids); diff != "" {
		t.Errorf("tagger keyed by (-want +got):\n%s", diff)
	}
}

func Test_Publish_Keeps_Frontmatter_Tags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SKILL.md"), "---\nname: manual\ndescription: has tags\ntags:\n  - handpicked\n---\n")

	tagger := &recordingTagger{tags: map[string][]string{"manual": {"auto"}}}
	proc := template.NewProcessor(embedding.NewHashing(), tagger, nil)

	tx, _ := newTx(t)

	entry, err := proc.Publish(context.Background(), tx, template.Input{Path: dir, Kind: index.Skill})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if diff := cmp.Diff([]string{"handpicked"}, entry.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	if tagger.ids != nil {
		t.Error("tagger should not run when tags are present")
	}
}
