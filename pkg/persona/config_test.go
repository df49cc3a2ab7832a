package persona_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jasperhg90/persona/pkg/persona"
)

func Test_LoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	home := t.TempDir()

	cfg, err := persona.LoadConfig(persona.LoadConfigInput{Env: map[string]string{"HOME": home}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := filepath.Join(home, ".persona")

	if cfg.Root != want || cfg.FileStore.Root != want || cfg.MetaStore.Root != want {
		t.Errorf("roots = %q / %q / %q, want %q", cfg.Root, cfg.FileStore.Root, cfg.MetaStore.Root, want)
	}

	if cfg.FileStore.Type != "local" || cfg.MetaStore.Type != "memory" {
		t.Errorf("types = %q / %q", cfg.FileStore.Type, cfg.MetaStore.Type)
	}

	if cfg.MetaStore.IndexFolder != "index" {
		t.Errorf("index folder = %q", cfg.MetaStore.IndexFolder)
	}

	if cfg.MetaStore.SimilaritySearch.MaxResults != 3 || cfg.MetaStore.SimilaritySearch.MaxCosineDistance != 0.8 {
		t.Errorf("search defaults = %+v", cfg.MetaStore.SimilaritySearch)
	}
}

func Test_LoadConfig_File_Overrides_Defaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "persona.json")

	// JWCC: comments and trailing commas are allowed.
	content := `{
		// custom registry location
		"root": "` + filepath.ToSlash(dir) + `/registry",
		"meta_store": {
			"index_folder": "idx",
		},
	}`

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := persona.LoadConfig(persona.LoadConfigInput{
		ConfigPath: path,
		Env:        map[string]string{"HOME": dir},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Root != filepath.ToSlash(dir)+"/registry" {
		t.Errorf("root = %q", cfg.Root)
	}

	if cfg.MetaStore.IndexFolder != "idx" {
		t.Errorf("index folder = %q", cfg.MetaStore.IndexFolder)
	}

	// Unset fields keep their defaults.
	if cfg.MetaStore.SimilaritySearch.MaxResults != 3 {
		t.Errorf("max results = %d", cfg.MetaStore.SimilaritySearch.MaxResults)
	}
}

func Test_LoadConfig_Env_Overrides_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "persona.json")

	if err := os.WriteFile(path, []byte(`{"meta_store": {"index_folder": "from-file"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := persona.LoadConfig(persona.LoadConfigInput{
		ConfigPath: path,
		Env: map[string]string{
			"HOME":                            dir,
			"PERSONA_META_STORE_INDEX_FOLDER": "from-env",
			"PERSONA_META_STORE_SIMILARITY_SEARCH_MAX_RESULTS": "7",
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.MetaStore.IndexFolder != "from-env" {
		t.Errorf("index folder = %q", cfg.MetaStore.IndexFolder)
	}

	if cfg.MetaStore.SimilaritySearch.MaxResults != 7 {
		t.Errorf("max results = %d", cfg.MetaStore.SimilaritySearch.MaxResults)
	}
}

func Test_LoadConfig_Overrides_Beat_Env(t *testing.T) {
	t.Parallel()

	cfg, err := persona.LoadConfig(persona.LoadConfigInput{
		Env: map[string]string{
			"HOME":                            t.TempDir(),
			"PERSONA_META_STORE_INDEX_FOLDER": "from-env",
		},
		Overrides: map[string]string{"meta_store.index_folder": "explicit"},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.MetaStore.IndexFolder != "explicit" {
		t.Errorf("index folder = %q", cfg.MetaStore.IndexFolder)
	}
}

func Test_LoadConfig_Root_Propagates_Only_When_Stores_Unset(t *testing.T) {
	t.Parallel()

	cfg, err := persona.LoadConfig(persona.LoadConfigInput{
		Env: map[string]string{"HOME": t.TempDir()},
		Overrides: map[string]string{
			"root":            "/registry",
			"file_store.root": "/elsewhere",
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.FileStore.Root != "/elsewhere" {
		t.Errorf("file store root = %q", cfg.FileStore.Root)
	}

	if cfg.MetaStore.Root != "/registry" {
		t.Errorf("meta store root = %q", cfg.MetaStore.Root)
	}
}

func Test_LoadConfig_Rejects_Invalid_Values(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]string{
		"unknown key":       {"nope": "x"},
		"bad store type":    {"file_store.type": "s3"},
		"bad meta type":     {"meta_store.type": "duckdb"},
		"zero max results":  {"meta_store.similarity_search.max_results": "0"},
		"distance too big":  {"meta_store.similarity_search.max_cosine_distance": "2.5"},
		"non-numeric limit": {"meta_store.similarity_search.max_results": "many"},
		"nested folder":     {"meta_store.index_folder": "a/b"},
	}

	for name, overrides := range cases {
		_, err := persona.LoadConfig(persona.LoadConfigInput{
			Env:       map[string]string{"HOME": t.TempDir()},
			Overrides: overrides,
		})
		if !errors.Is(err, persona.ErrConfigInvalid) {
			t.Errorf("%s: err = %v, want ErrConfigInvalid", name, err)
		}
	}
}

func Test_LoadConfig_When_Config_File_Missing(t *testing.T) {
	t.Parallel()

	_, err := persona.LoadConfig(persona.LoadConfigInput{
		ConfigPath: filepath.Join(t.TempDir(), "ghost.json"),
		Env:        map[string]string{"HOME": t.TempDir()},
	})
	if !errors.Is(err, persona.ErrConfigInvalid) {
		t.Errorf("err = %v, want ErrConfigInvalid", err)
	}
}
