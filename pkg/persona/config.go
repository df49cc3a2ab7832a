package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
)

// Config holds the registry configuration.
type Config struct {
	// Root is the base directory; it propagates into FileStore.Root and
	// MetaStore.Root when they are unset.
	Root string `json:"root"`

	FileStore FileStoreConfig `json:"file_store"`
	MetaStore MetaStoreConfig `json:"meta_store"`
}

// FileStoreConfig configures the blob store backend.
type FileStoreConfig struct {
	// Type is the backend discriminator. Only "local" is implemented.
	Type string `json:"type"`

	// Root is the directory templates are stored under.
	Root string `json:"root"`
}

// MetaStoreConfig configures the metadata store backend.
type MetaStoreConfig struct {
	// Type is the backend discriminator. Only "memory" (the in-memory
	// engine persisted to columnar files) is implemented.
	Type string `json:"type"`

	// Root is the directory the index folder lives under.
	Root string `json:"root"`

	// IndexFolder is the subfolder holding the columnar files.
	IndexFolder string `json:"index_folder"`

	SimilaritySearch SimilaritySearchConfig `json:"similarity_search"`
}

// SimilaritySearchConfig holds the search defaults applied when a caller
// passes zero values.
type SimilaritySearchConfig struct {
	// MaxResults is the default result limit.
	MaxResults int `json:"max_results"`

	// MaxCosineDistance is the default distance threshold. 0 admits only
	// identical vectors, 2 admits everything.
	MaxCosineDistance float64 `json:"max_cosine_distance"`
}

// DefaultConfig returns the defaults. Root resolves against the HOME entry
// of env; an empty HOME leaves Root empty, which fails validation unless a
// later source sets it.
func DefaultConfig(env map[string]string) Config {
	var root string
	if home := env["HOME"]; home != "" {
		root = filepath.Join(home, ".persona")
	}

	return Config{
		Root:      root,
		FileStore: FileStoreConfig{Type: "local"},
		MetaStore: MetaStoreConfig{
			Type:        "memory",
			IndexFolder: "index",
			SimilaritySearch: SimilaritySearchConfig{
				MaxResults:        3,
				MaxCosineDistance: 0.8,
			},
		},
	}
}

// envPrefix is the prefix of recognized environment variables.
const envPrefix = "PERSONA_"

// envKeys maps environment variable suffixes to dotted config keys.
var envKeys = map[string]string{
	"ROOT":                    "root",
	"FILE_STORE_TYPE":         "file_store.type",
	"FILE_STORE_ROOT":         "file_store.root",
	"META_STORE_TYPE":         "meta_store.type",
	"META_STORE_ROOT":         "meta_store.root",
	"META_STORE_INDEX_FOLDER": "meta_store.index_folder",
	"META_STORE_SIMILARITY_SEARCH_MAX_RESULTS":         "meta_store.similarity_search.max_results",
	"META_STORE_SIMILARITY_SEARCH_MAX_COSINE_DISTANCE": "meta_store.similarity_search.max_cosine_distance",
}

// LoadConfigInput holds the inputs for [LoadConfig].
type LoadConfigInput struct {
	// ConfigPath is an explicit config file. When set, the file must
	// exist; when empty, no file is read.
	ConfigPath string

	// Env is the environment (typically built from os.Environ).
	Env map[string]string

	// Overrides are dotted-key overrides ("meta_store.index_folder"),
	// applied last.
	Overrides map[string]string
}

// LoadConfig builds a validated Config with precedence (highest wins):
// overrides > environment > config file > defaults. After merging, Root
// propagates into the store roots when they are unset.
func LoadConfig(input LoadConfigInput) (Config, error) {
	cfg := DefaultConfig(input.Env)

	if input.ConfigPath != "" {
		fileCfg, err := loadConfigFile(input.ConfigPath)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfig(cfg, fileCfg)
	}

	for suffix, key := range envKeys {
		if value, ok := input.Env[envPrefix+suffix]; ok && value != "" {
			if err := applyKey(&cfg, key, value); err != nil {
				return Config{}, err
			}
		}
	}

	for key, value := range input.Overrides {
		if err := applyKey(&cfg, key, value); err != nil {
			return Config{}, err
		}
	}

	if cfg.FileStore.Root == "" {
		cfg.FileStore.Root = cfg.Root
	}

	if cfg.MetaStore.Root == "" {
		cfg.MetaStore.Root = cfg.Root
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadConfigFile reads a JWCC (JSON with comments and trailing commas)
// config file.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read %s: %w", ErrConfigInvalid, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, nil
}

// mergeConfig overlays the non-zero fields of overlay onto base.
func mergeConfig(base, overlay Config) Config {
	if overlay.Root != "" {
		base.Root = overlay.Root
	}

	if overlay.FileStore.Type != "" {
		base.FileStore.Type = overlay.FileStore.Type
	}

	if overlay.FileStore.Root != "" {
		base.FileStore.Root = overlay.FileStore.Root
	}

	if overlay.MetaStore.Type != "" {
		base.MetaStore.Type = overlay.MetaStore.Type
	}

	if overlay.MetaStore.Root != "" {
		base.MetaStore.Root = overlay.MetaStore.Root
	}

	if overlay.MetaStore.IndexFolder != "" {
		base.MetaStore.IndexFolder = overlay.MetaStore.IndexFolder
	}

	if overlay.MetaStore.SimilaritySearch.MaxResults != 0 {
		base.MetaStore.SimilaritySearch.MaxResults = overlay.MetaStore.SimilaritySearch.MaxResults
	}

	if overlay.MetaStore.SimilaritySearch.MaxCosineDistance != 0 {
		base.MetaStore.SimilaritySearch.MaxCosineDistance = overlay.MetaStore.SimilaritySearch.MaxCosineDistance
	}

	return base
}

// applyKey sets one dotted config key from its string form.
func applyKey(cfg *Config, key, value string) error {
	switch key {
	case "root":
		cfg.Root = value
	case "file_store.type":
		cfg.FileStore.Type = value
	case "file_store.root":
		cfg.FileStore.Root = value
	case "meta_store.type":
		cfg.MetaStore.Type = value
	case "meta_store.root":
		cfg.MetaStore.Root = value
	case "meta_store.index_folder":
		cfg.MetaStore.IndexFolder = value
	case "meta_store.similarity_search.max_results":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfigInvalid, key, err)
		}

		cfg.MetaStore.SimilaritySearch.MaxResults = n
	case "meta_store.similarity_search.max_cosine_distance":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfigInvalid, key, err)
		}

		cfg.MetaStore.SimilaritySearch.MaxCosineDistance = f
	default:
		return fmt.Errorf("%w: unknown key %q", ErrConfigInvalid, key)
	}

	return nil
}

func validateConfig(cfg Config) error {
	if cfg.Root == "" && (cfg.FileStore.Root == "" || cfg.MetaStore.Root == "") {
		return fmt.Errorf("%w: root is not set", ErrConfigInvalid)
	}

	if cfg.FileStore.Type != "local" {
		return fmt.Errorf("%w: unsupported file_store.type %q", ErrConfigInvalid, cfg.FileStore.Type)
	}

	if cfg.MetaStore.Type != "memory" {
		return fmt.Errorf("%w: unsupported meta_store.type %q", ErrConfigInvalid, cfg.MetaStore.Type)
	}

	if strings.ContainsAny(cfg.MetaStore.IndexFolder, "/\\") || cfg.MetaStore.IndexFolder == "" {
		return fmt.Errorf("%w: meta_store.index_folder must be a single folder name", ErrConfigInvalid)
	}

	if cfg.MetaStore.SimilaritySearch.MaxResults <= 0 {
		return fmt.Errorf("%w: meta_store.similarity_search.max_results must be positive", ErrConfigInvalid)
	}

	dist := cfg.MetaStore.SimilaritySearch.MaxCosineDistance
	if dist < 0 || dist > 2 {
		return fmt.Errorf("%w: meta_store.similarity_search.max_cosine_distance must be in [0, 2]", ErrConfigInvalid)
	}

	return nil
}
