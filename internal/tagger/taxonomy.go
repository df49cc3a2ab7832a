package tagger

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/parquet-go/parquet-go"

	"github.com/jasperhg90/persona/internal/embedding"
)

// DefaultTaxonomyURL is the gzipped JSONL keyword list the cache is built
// from when none is configured. Rows carry the facet labels that key
// facetRules ("Technology", "Soft Skill", ...).
const DefaultTaxonomyURL = "https://raw.githubusercontent.com/JasperHG90/persona/refs/heads/main/assets/kw_all.jsonl.gz"

// cacheFile is the parquet cache name under the tagger data directory.
const cacheFile = "keywords_embedded.parquet"

// keywordRow is the parquet schema of the taxonomy cache.
type keywordRow struct {
	Name      string    `parquet:"name"`
	Facet     string    `parquet:"facet"`
	Embedding []float32 `parquet:"embedding,list"`
}

// sourceRow is one line of the downloaded JSONL keyword file. Context is
// the text that gets embedded; matching runs against it, not the name.
type sourceRow struct {
	Name    string `json:"name"`
	Facet   string `json:"facet"`
	Context string `json:"context"`
}

// Load returns an extractor whose taxonomy comes from the parquet cache
// under dataDir, building the cache first when it does not exist: the
// keyword file at url is downloaded, each row's context embedded with enc,
// and the result written to dataDir/keywords_embedded.parquet.
func Load(ctx context.Context, dataDir, url string, enc embedding.Encoder, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if url == "" {
		url = DefaultTaxonomyURL
	}

	cachePath := filepath.Join(dataDir, cacheFile)

	if _, err := os.Stat(cachePath); errors.Is(err, fs.ErrNotExist) {
		if err := buildCache(ctx, cachePath, url, enc, logger); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("load taxonomy: %w", err)
	}

	rows, err := parquet.ReadFile[keywordRow](cachePath)
	if err != nil {
		return nil, fmt.Errorf("load taxonomy cache %s: %w", cachePath, err)
	}

	keywords := make([]Keyword, 0, len(rows))
	for _, row := range rows {
		keywords = append(keywords, Keyword(row))
	}

	logger.Debug("taxonomy loaded", "keywords", len(keywords), "path", cachePath)

	return New(enc, keywords, logger), nil
}

// buildCache downloads, embeds, and persists the taxonomy.
func buildCache(ctx context.Context, cachePath, url string, enc embedding.Encoder, logger *slog.Logger) error {
	logger.Debug("building taxonomy cache", "url", url)

	sources, err := download(ctx, url)
	if err != nil {
		return err
	}

	contexts := make([]string, len(sources))
	for i, src := range sources {
		contexts[i] = src.Context
	}

	vectors, err := enc.Encode(ctx, contexts)
	if err != nil {
		return fmt.Errorf("embed taxonomy: %w", err)
	}

	rows := make([]keywordRow, len(sources))
	for i, src := range sources {
		rows[i] = keywordRow{Name: src.Name, Facet: src.Facet, Embedding: vectors[i]}
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return fmt.Errorf("build taxonomy cache: %w", err)
	}

	var buf bytes.Buffer

	writer := parquet.NewGenericWriter[keywordRow](&buf)

	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return fmt.Errorf("build taxonomy cache: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("build taxonomy cache: %w", err)
	}

	if err := atomic.WriteFile(cachePath, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("build taxonomy cache: %w", err)
	}

	logger.Debug("taxonomy cache built", "keywords", len(rows), "path", cachePath)

	return nil
}

// download fetches and decodes the gzipped JSONL keyword file.
func download(ctx context.Context, url string) ([]sourceRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("download taxonomy: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download taxonomy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download taxonomy: unexpected status %s", resp.Status)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download taxonomy: %w", err)
	}
	defer gz.Close()

	var rows []sourceRow

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var row sourceRow
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("download taxonomy: bad line: %w", err)
		}

		rows = append(rows, row)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("download taxonomy: %w", err)
	}

	return rows, nil
}
