// Package tagger extracts facet-constrained tags from template
// descriptions. Keywords come from a taxonomy of {name, facet, context}
// rows; a description is tagged with the keywords whose context embeddings
// it is close to, with per-facet limits so that one facet cannot dominate.
package tagger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/jasperhg90/persona/internal/embedding"
)

// Keyword is one taxonomy row: a tag name, the facet it belongs to, and the
// unit-length embedding of its context text.
type Keyword struct {
	Name      string
	Facet     string
	Embedding []float32
}

// rule caps how many keywords a facet may contribute and the minimum
// similarity a candidate needs.
type rule struct {
	topK     int
	minScore float64
}

// facetRules pins the selection rules per facet. The keys are the facet
// labels exactly as the keyword file spells them; keywords in facets not
// listed here never match.
var facetRules = map[string]rule{
	"Seniority":   {topK: 1, minScore: 0.40},
	"Soft Skill":  {topK: 2, minScore: 0.40},
	"Hard Skill":  {topK: 2, minScore: 0.35},
	"Methodology": {topK: 2, minScore: 0.40},
	"Role":        {topK: 1, minScore: 0.40},
	"Domain":      {topK: 2, minScore: 0.40},
	"Technology":  {topK: 3, minScore: 0.70},
}

// Extractor scores descriptions against the taxonomy.
type Extractor struct {
	enc      embedding.Encoder
	keywords []Keyword
	logger   *slog.Logger
}

// New builds an extractor over an in-memory taxonomy. Use [Load] to read
// the taxonomy from its on-disk cache.
func New(enc embedding.Encoder, keywords []Keyword, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Extractor{enc: enc, keywords: keywords, logger: logger}
}

// ExtractTags tags each text, keyed by the corresponding id. Every id maps
// to a (possibly empty) tag list, ordered by descending similarity.
//
// Selection per text: within each facet, candidates rank by similarity and
// the facet's top-k at or above its threshold survive; duplicates across
// facets collapse keeping the best score.
func (x *Extractor) ExtractTags(ctx context.Context, ids []string, texts []string) (map[string][]string, error) {
	if len(ids) != len(texts) {
		return nil, fmt.Errorf("extract tags: %d ids for %d texts", len(ids), len(texts))
	}

	vectors, err := x.enc.Encode(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("extract tags: %w", err)
	}

	result := make(map[string][]string, len(ids))

	for i, id := range ids {
		result[id] = x.tagOne(vectors[i])
	}

	return result, nil
}

type candidate struct {
	name  string
	score float64
}

func (x *Extractor) tagOne(vec []float32) []string {
	perFacet := map[string][]candidate{}

	for _, kw := range x.keywords {
		if _, known := facetRules[kw.Facet]; !known {
			continue
		}

		score := round3(dot(vec, kw.Embedding))
		perFacet[kw.Facet] = append(perFacet[kw.Facet], candidate{name: kw.Name, score: score})
	}

	// Best score per surviving keyword; the same keyword may clear the
	// bar in more than one facet.
	best := map[string]float64{}

	for facet, candidates := range perFacet {
		r := facetRules[facet]

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}

			return candidates[i].name < candidates[j].name
		})

		for rank, c := range candidates {
			if rank >= r.topK || c.score < r.minScore {
				break
			}

			if prev, ok := best[c.name]; !ok || c.score > prev {
				best[c.name] = c.score
			}
		}
	}

	tags := make([]string, 0, len(best))
	for name := range best {
		tags = append(tags, name)
	}

	sort.Slice(tags, func(i, j int) bool {
		if best[tags[i]] != best[tags[j]] {
			return best[tags[i]] > best[tags[j]]
		}

		return tags[i] < tags[j]
	})

	return tags
}

// dot is the cosine similarity for unit vectors.
func dot(u, v []float32) float64 {
	n := len(u)
	if len(v) < n {
		n = len(v)
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(u[i]) * float64(v[i])
	}

	return sum
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
