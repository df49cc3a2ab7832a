// Package embedding defines the [Encoder] interface the registry embeds
// descriptions with, plus a deterministic hashing encoder used as the
// default. Model-backed encoders (served out of process) implement the same
// interface; everything downstream only assumes unit-length vectors of a
// fixed dimension.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Dim is the embedding dimension.
const Dim = 384

// Encoder turns texts into unit-length vectors. Implementations must be
// deterministic for a given input and return one vector per input text.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}

// Hashing is a bag-of-words encoder: tokens hash into a fixed number of
// buckets and the count vector is L2-normalized. It has no semantics beyond
// token overlap, but it is deterministic, dependency-free, and cheap, which
// is what the default configuration and the test suites need.
type Hashing struct {
	dim int
}

// NewHashing returns a hashing encoder with dimension [Dim].
func NewHashing() *Hashing {
	return &Hashing{dim: Dim}
}

var _ Encoder = (*Hashing)(nil)

// Encode implements [Encoder]. The zero vector is returned for texts with
// no tokens.
func (h *Hashing) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}

		vectors[i] = h.encodeOne(text)
	}

	return vectors, nil
}

func (h *Hashing) encodeOne(text string) []float32 {
	vec := make([]float32, h.dim)

	for _, token := range tokenize(text) {
		hasher := fnv.New32a()
		hasher.Write([]byte(token))
		vec[hasher.Sum32()%uint32(h.dim)]++
	}

	return normalize(vec)
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales vec to unit length. The zero vector stays zero.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}

	if sum == 0 {
		return vec
	}

	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}

	return vec
}
