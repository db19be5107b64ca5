package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns texts into vectors. Implementations must return one vector
// per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Identifier is implemented by embedders that can name the vector space
// they produce. Vectors from embedders with different ids are not
// comparable.
type Identifier interface {
	EmbedderID() string
}

// EmbedderID returns e's id, or "" when e does not report one.
func EmbedderID(e Embedder) string {
	if id, ok := e.(Identifier); ok {
		return id.EmbedderID()
	}
	return ""
}

// HashEmbedder is an offline embedder that hashes lowercase word tokens into
// a fixed number of signed buckets and L2-normalises the result.
type HashEmbedder struct {
	Dimensions int
}

// NewHashEmbedder creates a HashEmbedder; dims <= 0 selects 384.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{Dimensions: dims}
}

func (h *HashEmbedder) EmbedderID() string {
	return fmt.Sprintf("hash/%d", h.Dimensions)
}

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.Dimensions)
	for _, tok := range Tokenize(text) {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.Dimensions))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	normalize(v)
	return v
}

// Tokenize splits text into lowercase letter/digit runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// Cosine returns the cosine similarity of a and b, 0 if either is zero or
// their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
