package memory

import (
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// maxVocabSize caps the number of unique terms in the vocabulary so that
// embedding vectors cannot grow without bound. Once the cap is reached, new
// unseen terms get zero weight.
const maxVocabSize = 10000

// Embedder computes term-frequency vectors for text. It maintains a
// vocabulary (term -> dimension index) that grows as new terms are stored.
// All embeddings share the vector space defined by the vocabulary, which the
// store persists so vectors stay comparable across restarts.
type Embedder struct {
	vocab map[string]int
}

// NewEmbedder creates an Embedder with an empty vocabulary.
func NewEmbedder() *Embedder {
	return &Embedder{vocab: make(map[string]int)}
}

// newEmbedderWithVocab creates an Embedder over an existing vocabulary.
func newEmbedderWithVocab(vocab map[string]int) *Embedder {
	if vocab == nil {
		vocab = make(map[string]int)
	}
	return &Embedder{vocab: vocab}
}

// tokenize splits text into lowercase alphanumeric tokens.
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Embed computes a TF vector for the given text, adding new terms to the
// vocabulary up to the cap. It returns the L2-normalized vector and the
// terms added by this call so the caller can persist them. An empty input
// returns a nil vector.
func (e *Embedder) Embed(text string) ([]float32, map[string]int) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}

	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}

	added := make(map[string]int)
	for term := range tf {
		if _, ok := e.vocab[term]; !ok {
			if len(e.vocab) >= maxVocabSize {
				continue
			}
			dim := len(e.vocab)
			e.vocab[term] = dim
			added[term] = dim
		}
	}

	vec := make([]float32, len(e.vocab))
	for term, count := range tf {
		if idx, ok := e.vocab[term]; ok {
			vec[idx] = float32(count)
		}
	}

	normalize32(vec)
	return vec, added
}

// EmbedQuery computes a TF vector for a query without growing the
// vocabulary. Query terms never seen at store time contribute nothing.
func (e *Embedder) EmbedQuery(text string) []float32 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}

	vec := make([]float32, len(e.vocab))
	for term, count := range tf {
		if idx, ok := e.vocab[term]; ok {
			vec[idx] = float32(count)
		}
	}

	normalize32(vec)
	return vec
}

// VocabSize returns the current vocabulary size (number of dimensions).
func (e *Embedder) VocabSize() int {
	return len(e.vocab)
}

// normalize32 normalizes a float32 vector to unit length in place.
func normalize32(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// CosineSimilarity computes the cosine similarity between two float32
// vectors. Vectors of different lengths are compared as if the shorter one
// were zero-padded. Returns 0 if either vector is empty.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < minLen; i++ {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	for _, av := range a[minLen:] {
		normA += float64(av) * float64(av)
	}
	for _, bv := range b[minLen:] {
		normB += float64(bv) * float64(bv)
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// MarshalEmbedding serializes a float32 slice to a compact binary BLOB
// using little-endian encoding (4 bytes per float32).
func MarshalEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// UnmarshalEmbedding deserializes a BLOB back to a float32 slice.
func UnmarshalEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}
