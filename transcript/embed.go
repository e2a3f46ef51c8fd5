package transcript

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// dims is the length of every embedding vector.
const dims = 256

// embedVersion names the embedding scheme; caches written with another
// scheme are ignored on load.
const embedVersion = "trigram-fnv-256"

// embed maps text to a unit vector of hashed character trigrams. Inputs that
// share fragments of code land close together under cosine distance.
func embed(text string) []float32 {
	vec := make([]float32, dims)
	runes := []rune("  " + normalize(text) + "  ")
	h := fnv.New32a()
	for i := 0; i+3 <= len(runes); i++ {
		h.Reset()
		_, _ = h.Write([]byte(string(runes[i : i+3])))
		sum := h.Sum32()
		if sum&1 == 0 {
			vec[(sum>>1)%dims]++
		} else {
			vec[(sum>>1)%dims]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// normalize lowercases text and collapses runs of whitespace.
func normalize(text string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(text), unicode.IsSpace), " ")
}
