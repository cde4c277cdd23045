// Package vectorindex provides the cosine-similarity scoring shared by the
// T2 fact stores and the TP pattern stores' semantic triggers (the T1
// archive ranks lexically and does not use it), grounded in the
// teacher's InMemoryVectorStore (rag/store/vector.go): simple linear scan,
// no ANN index, since both tiers in this spec are expected to hold at most
// tens of thousands of items per user.
package vectorindex

import "math"

// magnitudeEpsilon guards cosine similarity against division by (near) zero:
// spec.md §8 requires vectors with magnitude below 1e-10 to score 0.0, never
// NaN or Inf.
const magnitudeEpsilon = 1e-10

// Cosine computes the cosine similarity between two float32 vectors. It
// returns 0 if the vectors have mismatched or zero length, or if either
// vector's magnitude falls below magnitudeEpsilon.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, magA, magB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		magA += ai * ai
		magB += bi * bi
	}

	magA = math.Sqrt(magA)
	magB = math.Sqrt(magB)

	if magA < magnitudeEpsilon || magB < magnitudeEpsilon {
		return 0
	}

	return dot / (magA * magB)
}

// Scored pairs an item index with its similarity score, used by callers
// that rank a slice of embeddings against a query embedding.
type Scored struct {
	Index int
	Score float64
}

// RankByCosine scores every candidate embedding against query and returns
// the results sorted by descending score. Candidates with a nil/empty
// embedding score 0 rather than being skipped, so callers can still rank
// them behind vector matches via a secondary lexical signal.
func RankByCosine(query []float32, candidates [][]float32) []Scored {
	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		scored[i] = Scored{Index: i, Score: Cosine(query, c)}
	}
	// Candidate sets are small per-user collections.
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].Score > scored[j-1].Score; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
	return scored
}
