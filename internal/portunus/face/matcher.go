package face

import "github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"

// Match is the best candidate for a probe embedding.  IdentityID is empty
// when there were no candidates at all.
type Match struct {
	IdentityID  string
	DisplayName string
	Score       float64
}

// BestMatch scores probe against every reference embedding and returns the
// identity with the single highest similarity.  Thresholding is left to the
// access decision so that low scores are still audited with their value.
func BestMatch(probe Embedding, candidates []store.IdentityEmbeddings) Match {
	var best Match
	for _, c := range candidates {
		for _, ref := range c.Embeddings {
			if s := Similarity(probe, ref); best.IdentityID == "" || s > best.Score {
				best = Match{IdentityID: c.Identity.ID, DisplayName: c.Identity.DisplayName, Score: s}
			}
		}
	}
	return best
}
