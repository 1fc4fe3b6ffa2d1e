// Package face holds the recognition collaborators the gate consumes:
// the photo-to-embedding pipeline and cosine matching against enrolled
// embeddings.  Production deployments plug a model-backed Embedder in; the
// reference pieces here keep the enrollment protocol exercisable without one.
package face

import (
	"context"
	"errors"
	"image"
	"math"
)

var (
	ErrNoFaceDetected  = errors.New("no face detected")
	ErrLowQuality      = errors.New("face quality too low")
	ErrEmbeddingFailed = errors.New("embedding failed")
)

// Embedding is a fixed-length face descriptor.
type Embedding []float32

// Pipeline turns an uploaded photo into one embedding:
// decode, detect, quality-check, align, embed.
type Pipeline interface {
	Process(ctx context.Context, photo []byte) (Embedding, error)
}

type Detector interface {
	Detect(img image.Image) ([]image.Rectangle, error)
}

type QualityChecker interface {
	Check(img image.Image, face image.Rectangle) error
}

type Embedder interface {
	Embed(ctx context.Context, face image.Image) (Embedding, error)
}

// Similarity is the cosine similarity of a and b clamped to [0, 1].
// Vectors of different length or zero norm score 0.
func Similarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, math.Min(1, s))
}
