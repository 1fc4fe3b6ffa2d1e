package face_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/face"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
)

func pngBytes(t *testing.T, w, h int, px func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: px(x, y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func gradient(x, y int) uint8 { return uint8((x*3 + y) % 256) }
func checker(x, y int) uint8 {
	if (x/8+y/8)%2 == 0 {
		return 20
	}
	return 230
}

func TestReferencePipeline_DeterministicEmbedding(t *testing.T) {
	p := face.NewReferencePipeline(64, 16)
	photo := pngBytes(t, 120, 120, gradient)

	a, err := p.Process(context.Background(), photo)
	require.NoError(t, err)
	b, err := p.Process(context.Background(), photo)
	require.NoError(t, err)

	assert.Len(t, a, 256)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, face.Similarity(a, b), 1e-6)

	other, err := p.Process(context.Background(), pngBytes(t, 120, 120, checker))
	require.NoError(t, err)
	assert.Less(t, face.Similarity(a, other), 0.9)
}

func TestReferencePipeline_Rejections(t *testing.T) {
	p := face.NewReferencePipeline(64, 16)
	ctx := context.Background()

	_, err := p.Process(ctx, []byte("not an image"))
	assert.ErrorIs(t, err, face.ErrNoFaceDetected)

	_, err = p.Process(ctx, pngBytes(t, 32, 32, gradient))
	assert.ErrorIs(t, err, face.ErrLowQuality, "too small")

	_, err = p.Process(ctx, pngBytes(t, 100, 100, func(int, int) uint8 { return 128 }))
	assert.ErrorIs(t, err, face.ErrLowQuality, "flat")
}

// withDimensions rewrites the IHDR width/height of a PNG and fixes its CRC so
// the header parses while the pixel data stays tiny.
func withDimensions(photo []byte, w, h uint32) []byte {
	out := bytes.Clone(photo)
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestReferencePipeline_RejectsHugeHeaderBeforeDecode(t *testing.T) {
	p := face.NewReferencePipeline(64, 16)
	forged := withDimensions(pngBytes(t, 120, 120, gradient), 40000, 40000)

	cfg, err := png.DecodeConfig(bytes.NewReader(forged))
	require.NoError(t, err)
	require.Equal(t, 40000, cfg.Width)

	_, err = p.Process(context.Background(), forged)
	assert.ErrorIs(t, err, face.ErrLowQuality)
	assert.ErrorContains(t, err, "40000x40000")
}

func TestImagePipeline_MaxPixelsOverride(t *testing.T) {
	p := face.NewReferencePipeline(64, 16)
	p.MaxPixels = 100 * 100

	_, err := p.Process(context.Background(), pngBytes(t, 120, 120, gradient))
	assert.ErrorIs(t, err, face.ErrLowQuality)

	_, err = p.Process(context.Background(), pngBytes(t, 100, 100, gradient))
	assert.NoError(t, err)
}

func TestSimilarity_EdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, face.Similarity(nil, nil))
	assert.Equal(t, 0.0, face.Similarity([]float32{1, 0}, []float32{1}))
	assert.Equal(t, 0.0, face.Similarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, face.Similarity([]float32{1, 0}, []float32{-1, 0}), "negative clamps to 0")
	assert.InDelta(t, 1.0, face.Similarity([]float32{2, 0}, []float32{5, 0}), 1e-9)
}

func TestBestMatch(t *testing.T) {
	cands := []store.IdentityEmbeddings{
		{Identity: store.IdentityRecord{ID: "A"}, Embeddings: [][]float32{{1, 0}, {0.7, 0.7}}},
		{Identity: store.IdentityRecord{ID: "B", DisplayName: "Bee"}, Embeddings: [][]float32{{0, 1}}},
	}

	m := face.BestMatch(face.Embedding{0.1, 1}, cands)
	assert.Equal(t, "B", m.IdentityID)
	assert.Equal(t, "Bee", m.DisplayName)
	assert.Greater(t, m.Score, 0.99)

	assert.Empty(t, face.BestMatch(face.Embedding{1, 0}, nil).IdentityID)
}
