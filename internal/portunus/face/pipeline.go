package face

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels bounds width*height of a photo or frame before it is
// decoded.  Decoders allocate the full raster up front from the header.
const DefaultMaxPixels = 16 << 20

// ImagePipeline is the decode -> detect -> quality -> align -> embed chain.
type ImagePipeline struct {
	MaxPixels int // 0 means DefaultMaxPixels

	Detector Detector
	Quality  QualityChecker
	Embedder Embedder
}

// NewReferencePipeline wires the model-free reference components.
func NewReferencePipeline(minFaceSize int, embeddingSide int) *ImagePipeline {
	return &ImagePipeline{
		Detector: FullFrameDetector{},
		Quality:  BasicQuality{MinFaceSize: minFaceSize, MinContrast: 4},
		Embedder: ThumbnailEmbedder{Side: embeddingSide},
	}
}

func (p *ImagePipeline) Process(ctx context.Context, photo []byte) (Embedding, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(photo))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrNoFaceDetected, err)
	}
	limit := p.MaxPixels
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(limit) {
		return nil, fmt.Errorf("%w: image %dx%d exceeds %d pixels", ErrLowQuality, cfg.Width, cfg.Height, limit)
	}

	img, _, err := image.Decode(bytes.NewReader(photo))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrNoFaceDetected, err)
	}

	faces, err := p.Detector.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFaceDetected, err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}
	face := largest(faces)

	if err := p.Quality.Check(img, face); err != nil {
		return nil, err
	}

	aligned := crop(img, face)
	emb, err := p.Embedder.Embed(ctx, aligned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return emb, nil
}

func largest(rs []image.Rectangle) image.Rectangle {
	best := rs[0]
	for _, r := range rs[1:] {
		if r.Dx()*r.Dy() > best.Dx()*best.Dy() {
			best = r
		}
	}
	return best
}

func crop(img image.Image, r image.Rectangle) image.Image {
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

// FullFrameDetector reports the whole frame as the face.  It suits
// pre-cropped enrollment photos.
type FullFrameDetector struct{}

func (FullFrameDetector) Detect(img image.Image) ([]image.Rectangle, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}
	return []image.Rectangle{b}, nil
}

// BasicQuality rejects faces that are too small or nearly uniform (a cheap
// stand-in for blur/exposure checks).
type BasicQuality struct {
	MinFaceSize int
	MinContrast float64 // minimum grayscale standard deviation, 0-255 scale
}

func (q BasicQuality) Check(img image.Image, face image.Rectangle) error {
	if min(face.Dx(), face.Dy()) < q.MinFaceSize {
		return fmt.Errorf("%w: face %dx%d below %dpx", ErrLowQuality, face.Dx(), face.Dy(), q.MinFaceSize)
	}
	if sd := grayStdDev(img, face); sd < q.MinContrast {
		return fmt.Errorf("%w: contrast %.1f below %.1f", ErrLowQuality, sd, q.MinContrast)
	}
	return nil
}

func grayStdDev(img image.Image, r image.Rectangle) float64 {
	var sum, sq, n float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			rr, gg, bb, _ := img.At(x, y).RGBA()
			l := (0.299*float64(rr) + 0.587*float64(gg) + 0.114*float64(bb)) / 257
			sum += l
			sq += l * l
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / n
	return math.Sqrt(math.Max(0, sq/n-mean*mean))
}

// ThumbnailEmbedder downsamples the face to Side x Side grayscale, removes
// the mean and L2-normalizes.  Deterministic, so identical photos always
// produce identical embeddings.
type ThumbnailEmbedder struct {
	Side int
}

func (e ThumbnailEmbedder) Embed(_ context.Context, face image.Image) (Embedding, error) {
	side := e.Side
	if side <= 0 {
		side = 16
	}
	thumb := image.NewGray(image.Rect(0, 0, side, side))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), face, face.Bounds(), draw.Src, nil)

	vec := make(Embedding, len(thumb.Pix))
	var mean float64
	for _, p := range thumb.Pix {
		mean += float64(p)
	}
	mean /= float64(len(thumb.Pix))

	var norm float64
	for i, p := range thumb.Pix {
		v := float64(p) - mean
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		return nil, fmt.Errorf("flat thumbnail")
	}
	inv := 1 / math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec, nil
}
