// Package recognize drives frames through the face pipeline into access
// decisions.  Capture itself happens elsewhere behind FrameSource.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/face"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// ErrNoFrame means the source has nothing new.
var ErrNoFrame = errors.New("no frame available")

type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
}

type Decider interface {
	Decide(ctx context.Context, req types.DecisionRequest) (types.DecisionResponse, error)
}

type Gallery interface {
	ActiveEmbeddings(ctx context.Context) ([]store.IdentityEmbeddings, error)
}

type Loop struct {
	source   FrameSource
	pipeline face.Pipeline
	gallery  Gallery
	decider  Decider
	interval time.Duration
	logger   *log.Logger
}

func NewLoop(source FrameSource, pipeline face.Pipeline, gallery Gallery, decider Decider, interval time.Duration, logger *log.Logger) *Loop {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Loop{
		source:   source,
		pipeline: pipeline,
		gallery:  gallery,
		decider:  decider,
		interval: interval,
		logger:   logger,
	}
}

// Step processes one frame.  It returns ErrNoFrame when the source is empty
// and a pipeline error when the frame held no usable face; neither reaches
// the decision engine.
func (l *Loop) Step(ctx context.Context) (types.DecisionResponse, error) {
	frame, err := l.source.Next(ctx)
	if err != nil {
		return types.DecisionResponse{}, err
	}
	probe, err := l.pipeline.Process(ctx, frame)
	if err != nil {
		return types.DecisionResponse{}, err
	}

	candidates, err := l.gallery.ActiveEmbeddings(ctx)
	if err != nil {
		return types.DecisionResponse{}, fmt.Errorf("Loop.Step: %w", err)
	}
	m := face.BestMatch(probe, candidates)
	return l.decider.Decide(ctx, types.DecisionRequest{IdentityID: m.IdentityID, Score: m.Score})
}

// Run steps every interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.logger.Printf("recognition loop started (interval=%s)", l.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		_, err := l.Step(ctx)
		switch {
		case err == nil, errors.Is(err, ErrNoFrame),
			errors.Is(err, face.ErrNoFaceDetected), errors.Is(err, face.ErrLowQuality):
		default:
			l.logger.Printf("recognition: %v", err)
		}
	}
}

// DirSource hands out image files dropped into a directory, oldest name
// first, deleting each once read.
type DirSource struct {
	Dir string
}

var frameExts = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

func (s DirSource) Next(_ context.Context) ([]byte, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("DirSource.Next: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(frameExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		path := filepath.Join(s.Dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("DirSource.Next: %w", err)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("DirSource.Next: %w", err)
		}
		return b, nil
	}
	return nil, ErrNoFrame
}
