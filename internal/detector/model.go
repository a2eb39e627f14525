// Package detector runs object detection over local image files.
package detector

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"detectsvc/internal/domain"
	"detectsvc/internal/infra"
)

// Model detects objects in the image at path. Detections come back in the
// model's own order and carry no prediction uid.
type Model interface {
	Detect(ctx context.Context, path string) ([]domain.Detection, error)
}

// Func adapts a plain function to Model.
type Func func(ctx context.Context, path string) ([]domain.Detection, error)

func (f Func) Detect(ctx context.Context, path string) ([]domain.Detection, error) {
	return f(ctx, path)
}

// WithMinScore drops detections scoring below threshold.
func WithMinScore(m Model, threshold float64) Model {
	if threshold <= 0 {
		return m
	}
	return Func(func(ctx context.Context, path string) ([]domain.Detection, error) {
		dets, err := m.Detect(ctx, path)
		if err != nil {
			return nil, err
		}
		kept := dets[:0]
		for _, d := range dets {
			if d.Score >= threshold {
				kept = append(kept, d)
			}
		}
		return kept, nil
	})
}

var lower = cases.Lower(language.Und)

// NormalizeLabel trims and lower-cases a class name.
func NormalizeLabel(label string) string {
	return lower.String(strings.TrimSpace(label))
}

// FromConfig builds the configured backend. The returned closer releases
// backend resources and is never nil.
func FromConfig(cfg *infra.Config, logger infra.Logger) (Model, io.Closer, error) {
	var (
		m      Model
		closer io.Closer = nopCloser{}
	)
	switch cfg.DetectorBackend {
	case "onnx":
		om, err := NewONNXModel(ONNXOptions{
			ModelPath:  cfg.ONNXModelPath,
			RuntimeLib: cfg.ONNXRuntimeLib,
			MinScore:   cfg.MinScore,
		})
		if err != nil {
			return nil, nil, err
		}
		m, closer = om, om
	case "http", "":
		hm := NewHTTPModel(cfg.InferenceURL, nil)
		probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := hm.CheckHealth(probeCtx); err != nil {
			logger.Warn().Err(err).Str("url", cfg.InferenceURL).Msg("detector: inference service not reachable yet")
		}
		cancel()
		m = hm
	default:
		return nil, nil, fmt.Errorf("detector: unknown backend %q", cfg.DetectorBackend)
	}
	logger.Info().Str("backend", cfg.DetectorBackend).Float64("min_score", cfg.MinScore).Msg("detector: ready")
	return WithMinScore(m, cfg.MinScore), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
