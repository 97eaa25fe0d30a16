package segment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clipmail/clipmail-api/internal/media"
)

// SafetyFactor derates the bitrate-derived segment duration to absorb
// bitrate variance, since constant local bitrate is not guaranteed and the
// target size is a best-effort approximation, not a hard ceiling.
const SafetyFactor = 0.95

// PlanDuration computes the segment duration in seconds for an asset of
// sizeBytes and duration seconds, targeting targetBytes per segment.
func PlanDuration(sizeBytes int64, duration float64, targetBytes int64) float64 {
	averageBitrate := float64(sizeBytes) / duration // bytes per second
	return float64(targetBytes) / averageBitrate * SafetyFactor
}

// Segmenter materializes size-bounded segments from a probed asset by
// invoking the external lossless segmentation capability.
type Segmenter struct {
	tool      media.Tool
	indexBase int
	logger    *slog.Logger
	now       func() time.Time
}

// SegmenterOption configures a Segmenter.
type SegmenterOption func(*Segmenter)

// WithIndexBase sets the first segment index (0 or 1).
func WithIndexBase(base int) SegmenterOption {
	return func(s *Segmenter) {
		s.indexBase = base
	}
}

// WithClock overrides the clock used for segment naming. Intended for tests.
func WithClock(now func() time.Time) SegmenterOption {
	return func(s *Segmenter) {
		s.now = now
	}
}

// NewSegmenter creates a Segmenter backed by the given media tool.
func NewSegmenter(tool media.Tool, logger *slog.Logger, opts ...SegmenterOption) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Segmenter{
		tool:      tool,
		indexBase: 1,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlanAndSegment produces the ordered segments for asset, writing the piece
// files into outDir. Assets no larger than targetBytes yield exactly one
// segment that re-wraps the whole recording, so downstream stages never
// special-case small inputs.
func (s *Segmenter) PlanAndSegment(ctx context.Context, asset Asset, targetBytes int64, outDir string) ([]Segment, error) {
	if asset.Duration <= 0 {
		return nil, &media.SegmentationError{Path: asset.Path, Err: fmt.Errorf("invalid duration: %.3f seconds", asset.Duration)}
	}
	if err := os.MkdirAll(outDir, 0750); err != nil {
		return nil, &media.SegmentationError{Path: asset.Path, Err: fmt.Errorf("create output directory: %w", err)}
	}

	ext := OutputExtension(asset.Name)
	stamp := s.now().Format("20060102_1504")

	if asset.SizeBytes <= targetBytes {
		name := segmentName(stamp, s.indexBase, ext)
		dst := filepath.Join(outDir, name)
		if err := s.tool.Rewrap(ctx, asset.Path, dst); err != nil {
			return nil, err
		}
		seg, err := describe(s.indexBase, dst)
		if err != nil {
			return nil, &media.SegmentationError{Path: asset.Path, Err: err}
		}
		s.logger.Info("asset fits target, produced single segment",
			slog.String("asset", asset.Name),
			slog.Int64("size_bytes", seg.SizeBytes),
		)
		return []Segment{seg}, nil
	}

	segmentSec := PlanDuration(asset.SizeBytes, asset.Duration, targetBytes)
	pattern := filepath.Join(outDir, segmentPattern(stamp, ext))

	paths, err := s.tool.Segment(ctx, asset.Path, segmentSec, pattern, s.indexBase)
	if err != nil {
		return nil, err
	}

	segments := make([]Segment, 0, len(paths))
	for i, p := range paths {
		seg, err := describe(s.indexBase+i, p)
		if err != nil {
			return nil, &media.SegmentationError{Path: asset.Path, Err: err}
		}
		segments = append(segments, seg)
	}

	s.logger.Info("segmentation complete",
		slog.String("asset", asset.Name),
		slog.Float64("segment_seconds", segmentSec),
		slog.Int("segments", len(segments)),
	)
	return segments, nil
}

// describe stats a produced piece and builds its Segment record.
func describe(index int, path string) (Segment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Segment{}, fmt.Errorf("stat segment output: %w", err)
	}
	return Segment{
		Index:     index,
		Name:      filepath.Base(path),
		SizeBytes: info.Size(),
		Path:      path,
	}, nil
}

func segmentName(stamp string, index int, ext string) string {
	return fmt.Sprintf("rec_%s_part%d%s", stamp, index, ext)
}

func segmentPattern(stamp, ext string) string {
	return fmt.Sprintf("rec_%s_part%%d%s", stamp, ext)
}
