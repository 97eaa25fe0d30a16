// Package media provides probing and lossless segmentation of audio assets.
// It defines the Tool interface (port) backed by ffmpeg/ffprobe, keeping the
// rest of the pipeline independent of how media is actually inspected or cut.
package media

import (
	"context"
	"fmt"
)

// ProbeResult holds the metadata the pipeline needs from an asset.
type ProbeResult struct {
	// Duration is the playable duration in seconds.
	Duration float64
	// SizeBytes is the container size in bytes.
	SizeBytes int64
}

// ProbeError indicates an asset could not be read as valid media, or its
// duration or size could not be determined.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// SegmentationError indicates the external segmentation capability failed
// to produce output.
type SegmentationError struct {
	Path string
	Err  error
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("segment %s: %v", e.Path, e.Err)
}

func (e *SegmentationError) Unwrap() error { return e.Err }

// Tool defines the media inspection and segmentation capability.
// Implementations must not re-encode: segmentation is stream-copy only.
type Tool interface {
	// Probe inspects the asset at path and reports duration and size.
	Probe(ctx context.Context, path string) (ProbeResult, error)

	// Segment splits the asset into time-contiguous pieces of roughly
	// segmentSec seconds each, writing them according to pattern (which
	// must contain exactly one integer verb, e.g. "part%d.mp3"). Output
	// numbering starts at startNumber. Returns the output paths in order.
	Segment(ctx context.Context, path string, segmentSec float64, pattern string, startNumber int) ([]string, error)

	// Rewrap copies the whole asset losslessly into a fresh container at dst.
	Rewrap(ctx context.Context, src, dst string) error
}
