package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// FFmpegTool implements Tool using the ffmpeg and ffprobe CLIs.
type FFmpegTool struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegTool creates a new FFmpegTool.
// Empty paths default to "ffmpeg" and "ffprobe" (found in PATH).
func NewFFmpegTool(ffmpegPath, ffprobePath string) *FFmpegTool {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegTool{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// probeFormat mirrors the "format" object of ffprobe JSON output.
type probeFormat struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
}

type probeOutput struct {
	Format probeFormat `json:"format"`
}

// Probe implements Tool.Probe using ffprobe JSON output.
func (t *FFmpegTool) Probe(ctx context.Context, path string) (ProbeResult, error) {
	var zero ProbeResult
	if _, err := os.Stat(path); err != nil {
		return zero, &ProbeError{Path: path, Err: err}
	}

	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return zero, &ProbeError{Path: path, Err: fmt.Errorf("ffprobe failed: %w (output: %s)", err, output)}
	}

	result, err := parseProbeOutput(output)
	if err != nil {
		return zero, &ProbeError{Path: path, Err: err}
	}
	return result, nil
}

// parseProbeOutput decodes ffprobe JSON and validates duration and size.
func parseProbeOutput(raw []byte) (ProbeResult, error) {
	var zero ProbeResult

	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("parse ffprobe output: %w", err)
	}

	if out.Format.Duration == "" {
		return zero, errors.New("duration not available in format metadata")
	}
	duration, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return zero, fmt.Errorf("parse duration %q: %w", out.Format.Duration, err)
	}
	if duration <= 0 {
		return zero, fmt.Errorf("invalid duration: %.3f seconds", duration)
	}

	if out.Format.Size == "" {
		return zero, errors.New("size not available in format metadata")
	}
	size, err := strconv.ParseInt(out.Format.Size, 10, 64)
	if err != nil {
		return zero, fmt.Errorf("parse size %q: %w", out.Format.Size, err)
	}
	if size <= 0 {
		return zero, fmt.Errorf("invalid size: %d bytes", size)
	}

	return ProbeResult{Duration: duration, SizeBytes: size}, nil
}

// Segment implements Tool.Segment using the ffmpeg segment muxer with
// stream copy (no re-encoding).
func (t *FFmpegTool) Segment(ctx context.Context, path string, segmentSec float64, pattern string, startNumber int) ([]string, error) {
	args := segmentArgs(path, segmentSec, pattern, startNumber)

	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &SegmentationError{Path: path, Err: fmt.Errorf("ffmpeg failed: %w, stderr: %s", err, stderr.String())}
	}

	outputs, err := enumerateOutputs(pattern, startNumber)
	if err != nil {
		return nil, &SegmentationError{Path: path, Err: err}
	}
	return outputs, nil
}

// segmentArgs builds the ffmpeg argument list for lossless segmentation.
func segmentArgs(path string, segmentSec float64, pattern string, startNumber int) []string {
	return []string{
		"-y",
		"-i", path,
		"-c", "copy", // Copy streams without re-encoding
		"-map", "0",
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%.3f", segmentSec),
		"-segment_start_number", strconv.Itoa(startNumber),
		"-reset_timestamps", "1",
		pattern,
	}
}

// enumerateOutputs resolves the files ffmpeg produced for pattern,
// counting up from startNumber until a path is missing. The segment muxer
// numbers outputs contiguously, so the first gap ends the sequence.
func enumerateOutputs(pattern string, startNumber int) ([]string, error) {
	var outputs []string
	for i := startNumber; ; i++ {
		p := fmt.Sprintf(pattern, i)
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				break
			}
			return nil, err
		}
		outputs = append(outputs, p)
	}
	if len(outputs) == 0 {
		return nil, errors.New("segmentation produced no output files")
	}
	return outputs, nil
}

// Rewrap implements Tool.Rewrap with a lossless container copy.
func (t *FFmpegTool) Rewrap(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-y",
		"-i", src,
		"-c", "copy",
		dst,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &SegmentationError{Path: src, Err: fmt.Errorf("ffmpeg failed: %w, stderr: %s", err, stderr.String())}
	}
	return nil
}

// Verify interface implementation at compile time.
var _ Tool = (*FFmpegTool)(nil)
