package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clipmail/clipmail-api/internal/media"
)

// mockTool implements media.Tool for testing.
type mockTool struct {
	mock.Mock
}

func (m *mockTool) Probe(ctx context.Context, path string) (media.ProbeResult, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(media.ProbeResult), args.Error(1)
}

func (m *mockTool) Segment(ctx context.Context, path string, segmentSec float64, pattern string, startNumber int) ([]string, error) {
	args := m.Called(ctx, path, segmentSec, pattern, startNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockTool) Rewrap(ctx context.Context, src, dst string) error {
	args := m.Called(ctx, src, dst)
	return args.Error(0)
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2024, 1, 2, 15, 4, 0, 0, time.UTC)
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0600))
}

func TestPlanDuration(t *testing.T) {
	// 27 MB over 10 minutes against a 9.5 MiB target: three pieces of
	// roughly 200 seconds each.
	sizeBytes := int64(27 * 1024 * 1024)
	duration := 600.0
	targetBytes := int64(9961472)

	segmentSec := PlanDuration(sizeBytes, duration, targetBytes)

	assert.InDelta(t, 200.56, segmentSec, 0.1)
	assert.Equal(t, 3, int(duration/segmentSec)+1)
}

func TestPlanAndSegment_SmallAssetSingleSegment(t *testing.T) {
	outDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "voice.mp3")
	writeFile(t, src, 1024)

	tool := new(mockTool)
	tool.On("Rewrap", mock.Anything, src, mock.Anything).
		Run(func(args mock.Arguments) {
			writeFile(t, args.String(2), 1024)
		}).
		Return(nil)

	s := NewSegmenter(tool, nil, WithClock(fixedClock()))

	asset := Asset{Name: "voice.mp3", Path: src, Duration: 60, SizeBytes: 1024}
	segments, err := s.PlanAndSegment(context.Background(), asset, 9961472, outDir)
	require.NoError(t, err)

	require.Len(t, segments, 1)
	assert.Equal(t, 1, segments[0].Index)
	assert.Equal(t, "rec_20240102_1504_part1.mp3", segments[0].Name)
	assert.Equal(t, int64(1024), segments[0].SizeBytes)
	tool.AssertExpectations(t)
}

func TestPlanAndSegment_LargeAssetMultipleSegments(t *testing.T) {
	outDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "podcast.mp3")
	writeFile(t, src, 1024)

	pattern := filepath.Join(outDir, "rec_20240102_1504_part%d.mp3")
	paths := []string{
		fmt.Sprintf(pattern, 1),
		fmt.Sprintf(pattern, 2),
		fmt.Sprintf(pattern, 3),
	}

	tool := new(mockTool)
	tool.On("Segment", mock.Anything, src, mock.Anything, pattern, 1).
		Run(func(args mock.Arguments) {
			for i, p := range paths {
				writeFile(t, p, 100*(i+1))
			}
		}).
		Return(paths, nil)

	s := NewSegmenter(tool, nil, WithClock(fixedClock()))

	asset := Asset{
		Name:      "podcast.mp3",
		Path:      src,
		Duration:  600,
		SizeBytes: 27 * 1024 * 1024,
	}
	segments, err := s.PlanAndSegment(context.Background(), asset, 9961472, outDir)
	require.NoError(t, err)

	require.Len(t, segments, 3)
	for i, seg := range segments {
		assert.Equal(t, i+1, seg.Index)
		assert.Equal(t, fmt.Sprintf("rec_20240102_1504_part%d.mp3", i+1), seg.Name)
		assert.Equal(t, int64(100*(i+1)), seg.SizeBytes)
	}
	tool.AssertExpectations(t)
}

func TestPlanAndSegment_IndexBaseZero(t *testing.T) {
	outDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "voice.mp3")
	writeFile(t, src, 512)

	tool := new(mockTool)
	tool.On("Rewrap", mock.Anything, src, mock.Anything).
		Run(func(args mock.Arguments) {
			writeFile(t, args.String(2), 512)
		}).
		Return(nil)

	s := NewSegmenter(tool, nil, WithClock(fixedClock()), WithIndexBase(0))

	asset := Asset{Name: "voice.mp3", Path: src, Duration: 10, SizeBytes: 512}
	segments, err := s.PlanAndSegment(context.Background(), asset, 9961472, outDir)
	require.NoError(t, err)

	require.Len(t, segments, 1)
	assert.Equal(t, 0, segments[0].Index)
	assert.Equal(t, "rec_20240102_1504_part0.mp3", segments[0].Name)
}

func TestPlanAndSegment_UnknownExtensionFallsBack(t *testing.T) {
	outDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "voice.weird")
	writeFile(t, src, 512)

	tool := new(mockTool)
	tool.On("Rewrap", mock.Anything, src, mock.Anything).
		Run(func(args mock.Arguments) {
			writeFile(t, args.String(2), 512)
		}).
		Return(nil)

	s := NewSegmenter(tool, nil, WithClock(fixedClock()))

	asset := Asset{Name: "voice.weird", Path: src, Duration: 10, SizeBytes: 512}
	segments, err := s.PlanAndSegment(context.Background(), asset, 9961472, outDir)
	require.NoError(t, err)

	require.Len(t, segments, 1)
	assert.Equal(t, "rec_20240102_1504_part1.mp3", segments[0].Name)
}

func TestPlanAndSegment_InvalidDuration(t *testing.T) {
	tool := new(mockTool)
	s := NewSegmenter(tool, nil)

	asset := Asset{Name: "voice.mp3", Path: "/tmp/voice.mp3", SizeBytes: 1024}
	_, err := s.PlanAndSegment(context.Background(), asset, 9961472, t.TempDir())
	require.Error(t, err)

	var segErr *media.SegmentationError
	assert.ErrorAs(t, err, &segErr)
	tool.AssertNotCalled(t, "Segment")
	tool.AssertNotCalled(t, "Rewrap")
}

func TestPlanAndSegment_ToolFailure(t *testing.T) {
	outDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "podcast.mp3")
	writeFile(t, src, 1024)

	toolErr := &media.SegmentationError{Path: src, Err: fmt.Errorf("ffmpeg failed")}

	tool := new(mockTool)
	tool.On("Segment", mock.Anything, src, mock.Anything, mock.Anything, 1).
		Return(nil, toolErr)

	s := NewSegmenter(tool, nil, WithClock(fixedClock()))

	asset := Asset{
		Name:      "podcast.mp3",
		Path:      src,
		Duration:  600,
		SizeBytes: 27 * 1024 * 1024,
	}
	_, err := s.PlanAndSegment(context.Background(), asset, 9961472, outDir)
	require.Error(t, err)

	var segErr *media.SegmentationError
	assert.ErrorAs(t, err, &segErr)
}
