package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbeOutput(t *testing.T) {
	t.Run("valid output", func(t *testing.T) {
		raw := []byte(`{"format": {"duration": "600.250000", "size": "28311552"}}`)

		result, err := parseProbeOutput(raw)
		require.NoError(t, err)
		assert.InDelta(t, 600.25, result.Duration, 0.001)
		assert.Equal(t, int64(28311552), result.SizeBytes)
	})

	t.Run("missing duration", func(t *testing.T) {
		raw := []byte(`{"format": {"size": "28311552"}}`)

		_, err := parseProbeOutput(raw)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duration not available")
	})

	t.Run("zero duration", func(t *testing.T) {
		raw := []byte(`{"format": {"duration": "0.000000", "size": "28311552"}}`)

		_, err := parseProbeOutput(raw)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid duration")
	})

	t.Run("missing size", func(t *testing.T) {
		raw := []byte(`{"format": {"duration": "600.250000"}}`)

		_, err := parseProbeOutput(raw)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "size not available")
	})

	t.Run("malformed JSON", func(t *testing.T) {
		_, err := parseProbeOutput([]byte("not json"))
		require.Error(t, err)
	})
}

func TestSegmentArgs(t *testing.T) {
	args := segmentArgs("/tmp/in.mp3", 199.5, "/tmp/out/rec_part%d.mp3", 1)

	assert.Equal(t, []string{
		"-y",
		"-i", "/tmp/in.mp3",
		"-c", "copy",
		"-map", "0",
		"-f", "segment",
		"-segment_time", "199.500",
		"-segment_start_number", "1",
		"-reset_timestamps", "1",
		"/tmp/out/rec_part%d.mp3",
	}, args)
}

func TestProbe_MissingFile(t *testing.T) {
	tool := NewFFmpegTool("", "")

	_, err := tool.Probe(context.Background(), "/nonexistent/recording.mp3")
	require.Error(t, err)

	var probeErr *ProbeError
	require.ErrorAs(t, err, &probeErr)
	assert.Equal(t, "/nonexistent/recording.mp3", probeErr.Path)
}
