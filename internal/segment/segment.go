// Package segment provides the Segment entity and the Segmenter that turns
// one uploaded recording into a set of size-bounded, time-contiguous pieces.
package segment

import (
	"path/filepath"
	"strings"
)

// DefaultExtension is used when the source asset has no recognized
// audio extension. The delivered pieces must always carry one.
const DefaultExtension = ".mp3"

// knownExtensions are the audio container extensions passed through
// unchanged from the uploaded filename.
var knownExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
	".flac": true,
}

// Asset describes an uploaded recording after probing.
type Asset struct {
	// Name is the declared upload filename. Its extension is a hint only.
	Name string
	// Path is the on-disk location of the uploaded bytes.
	Path string
	// Duration is the playable duration in seconds.
	Duration float64
	// SizeBytes is the asset size in bytes.
	SizeBytes int64
}

// Segment is a time-bounded, losslessly re-wrapped slice of the source
// recording. Immutable once created.
type Segment struct {
	// Index is the sequence number; contiguous, starting at the
	// configured index base.
	Index int
	// Name is the delivery filename for this piece.
	Name string
	// SizeBytes is the piece size in bytes.
	SizeBytes int64
	// Path is the storage reference for the piece bytes.
	Path string
}

// OutputExtension returns the extension segments of the named asset should
// carry: the source extension when recognized, DefaultExtension otherwise.
func OutputExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if knownExtensions[ext] {
		return ext
	}
	return DefaultExtension
}
