package fmp4

import (
	"time"

	"github.com/zsiec/reel/media"
)

// EncodedFrame is one compressed video access unit produced by a
// VideoEncoder.
type EncodedFrame struct {
	// AU holds the access unit's NAL units, without start codes or length
	// prefixes.
	AU [][]byte

	// Keyframe reports whether the access unit can be decoded
	// independently. The writer discards leading delta frames until the
	// first keyframe arrives.
	Keyframe bool
}

// VideoEncoder compresses BGRA render targets into H.264 access units.
// reel ships no codec; implementations typically wrap a hardware or
// software encoder binding. The writer calls Encode from a single
// goroutine.
type VideoEncoder interface {
	// Encode compresses one frame. buf is only valid for the duration of
	// the call. A nil frame with nil error means the encoder is buffering
	// and has no output yet.
	Encode(buf *media.PixelBuffer, pts time.Duration) (*EncodedFrame, error)

	// Params returns the encoder's sequence and picture parameter sets.
	// They must be available once the first keyframe has been produced;
	// the writer reads them when it lays down the init header.
	Params() (sps, pps []byte)

	// Close releases encoder resources. Called once, during finalization.
	Close() error
}
