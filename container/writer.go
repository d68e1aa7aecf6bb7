// Package container defines the contracts reel consumes from an underlying
// media container writer: per-track append with readiness, a pixel buffer
// pool for the video track, and asynchronous finalization. The fmp4 package
// provides the production implementation; containertest provides a
// scriptable fake.
package container

import (
	"time"

	"github.com/zsiec/reel/media"
)

// Status describes the writer's lifecycle, as reported by Writer.Status.
type Status int

const (
	StatusIdle Status = iota
	StatusWriting
	StatusCompleted
	StatusCancelled
	StatusFailed
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWriting:
		return "writing"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// VideoTrackConfig describes the video track to add to a writer.
type VideoTrackConfig struct {
	Width  int
	Height int
	Codec  string // e.g. "h264"
}

// AudioTrackConfig describes the audio track to add to a writer.
type AudioTrackConfig struct {
	Format       string // e.g. "aac"
	SampleRate   int
	ChannelCount int
	BitRate      int
}

// VideoTrack is the writer's video output channel.
type VideoTrack interface {
	// Ready reports whether the track can accept another buffer right now.
	// False is the writer's backpressure signal; callers drop the frame.
	Ready() bool

	// Append submits a rendered buffer at the given presentation timestamp.
	// On success the writer takes ownership of buf and returns it to its
	// pool when done; on error the caller must release buf.
	Append(buf *media.PixelBuffer, pts time.Duration) error

	// MarkFinished signals end-of-stream for the track. Appends after
	// MarkFinished fail.
	MarkFinished()
}

// AudioTrack is the writer's audio output channel. Payloads are pre-encoded
// and passed through; the writer copies them before returning.
type AudioTrack interface {
	Ready() bool
	Append(payload []byte, pts time.Duration) error
	MarkFinished()
}

// BufferPool yields reusable CPU-writable BGRA buffers matching the video
// track's dimensions.
type BufferPool interface {
	// Acquire returns a buffer, or false if the pool is not yet initialized
	// or currently empty. Callers treat false as "drop this frame".
	Acquire() (*media.PixelBuffer, bool)
}

// Writer is a container writer owning one mandatory video track and an
// optional audio track. Implementations need not be safe for concurrent
// use; reel drives a Writer from a single serialization domain.
type Writer interface {
	// AddVideoTrack configures the video track. Must be called before Begin.
	AddVideoTrack(cfg VideoTrackConfig) (VideoTrack, error)

	// AddAudioTrack configures the audio track. Fails if called after Begin
	// (track added too late) or twice.
	AddAudioTrack(cfg AudioTrackConfig) (AudioTrack, error)

	// VideoPool returns the pool backing the video track. Always non-nil;
	// before the video track exists, Acquire reports false.
	VideoPool() BufferPool

	// Begin opens the container's timeline at the given origin timestamp
	// and starts accepting appends. Called once, by the first accepted
	// video frame.
	Begin(origin time.Duration) error

	// Status reports the writer's current lifecycle state.
	Status() Status

	// Err returns the error behind StatusFailed, or nil.
	Err() error

	// Finalize flushes and closes the container asynchronously, then calls
	// done. The file must be playable afterward even if some appends were
	// dropped. At most one finalization takes effect; later calls still
	// invoke done once the writer is closed.
	Finalize(done func())
}
