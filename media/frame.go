// Package media defines the core frame and sample types that flow from
// producers into the reel recording pipeline, along with the pooled pixel
// buffers used as render targets.
package media

import "time"

// Channel buffer sizes used by the record.Pump to decouple frame production
// from consumption. Sized to absorb jitter without excessive memory:
// ~2 seconds of video, ~2.5s of audio.
const (
	FrameBufferSize  = 60
	SampleBufferSize = 120
)

// BytesPerPixel is the size of one BGRA pixel.
const BytesPerPixel = 4

// Surface is the readable face of an upstream video frame. ReadInto copies
// the frame's pixels into dst as 32-bit BGRA. The copy is synchronous and
// may block the calling goroutine (a GPU readback in typical producers).
type Surface interface {
	ReadInto(dst *PixelBuffer) error
}

// Frame is a single video frame delivered by a producer. The Surface stays
// owned by the producer; the recording pipeline reads it during delivery and
// never retains it across calls. The timestamp may be absent (HasPTS false),
// in which case the frame cannot be positioned on the timeline.
type Frame struct {
	Surface Surface
	PTS     time.Duration
	HasPTS  bool
}

// Sample is a pre-encoded audio buffer delivered by a producer. Payload is
// opaque to the recording pipeline and passed through to the container
// writer as-is. The pipeline does not retain Payload across calls.
type Sample struct {
	Payload []byte
	PTS     time.Duration
}

// PixelBuffer is a reusable BGRA render target, normally drawn from a
// container writer's pool. Data holds Stride*Height bytes; rows are Stride
// bytes apart with Width*BytesPerPixel meaningful bytes each.
type PixelBuffer struct {
	Data   []byte
	Stride int
	Width  int
	Height int

	release func(*PixelBuffer)
}

// NewPixelBuffer allocates a tightly packed BGRA buffer for the given
// dimensions.
func NewPixelBuffer(width, height int) *PixelBuffer {
	stride := width * BytesPerPixel
	return &PixelBuffer{
		Data:   make([]byte, stride*height),
		Stride: stride,
		Width:  width,
		Height: height,
	}
}

// OnRelease registers fn to run when Release is called. Pools use this to
// reclaim the buffer.
func (b *PixelBuffer) OnRelease(fn func(*PixelBuffer)) {
	b.release = fn
}

// Release returns the buffer to its pool. Safe to call on buffers that were
// never pooled; it is then a no-op.
func (b *PixelBuffer) Release() {
	if b.release != nil {
		b.release(b)
	}
}
