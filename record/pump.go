package record

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/reel/media"
)

// Pump is an optional channel boundary between producers and a Session.
// Producers offer units without blocking; a single drain goroutine delivers
// them, so the synchronous surface readback inside WriteFrame never stalls
// a producer. Run drains video with priority over audio to keep audio
// (which produces several times more units) from starving video delivery
// under Go's random select scheduling.
type Pump struct {
	log     *slog.Logger
	session *Session
	frames  chan media.Frame
	samples chan media.Sample

	framesForwarded  atomic.Int64
	samplesForwarded atomic.Int64
	framesRefused    atomic.Int64
	samplesRefused   atomic.Int64
	frameChanDepth   atomic.Int32
	sampleChanDepth  atomic.Int32
}

// NewPump creates a Pump feeding the given session. Buffer sizes of zero
// fall back to media.FrameBufferSize and media.SampleBufferSize.
func NewPump(session *Session, frameBuffer, sampleBuffer int) *Pump {
	if frameBuffer <= 0 {
		frameBuffer = media.FrameBufferSize
	}
	if sampleBuffer <= 0 {
		sampleBuffer = media.SampleBufferSize
	}
	return &Pump{
		log:     session.log.With("component", "pump"),
		session: session,
		frames:  make(chan media.Frame, frameBuffer),
		samples: make(chan media.Sample, sampleBuffer),
	}
}

// OfferFrame enqueues a frame without blocking. Returns false if the queue
// is full; the frame is then dropped, which is the same lossy policy the
// session applies under writer backpressure.
func (p *Pump) OfferFrame(frame media.Frame) bool {
	select {
	case p.frames <- frame:
		return true
	default:
		p.framesRefused.Add(1)
		return false
	}
}

// OfferSample enqueues a sample without blocking. Returns false if the
// queue is full.
func (p *Pump) OfferSample(sample media.Sample) bool {
	select {
	case p.samples <- sample:
		return true
	default:
		p.samplesRefused.Add(1)
		return false
	}
}

// Run delivers queued units to the session until ctx is cancelled. It
// always returns nil on cancellation so it can run directly under an
// errgroup without tearing the group down.
func (p *Pump) Run(ctx context.Context) error {
	for {
		p.frameChanDepth.Store(int32(len(p.frames)))
		p.sampleChanDepth.Store(int32(len(p.samples)))

		// Priority drain: forward queued video first.
		select {
		case frame := <-p.frames:
			p.session.WriteFrame(frame)
			p.framesForwarded.Add(1)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			p.log.Debug("pump stopped",
				"frames_forwarded", p.framesForwarded.Load(),
				"samples_forwarded", p.samplesForwarded.Load(),
			)
			return nil

		case frame := <-p.frames:
			p.session.WriteFrame(frame)
			p.framesForwarded.Add(1)

		case sample := <-p.samples:
			p.session.WriteSample(sample)
			p.samplesForwarded.Add(1)
		}
	}
}

// PumpStats reports forwarding counters and queue depth gauges.
type PumpStats struct {
	FramesForwarded  int64
	SamplesForwarded int64
	FramesRefused    int64
	SamplesRefused   int64
	FrameQueueDepth  int
	SampleQueueDepth int
}

// Stats returns a snapshot of the pump's counters.
func (p *Pump) Stats() PumpStats {
	return PumpStats{
		FramesForwarded:  p.framesForwarded.Load(),
		SamplesForwarded: p.samplesForwarded.Load(),
		FramesRefused:    p.framesRefused.Load(),
		SamplesRefused:   p.samplesRefused.Load(),
		FrameQueueDepth:  int(p.frameChanDepth.Load()),
		SampleQueueDepth: int(p.sampleChanDepth.Load()),
	}
}
