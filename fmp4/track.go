package fmp4

import (
	"errors"
	"fmt"
	"time"

	mcfmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"

	"github.com/zsiec/reel/container"
	"github.com/zsiec/reel/media"
)

// queuedSample is a sample waiting for its successor: fMP4 samples carry an
// explicit duration, which is only known once the next sample's timestamp
// arrives.
type queuedSample struct {
	*mcfmp4.PartSample
	dts time.Duration // relative to the writer's origin
}

// track holds the state shared by the video and audio tracks.
type track struct {
	w         *Writer
	id        int
	timescale uint32
	initTrack *mcfmp4.InitTrack

	nextSample   *queuedSample
	lastDuration uint32 // timescale units, used for the trailing sample
	finished     bool
}

// Ready implements the readiness predicate of container.VideoTrack and
// container.AudioTrack. The track reports backpressure while the flush
// queue is full.
func (t *track) Ready() bool {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	if t.finished || t.w.status != container.StatusWriting {
		return false
	}
	return len(t.w.flushCh) < cap(t.w.flushCh)
}

// MarkFinished implements the end-of-stream signal. Appends after this
// fail; the queued trailing sample is written during finalization.
func (t *track) MarkFinished() {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.finished = true
}

// gateLocked validates that the track can accept a sample. Callers hold
// the writer's mutex.
func (t *track) gateLocked() error {
	if t.finished {
		return errors.New("track is finished")
	}
	return t.w.gateAppendLocked()
}

// enqueueLocked runs the next-sample swap: the incoming sample is queued
// and its predecessor, now with a known duration, goes into the current
// part. Callers hold the writer's mutex.
func (t *track) enqueueLocked(smp *queuedSample) error {
	smp, t.nextSample = t.nextSample, smp
	if smp == nil {
		return nil
	}

	duration := t.nextSample.dts - smp.dts
	if duration < 0 {
		t.nextSample.dts = smp.dts
		duration = 0
	}
	smp.Duration = uint32(durationToScale(duration, t.timescale))
	t.lastDuration = smp.Duration

	return t.w.writeSampleLocked(t, smp)
}

// flushPendingLocked writes the trailing queued sample, reusing the last
// known duration. Callers hold the writer's mutex.
func (t *track) flushPendingLocked() error {
	if t.nextSample == nil {
		return nil
	}
	smp := t.nextSample
	t.nextSample = nil
	smp.Duration = t.lastDuration
	return t.w.writeSampleLocked(t, smp)
}

// videoTrack is the writer's mandatory video track. Appended pixel buffers
// are compressed by the injected encoder and released back to the pool
// before Append returns.
type videoTrack struct {
	track

	firstReceived bool
}

// Append implements container.VideoTrack.
func (t *videoTrack) Append(buf *media.PixelBuffer, pts time.Duration) error {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	if err := t.gateLocked(); err != nil {
		return err
	}

	// On error the caller keeps ownership of buf; it is released here only
	// once the encoder has consumed it and nothing below can fail.
	ef, err := t.w.enc.Encode(buf, pts)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if ef == nil {
		// Encoder is buffering; the frame is consumed.
		buf.Release()
		return nil
	}

	if !t.firstReceived {
		if !ef.Keyframe {
			buf.Release()
			return nil
		}
		t.firstReceived = true
	}

	smp, err := mcfmp4.NewPartSampleH264(0, ef.AU)
	if err != nil {
		return fmt.Errorf("build sample: %w", err)
	}

	if err := t.enqueueLocked(&queuedSample{
		PartSample: smp,
		dts:        pts - t.w.origin,
	}); err != nil {
		return err
	}
	buf.Release()
	return nil
}

// audioTrack is the writer's optional audio track. Payloads are
// pre-encoded AAC access units and pass through untouched.
type audioTrack struct {
	track
}

// Append implements container.AudioTrack. The payload is copied; callers
// may reuse their buffer immediately.
func (t *audioTrack) Append(payload []byte, pts time.Duration) error {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	if err := t.gateLocked(); err != nil {
		return err
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)

	return t.enqueueLocked(&queuedSample{
		PartSample: &mcfmp4.PartSample{Payload: cp},
		dts:        pts - t.w.origin,
	})
}
