// Package fmp4 implements the container.Writer contract on top of
// fragmented MP4. Samples accumulate into parts (moof/mdat pairs) that are
// flushed at a configurable fragment interval, so an interrupted recording
// stays playable up to the last flushed fragment. Video is compressed by
// an injected VideoEncoder; audio is pre-encoded AAC passed through. The
// init header is written lazily with the first part, once the encoder's
// parameter sets are known.
package fmp4

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	mcfmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"

	"github.com/zsiec/reel/container"
)

const (
	// videoTimescale is the video track clock, the conventional 90 kHz.
	videoTimescale = 90000

	defaultFragmentInterval = 1 * time.Second
	defaultPoolSize         = 3
	defaultFlushQueueSize   = 2
)

// Config configures a Writer.
type Config struct {
	// Target receives the serialized container bytes. Required. Writes
	// are sequential; a plain *os.File works.
	Target io.Writer

	// Encoder compresses appended pixel buffers. Required.
	Encoder VideoEncoder

	// FragmentInterval is the target duration of one part. Shorter
	// intervals tighten the crash-resilience window at the cost of
	// overhead. Defaults to one second.
	FragmentInterval time.Duration

	// PoolSize is the number of pre-allocated render targets. Defaults
	// to three.
	PoolSize int

	// Logger receives diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Writer is a fragmented-MP4 container.Writer. Create it with NewWriter;
// it must only be driven from one serialization domain, which is how the
// record package uses it.
type Writer struct {
	log              *slog.Logger
	target           io.Writer
	enc              VideoEncoder
	fragmentInterval time.Duration
	poolSize         int

	mu            sync.Mutex
	status        container.Status
	err           error
	begun         bool
	origin        time.Duration
	video         *videoTrack
	audio         *audioTrack
	tracks        []*track
	pool          *pool
	curPart       *part
	nextSequence  uint32
	initMarshaled bool
	finalizing    bool
	finalized     bool
	extraDone     []func()

	flushCh   chan []byte
	flushDone chan struct{}
}

// NewWriter creates a Writer and starts its flush goroutine.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Target == nil {
		return nil, errors.New("target is required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("encoder is required")
	}
	if cfg.FragmentInterval <= 0 {
		cfg.FragmentInterval = defaultFragmentInterval
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	w := &Writer{
		log:              log.With("component", "fmp4-writer"),
		target:           cfg.Target,
		enc:              cfg.Encoder,
		fragmentInterval: cfg.FragmentInterval,
		poolSize:         cfg.PoolSize,
		status:           container.StatusIdle,
		nextSequence:     1,
		flushCh:          make(chan []byte, defaultFlushQueueSize),
		flushDone:        make(chan struct{}),
	}

	go w.flushLoop()
	return w, nil
}

// AddVideoTrack implements container.Writer. It also creates the buffer
// pool sized to the track.
func (w *Writer) AddVideoTrack(cfg container.VideoTrackConfig) (container.VideoTrack, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.begun {
		return nil, errors.New("video track added after Begin")
	}
	if w.video != nil {
		return nil, errors.New("video track already added")
	}
	if cfg.Codec != "" && cfg.Codec != "h264" {
		return nil, fmt.Errorf("unsupported video codec %q", cfg.Codec)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid video size %dx%d", cfg.Width, cfg.Height)
	}

	w.video = &videoTrack{track: track{
		w:         w,
		id:        1,
		timescale: videoTimescale,
		initTrack: &mcfmp4.InitTrack{
			ID:        1,
			TimeScale: videoTimescale,
			// Codec is filled from the encoder's parameter sets when the
			// init header is marshaled.
		},
	}}
	w.tracks = append(w.tracks, &w.video.track)
	w.pool = newPool(cfg.Width, cfg.Height, w.poolSize)

	w.log.Debug("video track added", "width", cfg.Width, "height", cfg.Height)
	return w.video, nil
}

// AddAudioTrack implements container.Writer. Only AAC is supported; the
// payloads appended later must be raw AAC access units.
func (w *Writer) AddAudioTrack(cfg container.AudioTrackConfig) (container.AudioTrack, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.begun {
		return nil, errors.New("audio track added too late")
	}
	if w.audio != nil {
		return nil, errors.New("audio track already added")
	}
	if cfg.Format != "" && cfg.Format != "aac" {
		return nil, fmt.Errorf("unsupported audio format %q", cfg.Format)
	}
	if cfg.SampleRate <= 0 || cfg.ChannelCount <= 0 {
		return nil, fmt.Errorf("invalid audio parameters %d Hz / %d ch", cfg.SampleRate, cfg.ChannelCount)
	}

	w.audio = &audioTrack{track: track{
		w:         w,
		id:        2,
		timescale: uint32(cfg.SampleRate),
		initTrack: &mcfmp4.InitTrack{
			ID:        2,
			TimeScale: uint32(cfg.SampleRate),
			Codec: &mcfmp4.CodecMPEG4Audio{
				Config: mpeg4audio.Config{
					Type:         mpeg4audio.ObjectTypeAACLC,
					SampleRate:   cfg.SampleRate,
					ChannelCount: cfg.ChannelCount,
				},
			},
		},
	}}
	w.tracks = append(w.tracks, &w.audio.track)

	w.log.Debug("audio track added", "sample_rate", cfg.SampleRate, "channels", cfg.ChannelCount)
	return w.audio, nil
}

// VideoPool implements container.Writer.
func (w *Writer) VideoPool() container.BufferPool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pool == nil {
		return emptyPool{}
	}
	return w.pool
}

// Begin implements container.Writer. All sample timestamps are stored
// relative to origin, which becomes time zero of the output file.
func (w *Writer) Begin(origin time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.video == nil {
		return errors.New("no video track configured")
	}
	if w.begun {
		return errors.New("already begun")
	}
	if w.status != container.StatusIdle {
		return fmt.Errorf("cannot begin while %s", w.status)
	}

	w.begun = true
	w.origin = origin
	w.status = container.StatusWriting
	w.log.Debug("writing begun", "origin", origin)
	return nil
}

// Status implements container.Writer.
func (w *Writer) Status() container.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Err implements container.Writer.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// gateAppendLocked validates the writer state for an append. Callers hold
// the mutex.
func (w *Writer) gateAppendLocked() error {
	if w.finalizing {
		return errors.New("writer is finalizing")
	}
	switch w.status {
	case container.StatusWriting:
		return nil
	case container.StatusFailed:
		return fmt.Errorf("writer failed: %w", w.err)
	default:
		return fmt.Errorf("writer is %s", w.status)
	}
}

// writeSampleLocked places a finished sample into the current part,
// rotating parts at the fragment interval. Callers hold the mutex.
func (w *Writer) writeSampleLocked(t *track, smp *queuedSample) error {
	if smp.dts < 0 {
		// A decode time before the origin cannot be represented in fMP4.
		w.log.Warn("sample of track precedes the origin, discarding",
			"track_id", t.id, "dts", smp.dts)
		return nil
	}

	if w.curPart == nil {
		w.curPart = newPart(w.nextSequence, smp.dts)
		w.nextSequence++
	} else if smp.dts < w.curPart.startDTS {
		w.log.Warn("sample of track received too late, discarding",
			"track_id", t.id, "dts", smp.dts)
		return nil
	}

	w.curPart.add(t, smp)

	if w.curPart.duration() >= w.fragmentInterval {
		w.flushCurrentPartLocked()
	}
	return nil
}

// flushCurrentPartLocked marshals the current part and hands the bytes to
// the flush goroutine, without blocking: if the flush queue is full the
// part keeps accumulating and the tracks report not-ready until the queue
// drains. Callers hold the mutex.
func (w *Writer) flushCurrentPartLocked() {
	chunk, withInit, err := w.marshalPartLocked(w.curPart)
	if err != nil {
		w.setFailedLocked(fmt.Errorf("marshal fragment: %w", err))
		w.curPart = nil
		return
	}

	select {
	case w.flushCh <- chunk:
		w.initMarshaled = w.initMarshaled || withInit
		w.curPart = nil
	default:
		// Queue full; the part keeps accumulating and is re-marshaled
		// (init header included again if it never made it out) on the
		// next attempt.
	}
}

// marshalPartLocked serializes a part, preceded by the init header if it
// has not been sent yet. It does not record the init header as written:
// callers do that once the chunk is accepted for flushing, so a discarded
// chunk cannot swallow the header. Callers hold the mutex.
func (w *Writer) marshalPartLocked(p *part) (chunk []byte, withInit bool, err error) {
	var buf seekablebuffer.Buffer

	if !w.initMarshaled {
		if err := w.marshalInitLocked(&buf); err != nil {
			return nil, false, err
		}
		withInit = true
	}

	if err := p.marshal(&buf); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), withInit, nil
}

// marshalInitLocked lays down ftyp and moov. The video codec parameters
// come from the encoder, which has produced its first keyframe by the time
// any part exists. Callers hold the mutex.
func (w *Writer) marshalInitLocked(buf *seekablebuffer.Buffer) error {
	sps, pps := w.enc.Params()
	if sps == nil || pps == nil {
		return errors.New("encoder has no parameter sets")
	}
	w.video.initTrack.Codec = &mcfmp4.CodecH264{SPS: sps, PPS: pps}

	initTracks := make([]*mcfmp4.InitTrack, len(w.tracks))
	for i, t := range w.tracks {
		initTracks[i] = t.initTrack
	}

	init := mcfmp4.Init{Tracks: initTracks}
	return init.Marshal(buf)
}

// flushLoop is the only goroutine that touches the target. It drains
// marshaled chunks until Finalize closes the queue.
func (w *Writer) flushLoop() {
	defer close(w.flushDone)

	for chunk := range w.flushCh {
		w.mu.Lock()
		failed := w.status == container.StatusFailed
		w.mu.Unlock()
		if failed {
			continue
		}

		if _, err := w.target.Write(chunk); err != nil {
			w.setFailed(fmt.Errorf("write fragment: %w", err))
		}
	}
}

func (w *Writer) setFailed(err error) {
	w.mu.Lock()
	w.setFailedLocked(err)
	w.mu.Unlock()
}

func (w *Writer) setFailedLocked(err error) {
	if w.status == container.StatusFailed {
		return
	}
	w.status = container.StatusFailed
	w.err = err
	w.log.Error("writer failed", "error", err)
}

// Finalize implements container.Writer. The first call flushes the queued
// trailing samples and the open part, waits for the flush goroutine, and
// reports Completed (or Cancelled when Begin never happened). Later calls
// only wait for that work before invoking done.
func (w *Writer) Finalize(done func()) {
	if done == nil {
		done = func() {}
	}

	w.mu.Lock()
	if w.finalized {
		w.mu.Unlock()
		go done()
		return
	}
	if w.finalizing {
		w.extraDone = append(w.extraDone, done)
		w.mu.Unlock()
		return
	}
	w.finalizing = true
	w.mu.Unlock()

	go w.finalize(done)
}

func (w *Writer) finalize(done func()) {
	w.mu.Lock()
	if w.begun && w.status == container.StatusWriting {
		for _, t := range w.tracks {
			if err := t.flushPendingLocked(); err != nil {
				w.setFailedLocked(fmt.Errorf("flush trailing sample: %w", err))
				break
			}
		}
	}

	var chunk []byte
	if w.curPart != nil && w.begun && w.status == container.StatusWriting {
		var withInit bool
		var err error
		chunk, withInit, err = w.marshalPartLocked(w.curPart)
		if err != nil {
			w.setFailedLocked(fmt.Errorf("marshal final fragment: %w", err))
		} else {
			// The send below is blocking, so the chunk always lands.
			w.initMarshaled = w.initMarshaled || withInit
		}
		w.curPart = nil
	}
	w.mu.Unlock()

	if chunk != nil {
		w.flushCh <- chunk
	}
	close(w.flushCh)
	<-w.flushDone

	if err := w.enc.Close(); err != nil {
		w.log.Warn("encoder close failed", "error", err)
	}

	w.mu.Lock()
	if w.status != container.StatusFailed {
		if w.begun {
			w.status = container.StatusCompleted
		} else {
			w.status = container.StatusCancelled
		}
	}
	w.finalized = true
	status := w.status
	extra := w.extraDone
	w.extraDone = nil
	w.mu.Unlock()

	w.log.Info("writer finalized", "status", status.String())
	done()
	for _, fn := range extra {
		fn()
	}
}
