// Package containertest provides an in-memory container.Writer with
// scriptable readiness, pool exhaustion, and failure injection, used by the
// record package tests and by examples.
package containertest

import (
	"errors"
	"sync"
	"time"

	"github.com/zsiec/reel/container"
	"github.com/zsiec/reel/media"
)

// Writer is a fake container.Writer that records every interaction.
type Writer struct {
	mu sync.Mutex

	status container.Status
	err    error
	origin time.Duration
	begun  bool

	video *VideoTrack
	audio *AudioTrack
	pool  *Pool

	finalizeCalls int

	// RejectAudio makes AddAudioTrack fail, simulating a track added too
	// late. Set before use.
	RejectAudio bool

	// BeginErr is returned by Begin when non-nil.
	BeginErr error
}

// New creates a fake writer in the idle state with an uninitialized pool.
func New() *Writer {
	w := &Writer{status: container.StatusIdle}
	w.pool = &Pool{}
	return w
}

// AddVideoTrack implements container.Writer. It also initializes the pool
// to three buffers of the requested size.
func (w *Writer) AddVideoTrack(cfg container.VideoTrackConfig) (container.VideoTrack, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.video != nil {
		return nil, errors.New("video track already added")
	}
	w.video = &VideoTrack{trackState: trackState{w: w, ready: true}}
	w.pool.init(cfg.Width, cfg.Height, 3)
	return w.video, nil
}

// AddAudioTrack implements container.Writer.
func (w *Writer) AddAudioTrack(_ container.AudioTrackConfig) (container.AudioTrack, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.RejectAudio {
		return nil, errors.New("audio track added too late")
	}
	if w.audio != nil {
		return nil, errors.New("audio track already added")
	}
	w.audio = &AudioTrack{trackState: trackState{w: w, ready: true}}
	return w.audio, nil
}

// VideoPool implements container.Writer.
func (w *Writer) VideoPool() container.BufferPool { return w.pool }

// Begin implements container.Writer.
func (w *Writer) Begin(origin time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.BeginErr != nil {
		return w.BeginErr
	}
	w.begun = true
	w.origin = origin
	w.status = container.StatusWriting
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

// Finalize implements container.Writer. done runs synchronously, which is
// deterministic for tests; the record package never holds its lock across
// Finalize.
func (w *Writer) Finalize(done func()) {
	w.mu.Lock()
	w.finalizeCalls++
	if w.status != container.StatusFailed {
		if w.begun {
			w.status = container.StatusCompleted
		} else {
			w.status = container.StatusCancelled
		}
	}
	w.mu.Unlock()

	if done != nil {
		done()
	}
}

// Fail forces the writer into the failed state with the given error.
func (w *Writer) Fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = container.StatusFailed
	w.err = err
}

// SetStatus overrides the reported status. Used to script the
// already-completed/cancelled/unknown no-op paths of Finish.
func (w *Writer) SetStatus(s container.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
}

// Begun reports whether Begin was called, and with which origin.
func (w *Writer) Begun() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.origin, w.begun
}

// FinalizeCalls returns how many times Finalize was invoked.
func (w *Writer) FinalizeCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalizeCalls
}

// Video returns the fake video track (nil before AddVideoTrack).
func (w *Writer) Video() *VideoTrack {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.video
}

// Audio returns the fake audio track (nil before AddAudioTrack).
func (w *Writer) Audio() *AudioTrack {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.audio
}

// BufferPool returns the fake pool for scripting.
func (w *Writer) BufferPool() *Pool { return w.pool }

// trackState holds the scripting shared by the fake video and audio tracks.
type trackState struct {
	w *Writer

	ready        bool
	notReadyLeft int
	appendErr    error
	appendedPTS  []time.Duration
	finished     bool
}

// Ready implements the track readiness predicate. A scripted not-ready
// budget set with SetNotReadyTimes is consumed first.
func (t *trackState) Ready() bool {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	if t.notReadyLeft > 0 {
		t.notReadyLeft--
		return false
	}
	return t.ready
}

// SetReady scripts the steady-state readiness value.
func (t *trackState) SetReady(ready bool) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.ready = ready
}

// SetNotReadyTimes makes the next n Ready calls report false.
func (t *trackState) SetNotReadyTimes(n int) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.notReadyLeft = n
}

// SetAppendErr injects an error into subsequent Append calls.
func (t *trackState) SetAppendErr(err error) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.appendErr = err
}

// MarkFinished implements the track end-of-stream signal.
func (t *trackState) MarkFinished() {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.finished = true
}

// Finished reports whether MarkFinished was called.
func (t *trackState) Finished() bool {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	return t.finished
}

// AppendedPTS returns the timestamps of every accepted append, in order.
func (t *trackState) AppendedPTS() []time.Duration {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	out := make([]time.Duration, len(t.appendedPTS))
	copy(out, t.appendedPTS)
	return out
}

// VideoTrack is the fake video track.
type VideoTrack struct {
	trackState
}

// Append implements container.VideoTrack. The buffer is released back to
// the pool immediately, mirroring a writer that consumes it synchronously.
func (t *VideoTrack) Append(buf *media.PixelBuffer, pts time.Duration) error {
	t.w.mu.Lock()
	if t.appendErr != nil {
		err := t.appendErr
		t.w.mu.Unlock()
		return err
	}
	t.appendedPTS = append(t.appendedPTS, pts)
	t.w.mu.Unlock()

	buf.Release()
	return nil
}

// AudioTrack is the fake audio track.
type AudioTrack struct {
	trackState

	payloads [][]byte
}

// Append implements container.AudioTrack, copying the payload.
func (t *AudioTrack) Append(payload []byte, pts time.Duration) error {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	if t.appendErr != nil {
		return t.appendErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.payloads = append(t.payloads, cp)
	t.appendedPTS = append(t.appendedPTS, pts)
	return nil
}

// Payloads returns copies of every accepted audio payload, in order.
func (t *AudioTrack) Payloads() [][]byte {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	out := make([][]byte, len(t.payloads))
	copy(out, t.payloads)
	return out
}

// Pool is a fake buffer pool. It starts uninitialized (Acquire reports
// false) and is initialized by AddVideoTrack.
type Pool struct {
	mu      sync.Mutex
	buffers []*media.PixelBuffer
	empty   bool
}

func (p *Pool) init(width, height, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < size; i++ {
		b := media.NewPixelBuffer(width, height)
		b.OnRelease(p.put)
		p.buffers = append(p.buffers, b)
	}
}

func (p *Pool) put(b *media.PixelBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers = append(p.buffers, b)
}

// SetEmpty scripts pool exhaustion: while set, Acquire reports false.
func (p *Pool) SetEmpty(empty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.empty = empty
}

// Acquire implements container.BufferPool.
func (p *Pool) Acquire() (*media.PixelBuffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.empty || len(p.buffers) == 0 {
		return nil, false
	}
	b := p.buffers[len(p.buffers)-1]
	p.buffers = p.buffers[:len(p.buffers)-1]
	return b, true
}
