// Package record implements the synchronization core between live
// audio/video producers and an underlying container writer: a recording
// session state machine, a shared presentation timeline, and
// backpressure-aware track sinks. Producers may deliver from any goroutine;
// every state-mutating operation passes through one mutex, so deliveries,
// Start, and Finish are linearized against each other.
package record

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/reel/container"
	"github.com/zsiec/reel/media"
)

// State is the lifecycle of a recording session.
type State int

const (
	// StateIdle: created, possibly armed by Start, but no video frame
	// accepted yet. The underlying writer has not begun.
	StateIdle State = iota

	// StateWriting: the first video frame opened the timeline and the
	// writer is accepting appends.
	StateWriting

	// StateFinishing: Finish was called; no further units are accepted
	// while the writer finalizes.
	StateFinishing

	// StateFinished: the writer finalized (or there was nothing to
	// finalize).
	StateFinished

	// StateFailed: the writer reported a fatal error. The session should
	// be finished and abandoned.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a Session.
type Config struct {
	// Writer is the underlying container writer. Required. The session
	// takes exclusive ownership and only ever drives it from inside its
	// serialization domain.
	Writer container.Writer

	// Width and Height are the output video dimensions. Required.
	Width  int
	Height int

	// VideoCodec is the codec requested from the writer's video track.
	// Defaults to "h264".
	VideoCodec string

	// Logger receives drop diagnostics and lifecycle events. If nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// Session is one end-to-end recording attempt. Create it with New, arm it
// with Start, deliver units with WriteFrame and WriteSample, and close it
// with Finish. All methods are safe for concurrent use.
type Session struct {
	id     string
	log    *slog.Logger
	writer container.Writer

	mu            sync.Mutex
	state         State
	started       bool
	clock         timelineClock
	video         container.VideoTrack
	videoFinished bool
	audio         container.AudioTrack
	audioRejected bool
	audioFinished bool
	err           error
	pendingDone   []func()

	framesSubmitted  atomic.Int64
	framesDropped    atomic.Int64
	duplicateFrames  atomic.Int64
	samplesSubmitted atomic.Int64
	samplesDropped   atomic.Int64
	lastVideoPTS     atomic.Int64
	lastAudioPTS     atomic.Int64
}

// New creates a Session and adds the mandatory video track to the writer.
func New(cfg Config) (*Session, error) {
	if cfg.Writer == nil {
		return nil, errors.New("writer is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", cfg.Width, cfg.Height)
	}
	codec := cfg.VideoCodec
	if codec == "" {
		codec = "h264"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		id:     uuid.NewString(),
		writer: cfg.Writer,
	}
	s.log = log.With("component", "session", "session_id", s.id)

	video, err := cfg.Writer.AddVideoTrack(container.VideoTrackConfig{
		Width:  cfg.Width,
		Height: cfg.Height,
		Codec:  codec,
	})
	if err != nil {
		return nil, fmt.Errorf("add video track: %w", err)
	}
	s.video = video

	return s, nil
}

// ID returns the session's unique identifier, used in log attributes.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error behind StateFailed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Origin returns the timeline origin, which is the timestamp of the first
// accepted video frame, and whether it has been established yet.
func (s *Session) Origin() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.origin, s.clock.originSet
}

// Start arms the session. The underlying writer is deliberately not begun
// here: writing truly starts on the first accepted video frame, so that a
// session that never receives a frame leaves no broken file behind.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("session already started")
	}
	if s.state != StateIdle {
		return fmt.Errorf("cannot start a %s session", s.state)
	}
	s.started = true
	s.log.Info("session armed, waiting for first video frame")
	return nil
}

// EnableAudio activates the optional audio track. Call it once, before the
// first sample is delivered. If the writer rejects the track (added too
// late, for example), the rejection is logged and every subsequent sample
// is dropped; activation failure is never an error at this call site.
func (s *Session) EnableAudio(cfg container.AudioTrackConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.audio != nil || s.audioRejected {
		return
	}
	if s.state == StateFinishing || s.state == StateFinished || s.state == StateFailed {
		s.audioRejected = true
		s.log.Debug("audio activation after finish, ignoring")
		return
	}

	track, err := s.writer.AddAudioTrack(cfg)
	if err != nil {
		s.audioRejected = true
		s.log.Warn("writer rejected audio track, audio will be dropped", "error", err)
		return
	}
	s.audio = track
	s.log.Info("audio track enabled",
		"sample_rate", cfg.SampleRate,
		"channels", cfg.ChannelCount,
		"bit_rate", cfg.BitRate,
	)
}

// WriteFrame delivers one video frame. The first accepted frame opens the
// timeline and begins the underlying writer. Frames are dropped (with a
// diagnostic, never an error) when the session is not recording, the
// timestamp is missing or repeats the previous one, the track signals
// backpressure, or no pooled buffer is available. The surface readback runs
// synchronously inside the serialization domain; producers that must not
// block here should deliver through a Pump.
func (s *Session) WriteFrame(frame media.Frame) SubmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.gateVideo(); !ok {
		return res
	}

	if !frame.HasPTS {
		s.framesDropped.Add(1)
		s.log.Debug("frame without timestamp, dropping")
		return DroppedTransient
	}

	accept, sessionStart := s.clock.acceptVideo(frame.PTS)
	if !accept {
		s.duplicateFrames.Add(1)
		s.framesDropped.Add(1)
		s.log.Debug("duplicate frame timestamp, dropping", "pts", frame.PTS)
		return DroppedTransient
	}

	if sessionStart {
		if err := s.writer.Begin(frame.PTS); err != nil {
			s.framesDropped.Add(1)
			s.fail(fmt.Errorf("begin writing: %w", err))
			return DroppedTerminal
		}
		s.state = StateWriting
		s.log.Info("session opened", "origin", frame.PTS)
	}

	if !s.video.Ready() {
		s.framesDropped.Add(1)
		s.log.Debug("video track not ready, dropping frame", "pts", frame.PTS)
		return DroppedTransient
	}

	buf, ok := s.writer.VideoPool().Acquire()
	if !ok {
		s.framesDropped.Add(1)
		s.log.Debug("no buffer available from pool, dropping frame", "pts", frame.PTS)
		return DroppedTransient
	}

	if err := frame.Surface.ReadInto(buf); err != nil {
		buf.Release()
		s.framesDropped.Add(1)
		s.log.Warn("frame readback failed, dropping", "pts", frame.PTS, "error", err)
		return DroppedTransient
	}

	if err := s.video.Append(buf, frame.PTS); err != nil {
		buf.Release()
		s.framesDropped.Add(1)
		s.log.Warn("video append rejected by writer", "pts", frame.PTS, "error", err)
		s.observeWriter()
		return DroppedTransient
	}

	s.framesSubmitted.Add(1)
	s.lastVideoPTS.Store(int64(frame.PTS))
	return Submitted
}

// gateVideo decides whether the session currently accepts video. Callers
// hold mu. Frames are accepted once armed, even before the first frame
// opens the timeline; that first frame is what transitions Idle to Writing.
func (s *Session) gateVideo() (SubmitResult, bool) {
	switch s.state {
	case StateIdle:
		if !s.started {
			s.framesDropped.Add(1)
			s.log.Debug("frame before start, dropping")
			return DroppedTransient, false
		}
		return 0, true
	case StateWriting:
		return 0, true
	default:
		s.framesDropped.Add(1)
		s.log.Debug("frame while not recording, dropping", "state", s.state.String())
		return DroppedTerminal, false
	}
}

// WriteSample delivers one pre-encoded audio buffer. Audio never opens the
// timeline: samples arriving before the first video frame are dropped, so
// the file cannot start with audio ahead of video.
func (s *Session) WriteSample(sample media.Sample) SubmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.audio == nil {
		s.samplesDropped.Add(1)
		s.log.Debug("audio track not active, dropping sample")
		return DroppedTerminal
	}

	switch s.state {
	case StateWriting:
	case StateIdle:
		s.samplesDropped.Add(1)
		s.log.Debug("sample before session opened, dropping", "pts", sample.PTS)
		return DroppedTransient
	default:
		s.samplesDropped.Add(1)
		s.log.Debug("sample while not recording, dropping", "state", s.state.String())
		return DroppedTerminal
	}

	if !s.audio.Ready() {
		s.samplesDropped.Add(1)
		s.log.Debug("audio track not ready, dropping sample", "pts", sample.PTS)
		return DroppedTransient
	}

	if err := s.audio.Append(sample.Payload, sample.PTS); err != nil {
		s.samplesDropped.Add(1)
		s.log.Warn("audio append rejected by writer", "pts", sample.PTS, "error", err)
		s.observeWriter()
		return DroppedTransient
	}

	s.samplesSubmitted.Add(1)
	s.lastAudioPTS.Store(int64(sample.PTS))
	return Submitted
}

// Finish closes the session. It is safe to call from any state and from
// concurrent goroutines: the writer is finalized at most once, every
// supplied callback fires exactly once, and finishing a session that never
// opened skips finalization entirely (finalizing a writer that never began
// would leave a broken file). done may be nil.
func (s *Session) Finish(done func()) {
	s.mu.Lock()

	switch s.writer.Status() {
	case container.StatusCompleted, container.StatusCancelled, container.StatusUnknown:
		s.mu.Unlock()
		invokeAsync(done)
		return
	}

	switch s.state {
	case StateFinished:
		s.mu.Unlock()
		invokeAsync(done)
		return

	case StateFinishing:
		if done != nil {
			s.pendingDone = append(s.pendingDone, done)
		}
		s.mu.Unlock()
		return

	case StateIdle:
		// Never opened: the writer was never begun, so there is nothing
		// to finalize.
		s.state = StateFinished
		s.mu.Unlock()
		s.log.Info("session finished without writing")
		invokeAsync(done)
		return
	}

	// StateWriting or StateFailed: mark both tracks finished, then
	// finalize the writer exactly once. The lock is released first so the
	// writer's completion callback can re-enter the session.
	s.state = StateFinishing
	if !s.videoFinished {
		s.videoFinished = true
		s.video.MarkFinished()
	}
	if s.audio != nil && !s.audioFinished {
		s.audioFinished = true
		s.audio.MarkFinished()
	}
	if done != nil {
		s.pendingDone = append(s.pendingDone, done)
	}
	s.log.Info("finishing session",
		"frames_submitted", s.framesSubmitted.Load(),
		"samples_submitted", s.samplesSubmitted.Load(),
	)
	s.mu.Unlock()

	s.writer.Finalize(s.onFinalized)
}

// onFinalized is handed to the writer as the finalize completion signal.
func (s *Session) onFinalized() {
	s.mu.Lock()
	if s.writer.Status() == container.StatusFailed {
		s.observeWriter()
	} else if s.state == StateFinishing {
		s.state = StateFinished
	}
	pending := s.pendingDone
	s.pendingDone = nil
	state := s.state
	s.mu.Unlock()

	s.log.Info("session closed", "state", state.String())
	for _, fn := range pending {
		fn()
	}
}

// fail marks the session failed. Callers hold mu.
func (s *Session) fail(err error) {
	if s.state == StateWriting || s.state == StateFinishing || s.state == StateIdle {
		s.state = StateFailed
	}
	if s.err == nil {
		s.err = err
	}
	s.log.Error("session failed", "error", err)
}

// observeWriter folds a fatal writer status into the session state.
// Callers hold mu.
func (s *Session) observeWriter() {
	if s.writer.Status() != container.StatusFailed {
		return
	}
	err := s.writer.Err()
	if err == nil {
		err = errors.New("writer reported failure without detail")
	}
	if s.state != StateFailed {
		s.fail(fmt.Errorf("writer failed: %w", err))
	}
}

func invokeAsync(done func()) {
	if done != nil {
		go done()
	}
}

// Stats is a point-in-time snapshot of the session's counters.
type Stats struct {
	FramesSubmitted  int64
	FramesDropped    int64
	DuplicateFrames  int64
	SamplesSubmitted int64
	SamplesDropped   int64
	LastVideoPTS     time.Duration
	LastAudioPTS     time.Duration
}

// Stats returns the session's counters. Safe to call from any goroutine.
func (s *Session) Stats() Stats {
	return Stats{
		FramesSubmitted:  s.framesSubmitted.Load(),
		FramesDropped:    s.framesDropped.Load(),
		DuplicateFrames:  s.duplicateFrames.Load(),
		SamplesSubmitted: s.samplesSubmitted.Load(),
		SamplesDropped:   s.samplesDropped.Load(),
		LastVideoPTS:     time.Duration(s.lastVideoPTS.Load()),
		LastAudioPTS:     time.Duration(s.lastAudioPTS.Load()),
	}
}
