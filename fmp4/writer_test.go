package fmp4

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	gomp4 "github.com/abema/go-mp4"

	"github.com/zsiec/reel/container"
	"github.com/zsiec/reel/media"
)

// Valid H264 parameter sets for the stub's canned stream. They describe a
// 1920x1080 picture regardless of the track dimensions under test; the
// stub never produces pixels that have to match them.
var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x08, 0x06, 0x07, 0x08}
)

// stubEncoder emits one access unit per frame. The first frame is a
// keyframe unless noKeyframes is set.
type stubEncoder struct {
	noKeyframes bool
	encodeErr   error
	frames      int
	closed      bool
}

func (e *stubEncoder) Encode(_ *media.PixelBuffer, _ time.Duration) (*EncodedFrame, error) {
	if e.encodeErr != nil {
		return nil, e.encodeErr
	}
	e.frames++
	return &EncodedFrame{
		AU:       [][]byte{{0x65, 0x88, 0x84, 0x00}},
		Keyframe: !e.noKeyframes && e.frames == 1,
	}, nil
}

func (e *stubEncoder) Params() ([]byte, []byte) { return testSPS, testPPS }

func (e *stubEncoder) Close() error {
	e.closed = true
	return nil
}

// topLevelBoxes parses serialized MP4 bytes and returns the types of the
// top-level boxes in order.
func topLevelBoxes(t *testing.T, byts []byte) []string {
	t.Helper()

	var types []string
	_, err := gomp4.ReadBoxStructure(bytes.NewReader(byts), func(h *gomp4.ReadHandle) (interface{}, error) {
		if len(h.Path) == 1 {
			types = append(types, h.BoxInfo.Type.String())
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	return types
}

// baseDecodeTimes parses serialized MP4 bytes and returns every tfdt
// baseMediaDecodeTime in file order. For a continuous recording these must
// advance across fragments, never restart.
func baseDecodeTimes(t *testing.T, byts []byte) []uint64 {
	t.Helper()

	var times []uint64
	_, err := gomp4.ReadBoxStructure(bytes.NewReader(byts), func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type.String() {
		case "moof", "traf":
			return h.Expand()
		case "tfdt":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tfdt := box.(*gomp4.Tfdt)
			v := tfdt.BaseMediaDecodeTimeV1
			if tfdt.Version == 0 {
				v = uint64(tfdt.BaseMediaDecodeTimeV0)
			}
			times = append(times, v)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	return times
}

func finalizeAndWait(t *testing.T, w *Writer) {
	t.Helper()

	done := make(chan struct{})
	w.Finalize(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("finalize did not complete")
	}
}

func appendFrame(t *testing.T, w *Writer, video container.VideoTrack, pts time.Duration) {
	t.Helper()

	buf, ok := w.VideoPool().Acquire()
	if !ok {
		t.Fatalf("no buffer available at pts %v", pts)
	}
	if err := video.Append(buf, pts); err != nil {
		buf.Release()
		t.Fatalf("append at pts %v: %v", pts, err)
	}
}

func TestNewWriterValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing target", Config{Encoder: &stubEncoder{}}},
		{"missing encoder", Config{Target: &bytes.Buffer{}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewWriter(tt.cfg); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestWriterVideoRecording(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	enc := &stubEncoder{}
	w, err := NewWriter(Config{Target: &out, Encoder: enc})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	video, err := w.AddVideoTrack(container.VideoTrackConfig{Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}

	if err := w.Begin(2 * time.Second); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got := w.Status(); got != container.StatusWriting {
		t.Fatalf("status = %v, want %v", got, container.StatusWriting)
	}

	origin := 2 * time.Second
	for _, off := range []time.Duration{0, 400 * time.Millisecond, 800 * time.Millisecond,
		1200 * time.Millisecond, 1600 * time.Millisecond} {
		appendFrame(t, w, video, origin+off)
	}

	video.MarkFinished()
	finalizeAndWait(t, w)

	if got := w.Status(); got != container.StatusCompleted {
		t.Fatalf("status = %v, want %v", got, container.StatusCompleted)
	}
	if !enc.closed {
		t.Fatal("encoder was not closed")
	}

	boxes := topLevelBoxes(t, out.Bytes())
	want := []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}
	if len(boxes) != len(want) {
		t.Fatalf("boxes = %v, want %v", boxes, want)
	}
	for i := range want {
		if boxes[i] != want[i] {
			t.Fatalf("box %d = %q, want %q (all: %v)", i, boxes[i], want[i], boxes)
		}
	}

	// Decode time is absolute: the second fragment starts at 1200ms on a
	// 90 kHz clock, not back at zero.
	times := baseDecodeTimes(t, out.Bytes())
	wantTimes := []uint64{0, 108000}
	if len(times) != len(wantTimes) {
		t.Fatalf("tfdt times = %v, want %v", times, wantTimes)
	}
	for i := range wantTimes {
		if times[i] != wantTimes[i] {
			t.Fatalf("tfdt %d = %d, want %d (all: %v)", i, times[i], wantTimes[i], times)
		}
	}
}

func TestWriterAudioTrackTooLate(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(Config{Target: &bytes.Buffer{}, Encoder: &stubEncoder{}})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.AddVideoTrack(container.VideoTrackConfig{Width: 320, Height: 240}); err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	if err := w.Begin(0); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	_, err = w.AddAudioTrack(container.AudioTrackConfig{
		Format: "aac", SampleRate: 48000, ChannelCount: 2,
	})
	if err == nil {
		t.Fatal("expected error adding audio after Begin")
	}

	finalizeAndWait(t, w)
}

func TestWriterFinalizeWithoutBegin(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w, err := NewWriter(Config{Target: &out, Encoder: &stubEncoder{}})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.AddVideoTrack(container.VideoTrackConfig{Width: 320, Height: 240}); err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}

	finalizeAndWait(t, w)

	if got := w.Status(); got != container.StatusCancelled {
		t.Fatalf("status = %v, want %v", got, container.StatusCancelled)
	}
	if out.Len() != 0 {
		t.Fatalf("wrote %d bytes, want none", out.Len())
	}
}

func TestWriterFinalizeIdempotent(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w, err := NewWriter(Config{Target: &out, Encoder: &stubEncoder{}})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	video, err := w.AddVideoTrack(container.VideoTrackConfig{Width: 320, Height: 240})
	if err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	if err := w.Begin(0); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	appendFrame(t, w, video, 0)
	appendFrame(t, w, video, 500*time.Millisecond)
	video.MarkFinished()

	first := make(chan struct{})
	second := make(chan struct{})
	w.Finalize(func() { close(first) })
	w.Finalize(func() { close(second) })

	for _, ch := range []chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("finalize callback did not fire")
		}
	}

	boxes := topLevelBoxes(t, out.Bytes())
	moofs := 0
	for _, b := range boxes {
		if b == "moof" {
			moofs++
		}
	}
	if moofs != 1 {
		t.Fatalf("moof count = %d, want 1 (boxes: %v)", moofs, boxes)
	}
}

func TestWriterNoKeyframes(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w, err := NewWriter(Config{Target: &out, Encoder: &stubEncoder{noKeyframes: true}})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	video, err := w.AddVideoTrack(container.VideoTrackConfig{Width: 320, Height: 240})
	if err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	if err := w.Begin(0); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	appendFrame(t, w, video, 0)
	appendFrame(t, w, video, time.Second)

	video.MarkFinished()
	finalizeAndWait(t, w)

	if out.Len() != 0 {
		t.Fatalf("wrote %d bytes before the first keyframe, want none", out.Len())
	}
}

func TestWriterEncodeFailure(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(Config{Target: &bytes.Buffer{}, Encoder: &stubEncoder{encodeErr: errors.New("gpu lost")}})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	video, err := w.AddVideoTrack(container.VideoTrackConfig{Width: 320, Height: 240})
	if err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	if err := w.Begin(0); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	buf, ok := w.VideoPool().Acquire()
	if !ok {
		t.Fatal("no buffer available")
	}
	if err := video.Append(buf, 0); err == nil {
		t.Fatal("expected append error")
	}

	// On error ownership stays with the caller.
	buf.Release()
	if _, ok := w.VideoPool().Acquire(); !ok {
		t.Fatal("released buffer did not return to the pool")
	}

	finalizeAndWait(t, w)
}

// gatedTarget blocks its first Write until the gate closes, stalling the
// flush goroutine so the flush queue saturates.
type gatedTarget struct {
	gate chan struct{}
	once sync.Once

	mu  sync.Mutex
	buf bytes.Buffer
}

func (g *gatedTarget) Write(p []byte) (int, error) {
	g.once.Do(func() { <-g.gate })
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buf.Write(p)
}

func (g *gatedTarget) bytes() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buf.Bytes()
}

func TestWriterFlushQueueSaturation(t *testing.T) {
	t.Parallel()

	target := &gatedTarget{gate: make(chan struct{})}
	w, err := NewWriter(Config{Target: target, Encoder: &stubEncoder{}})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	video, err := w.AddVideoTrack(container.VideoTrackConfig{Width: 320, Height: 240})
	if err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	if err := w.Begin(0); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Enough fragments to overflow the flush queue while the target is
	// stalled; discarded chunks keep their samples in the open part and
	// are re-marshaled, so nothing is lost.
	for i := 0; i < 12; i++ {
		appendFrame(t, w, video, time.Duration(i)*400*time.Millisecond)
	}

	close(target.gate)
	video.MarkFinished()
	finalizeAndWait(t, w)

	if got := w.Status(); got != container.StatusCompleted {
		t.Fatalf("status = %v, want %v", got, container.StatusCompleted)
	}

	boxes := topLevelBoxes(t, target.bytes())
	counts := map[string]int{}
	for _, b := range boxes {
		counts[b]++
	}
	if counts["ftyp"] != 1 || counts["moov"] != 1 {
		t.Fatalf("init boxes = %d ftyp / %d moov, want exactly one of each (boxes: %v)",
			counts["ftyp"], counts["moov"], boxes)
	}
	if boxes[0] != "ftyp" || boxes[1] != "moov" {
		t.Fatalf("output does not start with the init header (boxes: %v)", boxes)
	}
	if counts["moof"] < 2 {
		t.Fatalf("moof count = %d, want at least 2", counts["moof"])
	}

	times := baseDecodeTimes(t, target.bytes())
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			t.Fatalf("tfdt %d = %d not after %d (all: %v)", i, times[i], times[i-1], times)
		}
	}
}

type failingTarget struct{}

func (failingTarget) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriterTargetFailure(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(Config{Target: failingTarget{}, Encoder: &stubEncoder{}})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	video, err := w.AddVideoTrack(container.VideoTrackConfig{Width: 320, Height: 240})
	if err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	if err := w.Begin(0); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	appendFrame(t, w, video, 0)
	appendFrame(t, w, video, 500*time.Millisecond)
	video.MarkFinished()

	finalizeAndWait(t, w)

	if got := w.Status(); got != container.StatusFailed {
		t.Fatalf("status = %v, want %v", got, container.StatusFailed)
	}
	if w.Err() == nil {
		t.Fatal("Err() = nil, want write failure")
	}
}

func TestWriterPoolExhaustion(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(Config{Target: io.Discard, Encoder: &stubEncoder{}, PoolSize: 2})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.AddVideoTrack(container.VideoTrackConfig{Width: 320, Height: 240}); err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}

	pool := w.VideoPool()
	a, ok := pool.Acquire()
	if !ok {
		t.Fatal("first acquire failed")
	}
	if _, ok := pool.Acquire(); !ok {
		t.Fatal("second acquire failed")
	}
	if _, ok := pool.Acquire(); ok {
		t.Fatal("third acquire succeeded on an empty pool")
	}

	a.Release()
	if _, ok := pool.Acquire(); !ok {
		t.Fatal("acquire failed after release")
	}

	finalizeAndWait(t, w)
}

func TestWriterPoolBeforeVideoTrack(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(Config{Target: io.Discard, Encoder: &stubEncoder{}})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, ok := w.VideoPool().Acquire(); ok {
		t.Fatal("acquire succeeded with no video track")
	}

	finalizeAndWait(t, w)
}

func TestWriterAudioRecording(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w, err := NewWriter(Config{Target: &out, Encoder: &stubEncoder{}})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	video, err := w.AddVideoTrack(container.VideoTrackConfig{Width: 320, Height: 240})
	if err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	audio, err := w.AddAudioTrack(container.AudioTrackConfig{
		Format: "aac", SampleRate: 48000, ChannelCount: 2,
	})
	if err != nil {
		t.Fatalf("AddAudioTrack: %v", err)
	}
	if err := w.Begin(0); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	appendFrame(t, w, video, 0)
	if err := audio.Append([]byte{0x01, 0x02}, 0); err != nil {
		t.Fatalf("audio append: %v", err)
	}
	if err := audio.Append([]byte{0x03, 0x04}, 21*time.Millisecond); err != nil {
		t.Fatalf("audio append: %v", err)
	}
	appendFrame(t, w, video, 500*time.Millisecond)

	video.MarkFinished()
	audio.MarkFinished()
	finalizeAndWait(t, w)

	boxes := topLevelBoxes(t, out.Bytes())
	if len(boxes) < 4 || boxes[0] != "ftyp" || boxes[1] != "moov" {
		t.Fatalf("boxes = %v, want ftyp moov moof mdat ...", boxes)
	}
}

func TestTimescaleConversion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d     time.Duration
		scale uint32
		want  uint64
	}{
		{time.Second, 90000, 90000},
		{500 * time.Millisecond, 90000, 45000},
		{time.Second, 48000, 48000},
		{0, 90000, 0},
	}
	for _, tt := range tests {
		if got := durationToScale(tt.d, tt.scale); got != tt.want {
			t.Errorf("durationToScale(%v, %d) = %d, want %d", tt.d, tt.scale, got, tt.want)
		}
		if back := scaleToDuration(tt.want, tt.scale); back != tt.d {
			t.Errorf("scaleToDuration(%d, %d) = %v, want %v", tt.want, tt.scale, back, tt.d)
		}
	}
}
