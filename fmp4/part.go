package fmp4

import (
	"io"
	"sort"
	"time"

	mcfmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

// multiplyAndDivide computes v * m / d without overflowing on large v.
func multiplyAndDivide(v, m, d int64) int64 {
	secs := v / d
	dec := v % d
	return secs*m + dec*m/d
}

func durationToScale(d time.Duration, scale uint32) uint64 {
	return uint64(multiplyAndDivide(int64(d), int64(scale), int64(time.Second)))
}

func scaleToDuration(v uint64, scale uint32) time.Duration {
	return time.Duration(multiplyAndDivide(int64(v), int64(time.Second), int64(scale)))
}

// part accumulates one fragment's samples across tracks. Fragments are the
// crash-resilience unit: once a part reaches the target, the file is
// playable up to its end even if writing is interrupted afterward.
type part struct {
	sequenceNumber uint32
	startDTS       time.Duration

	partTracks map[*track]*mcfmp4.PartTrack
	endDTS     time.Duration
}

func newPart(sequenceNumber uint32, startDTS time.Duration) *part {
	return &part{
		sequenceNumber: sequenceNumber,
		startDTS:       startDTS,
		endDTS:         startDTS,
		partTracks:     make(map[*track]*mcfmp4.PartTrack),
	}
}

func (p *part) add(t *track, smp *queuedSample) {
	partTrack, ok := p.partTracks[t]
	if !ok {
		// Decode time is absolute on the file timeline, so fragments play
		// back continuously rather than each restarting at zero.
		partTrack = &mcfmp4.PartTrack{
			ID:       t.id,
			BaseTime: durationToScale(smp.dts, t.timescale),
		}
		p.partTracks[t] = partTrack
	}

	partTrack.Samples = append(partTrack.Samples, smp.PartSample)

	end := smp.dts + scaleToDuration(uint64(smp.Duration), t.timescale)
	if end > p.endDTS {
		p.endDTS = end
	}
}

func (p *part) duration() time.Duration {
	return p.endDTS - p.startDTS
}

// marshal serializes the part's moof/mdat pair. Track order follows track
// IDs so output is deterministic.
func (p *part) marshal(w io.Writer) error {
	tracks := make([]*mcfmp4.PartTrack, 0, len(p.partTracks))
	for _, partTrack := range p.partTracks {
		tracks = append(tracks, partTrack)
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })

	mPart := &mcfmp4.Part{
		SequenceNumber: p.sequenceNumber,
		Tracks:         tracks,
	}

	var buf seekablebuffer.Buffer
	if err := mPart.Marshal(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
