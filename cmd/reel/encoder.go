package main

import (
	"time"

	"github.com/zsiec/reel/fmp4"
	"github.com/zsiec/reel/media"
)

// Valid H264 parameter sets for the canned stream. They describe a
// 1920x1080 picture whatever WIDTH/HEIGHT are set to; the canned access
// units carry no real pixels, so decoders see the dimensions from here.
var (
	demoSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	demoPPS = []byte{0x08, 0x06, 0x07, 0x08}
)

// demoEncoder stands in for a hardware encoder integration. It emits a
// canned access unit per frame (a keyframe every gopSize frames), so the
// output file has real container structure without a real codec behind it.
// A production deployment plugs in an encoder backed by VideoToolbox, NVENC
// or similar here.
type demoEncoder struct {
	gopSize int
	frames  int
}

func newDemoEncoder() *demoEncoder {
	return &demoEncoder{gopSize: 30}
}

func (e *demoEncoder) Encode(_ *media.PixelBuffer, _ time.Duration) (*fmp4.EncodedFrame, error) {
	keyframe := e.frames%e.gopSize == 0
	e.frames++
	return &fmp4.EncodedFrame{
		AU:       [][]byte{{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}},
		Keyframe: keyframe,
	}, nil
}

func (e *demoEncoder) Params() ([]byte, []byte) { return demoSPS, demoPPS }

func (e *demoEncoder) Close() error { return nil }
