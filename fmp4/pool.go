package fmp4

import "github.com/zsiec/reel/media"

// pool is a fixed-size set of pre-allocated BGRA render targets matching
// the video track's dimensions. Buffers are handed to track appends and
// recycled as soon as the encoder has consumed them, so the pool drains
// only when frames are in flight.
type pool struct {
	buffers chan *media.PixelBuffer
}

func newPool(width, height, size int) *pool {
	p := &pool{buffers: make(chan *media.PixelBuffer, size)}
	for i := 0; i < size; i++ {
		b := media.NewPixelBuffer(width, height)
		b.OnRelease(p.put)
		p.buffers <- b
	}
	return p
}

func (p *pool) put(b *media.PixelBuffer) {
	select {
	case p.buffers <- b:
	default:
		// Already full; drop the extra buffer.
	}
}

// Acquire implements container.BufferPool.
func (p *pool) Acquire() (*media.PixelBuffer, bool) {
	select {
	case b := <-p.buffers:
		return b, true
	default:
		return nil, false
	}
}

// emptyPool stands in before the video track (and therefore the real pool)
// exists. Acquire always reports false, which callers treat as "drop this
// frame".
type emptyPool struct{}

// Acquire implements container.BufferPool.
func (emptyPool) Acquire() (*media.PixelBuffer, bool) { return nil, false }
