package media

// TestPattern is a Surface that draws an animated BGRA pattern: a horizontal
// gradient background with a vertical bar that advances one step per frame.
// Each ReadInto renders the next step, so a single TestPattern can back a
// whole synthetic stream. Used by examples and tests in place of a real
// render pipeline.
type TestPattern struct {
	width  int
	height int
	step   int
}

// NewTestPattern creates a test pattern surface for the given output size.
func NewTestPattern(width, height int) *TestPattern {
	return &TestPattern{width: width, height: height}
}

// Step returns how many frames have been rendered so far.
func (t *TestPattern) Step() int {
	return t.step
}

// ReadInto implements Surface. It never blocks on external resources.
func (t *TestPattern) ReadInto(dst *PixelBuffer) error {
	barWidth := t.width / 16
	if barWidth == 0 {
		barWidth = 1
	}
	barX := (t.step * 4) % t.width

	for y := 0; y < t.height && y < dst.Height; y++ {
		row := dst.Data[y*dst.Stride:]
		for x := 0; x < t.width && x < dst.Width; x++ {
			px := row[x*BytesPerPixel:]

			inBar := x >= barX && x < barX+barWidth
			if inBar {
				px[0] = 0xFF // B
				px[1] = 0xFF // G
				px[2] = 0xFF // R
			} else {
				px[0] = byte(255 * x / t.width)
				px[1] = byte(255 * y / t.height)
				px[2] = byte(t.step)
			}
			px[3] = 0xFF // A
		}
	}

	t.step++
	return nil
}
