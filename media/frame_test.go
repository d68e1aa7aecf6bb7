package media

import "testing"

func TestNewPixelBuffer(t *testing.T) {
	t.Parallel()

	b := NewPixelBuffer(64, 48)
	if got, want := len(b.Data), 64*48*BytesPerPixel; got != want {
		t.Errorf("len(Data): got %d, want %d", got, want)
	}
	if b.Stride != 64*BytesPerPixel {
		t.Errorf("Stride: got %d, want %d", b.Stride, 64*BytesPerPixel)
	}

	// Release without a pool must be a no-op.
	b.Release()
}

func TestPixelBufferOnRelease(t *testing.T) {
	t.Parallel()

	b := NewPixelBuffer(8, 8)
	released := 0
	b.OnRelease(func(got *PixelBuffer) {
		if got != b {
			t.Error("release callback received a different buffer")
		}
		released++
	})

	b.Release()
	b.Release()
	if released != 2 {
		t.Errorf("release count: got %d, want 2", released)
	}
}

func TestTestPatternAdvances(t *testing.T) {
	t.Parallel()

	tp := NewTestPattern(32, 32)
	buf := NewPixelBuffer(32, 32)

	if err := tp.ReadInto(buf); err != nil {
		t.Fatalf("ReadInto: %v", err)
	}
	first := make([]byte, len(buf.Data))
	copy(first, buf.Data)

	if err := tp.ReadInto(buf); err != nil {
		t.Fatalf("ReadInto: %v", err)
	}
	if tp.Step() != 2 {
		t.Errorf("Step: got %d, want 2", tp.Step())
	}

	same := true
	for i := range first {
		if first[i] != buf.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("consecutive frames should differ")
	}
}

func TestTestPatternAlphaOpaque(t *testing.T) {
	t.Parallel()

	tp := NewTestPattern(16, 16)
	buf := NewPixelBuffer(16, 16)
	if err := tp.ReadInto(buf); err != nil {
		t.Fatalf("ReadInto: %v", err)
	}

	for i := 3; i < len(buf.Data); i += BytesPerPixel {
		if buf.Data[i] != 0xFF {
			t.Fatalf("alpha at byte %d: got %#x, want 0xff", i, buf.Data[i])
		}
	}
}
