package record

import (
	"testing"
	"time"
)

func TestClockFirstFrameSetsOrigin(t *testing.T) {
	t.Parallel()

	var c timelineClock
	accept, start := c.acceptVideo(5 * time.Second)
	if !accept || !start {
		t.Fatalf("first frame = (%v, %v), want (true, true)", accept, start)
	}
	if c.origin != 5*time.Second {
		t.Fatalf("origin = %v, want %v", c.origin, 5*time.Second)
	}
}

func TestClockRejectsConsecutiveDuplicates(t *testing.T) {
	t.Parallel()

	var c timelineClock
	c.acceptVideo(time.Second)

	if accept, _ := c.acceptVideo(time.Second); accept {
		t.Fatal("duplicate pts accepted")
	}
	if accept, start := c.acceptVideo(2 * time.Second); !accept || start {
		t.Fatalf("next distinct pts = (%v, %v), want (true, false)", accept, start)
	}

	// Only consecutive repeats are filtered: a pts seen earlier but not
	// last is accepted again.
	if accept, _ := c.acceptVideo(time.Second); !accept {
		t.Fatal("non-consecutive repeat rejected")
	}
}

func TestClockStartsOnce(t *testing.T) {
	t.Parallel()

	var c timelineClock
	_, start := c.acceptVideo(0)
	if !start {
		t.Fatal("first frame did not start")
	}
	for i := 1; i <= 3; i++ {
		if _, start := c.acceptVideo(time.Duration(i) * time.Second); start {
			t.Fatalf("frame %d reported start", i)
		}
	}
}
