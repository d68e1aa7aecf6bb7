package record

import "time"

// timelineClock tracks the session's presentation timeline origin and
// filters repeated video timestamps. Only video consults it: the first
// accepted video frame defines the origin, so a file never opens with
// audio-before-video artifacts. Timestamps stay absolute; nothing is reset
// per frame.
type timelineClock struct {
	originSet bool
	origin    time.Duration
	lastVideo time.Duration
}

// acceptVideo decides whether a video frame at pts joins the timeline.
// sessionStart is true exactly once, for the frame that sets the origin.
// A pts equal to the previously accepted video pts is rejected outright:
// consecutive duplicates are dropped, never merged.
func (c *timelineClock) acceptVideo(pts time.Duration) (accept, sessionStart bool) {
	if !c.originSet {
		c.originSet = true
		c.origin = pts
		c.lastVideo = pts
		return true, true
	}
	if pts == c.lastVideo {
		return false, false
	}
	c.lastVideo = pts
	return true, false
}
