package record

// SubmitResult describes the outcome of delivering one frame or sample to a
// session. Drops are part of normal operation under load and are reported
// as structured results rather than errors.
type SubmitResult int

const (
	// Submitted means the unit was handed to the container writer.
	Submitted SubmitResult = iota

	// DroppedTransient means the unit was discarded for a reason that may
	// clear on its own: session not yet started, missing or duplicate
	// timestamp, track backpressure, empty buffer pool, or a rejected
	// append. Later units can still succeed.
	DroppedTransient

	// DroppedTerminal means the unit was discarded and every later unit on
	// the same path will be too: the session is finishing, finished, or
	// failed, or the audio track was never activated.
	DroppedTerminal
)

func (r SubmitResult) String() string {
	switch r {
	case Submitted:
		return "submitted"
	case DroppedTransient:
		return "dropped-transient"
	case DroppedTerminal:
		return "dropped-terminal"
	default:
		return "unknown"
	}
}
