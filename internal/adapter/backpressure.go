package adapter

// BackpressureAction is the outcome of one evaluation of the ssh-data
// backpressure policy (spec §4.5).
type BackpressureAction string

const (
	BackpressureNone   BackpressureAction = "none"
	BackpressurePause  BackpressureAction = "pause"
	BackpressureResume BackpressureAction = "resume"
)

// computeBackpressureAction is a pure function of the transport's buffered
// byte count, the configured high-water mark, and the current paused flag.
// It holds no state and performs no I/O so it can be exercised directly by
// tests (spec §8's testable property for the backpressure policy).
//
// amount is nil when the transport doesn't expose a buffered-byte metric —
// in that case the adapter takes no action at all.
func computeBackpressureAction(amount *int, highWater int, paused bool) BackpressureAction {
	if amount == nil {
		return BackpressureNone
	}
	a := *amount

	if a >= highWater && !paused {
		return BackpressurePause
	}
	if a < highWater/4 && paused {
		return BackpressureResume
	}
	return BackpressureNone
}
