package poller

import "math/rand"

const jitterFraction = 0.2

// NextBackoff doubles the current interval, clamps it to max and spreads it
// with ±20% jitter so targets created in a burst do not stay in lockstep.
// The result never shrinks below the current interval and never exceeds max.
func NextBackoff(currentSeconds, maxSeconds int, rnd *rand.Rand) int {
	if maxSeconds < currentSeconds {
		maxSeconds = currentSeconds
	}

	next := currentSeconds * 2
	if next > maxSeconds {
		next = maxSeconds
	}

	jitter := int(float64(next) * jitterFraction)
	if jitter > 0 {
		next += rnd.Intn(2*jitter+1) - jitter
	}

	if next < currentSeconds {
		next = currentSeconds
	}
	if next > maxSeconds {
		next = maxSeconds
	}
	return next
}
