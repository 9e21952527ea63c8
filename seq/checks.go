package seq

import (
	"math"
	"strconv"
	"strings"
)

// channelsForMode maps the NumChannels-Mode readout onto the active channel
// set.  Anything other than a clean "2" or "4" (including an unreadable PV,
// signalled by ok=false) falls back to two channels.  The fallback is 2,
// not 4; flagged with the domain owner, preserved here.
func channelsForMode(mode string, ok bool) []int {
	n := 2
	if ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(mode))
		if err == nil && (parsed == 2 || parsed == 4) {
			n = parsed
		}
	}
	if n == 4 {
		return []int{1, 2, 3, 4}
	}
	return []int{1, 2}
}

// monotonicNondecreasing reports whether seq never decreases.  Equal
// consecutive samples are allowed; an empty sequence fails by definition.
func monotonicNondecreasing(seq []float64) bool {
	if len(seq) == 0 {
		return false
	}
	for i := 1; i < len(seq); i++ {
		if seq[i] < seq[i-1] {
			return false
		}
	}
	return true
}

// withinTolerance reports whether value is within tol of target, boundary
// inclusive
func withinTolerance(value, target, tol float64) bool {
	return math.Abs(value-target) <= tol
}
