// Package priority implements per-(node, observer) update throttling keyed by
// distance. Each observing connection keeps an accumulator per node; the
// accumulator grows every tick by an amount that shrinks with distance, and an
// update is permitted when it crosses the threshold.
package priority

// UpdateThreshold is the accumulator level at which an update is permitted.
const UpdateThreshold = 100.0

// Policy tunes how fast a node's accumulator grows for an observer.
type Policy struct {
	// Base is the per-tick increment at distance zero.
	Base float64
	// DistanceFactor scales how much distance reduces the increment.
	DistanceFactor float64
	// Min floors the increment so distant nodes still update eventually.
	Min float64
	// AlwaysUpdateOwner exempts the owning connection from throttling, so a
	// player's own entity never lags for itself.
	AlwaysUpdateOwner bool
}

// Default passes every tick: full base increment, no distance attenuation.
var Default = Policy{Base: UpdateThreshold, DistanceFactor: 0, Min: 0}

// Increment returns the accumulator growth for one tick at the given
// distance, clamped to [Min, Base].
func (p Policy) Increment(distance float64) float64 {
	inc := p.Base - distance*p.DistanceFactor
	if inc < p.Min {
		inc = p.Min
	}
	if inc > p.Base {
		inc = p.Base
	}
	return inc
}

// CheckUpdate advances the accumulator for one tick and reports whether an
// update is permitted. On a permit the threshold is subtracted rather than
// the accumulator zeroed, carrying excess over to avoid time-alias bias.
func (p Policy) CheckUpdate(distance float64, acc *float64) bool {
	*acc += p.Increment(distance)
	if *acc >= UpdateThreshold {
		*acc -= UpdateThreshold
		return true
	}
	return false
}
