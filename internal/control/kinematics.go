package control

import "math"

// UpdateSteering advances steering by one tick. Left wins over right when both
// are held. With no steering key the value decays toward zero and snaps to
// exactly zero once it is within one decay step.
func UpdateSteering(s *State, p Params, b Bindings) {
	switch {
	case s.Keys.Any(b.Left):
		s.Steering -= p.SteeringSpeed
	case s.Keys.Any(b.Right):
		s.Steering += p.SteeringSpeed
	default:
		s.Steering = approachZero(s.Steering, p.SteeringReturnSpeed)
	}
	s.Steering = clamp(s.Steering, p.MaxSteering)
}

// UpdateThrottle advances throttle by one tick. The handbrake pins throttle at
// zero without going through the braking ramp.
func UpdateThrottle(s *State, p Params, b Bindings) {
	if s.HandbrakeOn {
		s.Throttle = 0
		return
	}
	switch {
	case s.Keys.Any(b.Accelerate):
		s.Throttle += p.ThrottleAcceleration
	case s.Keys.Any(b.Brake):
		s.Throttle -= p.BrakePower
	default:
		s.Throttle = approachZero(s.Throttle, p.ThrottleDecelerationNatural)
	}
	s.Throttle = clamp(s.Throttle, p.MaxThrottle)
}

// Mix converts throttle and steering into left/right wheel commands using the
// configured policy. Results are within ±MaxThrottle.
func Mix(throttle, steering float64, p Params) (left, right float64) {
	if p.Mix == MixUnscaled {
		return mixUnscaled(throttle, steering, p.MaxThrottle)
	}
	return mixProportional(throttle, steering, p.MaxThrottle)
}

// mixUnscaled is the plain differential mix with each side clipped on its own.
// At high throttle the outer wheel clips while the inner one does not, so
// steering authority shrinks.
func mixUnscaled(throttle, steering, limit float64) (left, right float64) {
	return clamp(throttle+steering, limit), clamp(throttle-steering, limit)
}

// mixProportional scales both sides by the same factor when the larger one
// exceeds limit, so the left/right ratio is preserved at saturation.
func mixProportional(throttle, steering, limit float64) (left, right float64) {
	left, right = throttle+steering, throttle-steering
	peak := math.Max(math.Abs(left), math.Abs(right))
	if peak > limit {
		scale := limit / peak
		left *= scale
		right *= scale
	}
	return left, right
}

// WireValue rounds a wheel command to the integral percentage sent to the platform.
func WireValue(v float64) int {
	return int(math.Round(v))
}

func approachZero(v, step float64) float64 {
	switch {
	case v > step:
		return v - step
	case v < -step:
		return v + step
	default:
		return 0
	}
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
