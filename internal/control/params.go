package control

import (
	"time"

	"github.com/pkg/errors"
)

// MixPolicy selects how throttle and steering are combined into wheel commands.
type MixPolicy string

const (
	// MixProportional scales both wheels down together when either saturates,
	// keeping the left/right ratio.
	MixProportional MixPolicy = "proportional"
	// MixUnscaled clamps each wheel independently.
	MixUnscaled MixPolicy = "unscaled"
)

// Default control parameters.
const (
	DefaultMaxThrottle                 = 100.0
	DefaultMaxSteering                 = 100.0
	DefaultThrottleAcceleration        = 5.0
	DefaultThrottleDecelerationNatural = 2.0
	DefaultBrakePower                  = 6.0
	DefaultSteeringSpeed               = 9.0
	DefaultSteeringReturnSpeed         = 7.0
	DefaultUpdateInterval              = 50 * time.Millisecond
	DefaultReconnectInterval           = 3 * time.Second
)

// Params are the tuning knobs of the drive loop. They are fixed for the
// lifetime of a controller.
type Params struct {
	MaxThrottle float64
	MaxSteering float64

	// Per-tick rates. Braking is intentionally stronger than accelerating.
	ThrottleAcceleration        float64
	ThrottleDecelerationNatural float64
	BrakePower                  float64
	SteeringSpeed               float64
	SteeringReturnSpeed         float64

	UpdateInterval    time.Duration
	ReconnectInterval time.Duration

	Mix MixPolicy
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		MaxThrottle:                 DefaultMaxThrottle,
		MaxSteering:                 DefaultMaxSteering,
		ThrottleAcceleration:        DefaultThrottleAcceleration,
		ThrottleDecelerationNatural: DefaultThrottleDecelerationNatural,
		BrakePower:                  DefaultBrakePower,
		SteeringSpeed:               DefaultSteeringSpeed,
		SteeringReturnSpeed:         DefaultSteeringReturnSpeed,
		UpdateInterval:              DefaultUpdateInterval,
		ReconnectInterval:           DefaultReconnectInterval,
		Mix:                         MixProportional,
	}
}

// Validate checks that every bound and rate is positive and the mix policy is known.
func (p Params) Validate() error {
	positive := []struct {
		name  string
		value float64
	}{
		{"max_throttle", p.MaxThrottle},
		{"max_steering", p.MaxSteering},
		{"throttle_acceleration", p.ThrottleAcceleration},
		{"throttle_deceleration_natural", p.ThrottleDecelerationNatural},
		{"brake_power", p.BrakePower},
		{"steering_speed", p.SteeringSpeed},
		{"steering_return_speed", p.SteeringReturnSpeed},
	}
	for _, f := range positive {
		if !(f.value > 0) {
			return errors.Errorf("%s must be > 0 (got %v)", f.name, f.value)
		}
	}
	if p.UpdateInterval <= 0 {
		return errors.New("update interval must be > 0")
	}
	if p.ReconnectInterval <= 0 {
		return errors.New("reconnect interval must be > 0")
	}
	switch p.Mix {
	case MixProportional, MixUnscaled:
	default:
		return errors.Errorf("unknown mix policy %q (must be %q or %q)", p.Mix, MixProportional, MixUnscaled)
	}
	return nil
}
