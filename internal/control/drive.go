// Package control holds the pure drive model: the pressed-key aggregator, the
// throttle/steering integrators and the differential mixer. It performs no I/O
// and is not safe for concurrent use; the controller serializes access.
package control

// State is the observable drive state.
type State struct {
	Throttle    float64
	Steering    float64
	HandbrakeOn bool
	Keys        KeySet

	// Result of the most recent mix.
	ConceptualLeft  float64
	ConceptualRight float64
}

// Drive owns a State and applies key events and ticks to it.
type Drive struct {
	params   Params
	bindings Bindings
	state    State
}

// NewDrive creates a drive model in the neutral state.
func NewDrive(p Params, b Bindings) *Drive {
	return &Drive{
		params:   p,
		bindings: b,
		state:    State{Keys: KeySet{}},
	}
}

// Params returns the tuning the drive was built with.
func (d *Drive) Params() Params {
	return d.params
}

// PressKey marks key as pressed. Pressing the handbrake key toggles the
// handbrake on the press transition only; the returned flag reports whether
// that happened.
func (d *Drive) PressKey(key string) (handbrakeToggled bool) {
	key = NormalizeKey(key)
	added := d.state.Keys.Add(key)
	if added && key == d.bindings.Handbrake {
		d.ToggleHandbrake()
		return true
	}
	return false
}

// ReleaseKey clears key.
func (d *Drive) ReleaseKey(key string) {
	d.state.Keys.Remove(NormalizeKey(key))
}

// ToggleHandbrake flips the handbrake and returns its new state. Engaging it
// zeroes throttle and both wheel commands immediately.
func (d *Drive) ToggleHandbrake() bool {
	d.state.HandbrakeOn = !d.state.HandbrakeOn
	if d.state.HandbrakeOn {
		d.state.Throttle = 0
		d.state.ConceptualLeft = 0
		d.state.ConceptualRight = 0
	}
	return d.state.HandbrakeOn
}

// Step runs one tick: steering, throttle, then the mix.
func (d *Drive) Step() {
	UpdateSteering(&d.state, d.params, d.bindings)
	UpdateThrottle(&d.state, d.params, d.bindings)
	d.state.ConceptualLeft, d.state.ConceptualRight = Mix(d.state.Throttle, d.state.Steering, d.params)
}

// Reset returns throttle, steering and keys to neutral. The handbrake keeps
// its position.
func (d *Drive) Reset() {
	d.state.Throttle = 0
	d.state.Steering = 0
	d.state.Keys = KeySet{}
	d.state.ConceptualLeft, d.state.ConceptualRight = Mix(0, 0, d.params)
}

// Command returns the last mix rounded for the wire.
func (d *Drive) Command() (left, right int) {
	return WireValue(d.state.ConceptualLeft), WireValue(d.state.ConceptualRight)
}

// State returns a copy of the current state.
func (d *Drive) State() State {
	s := d.state
	s.Keys = d.state.Keys.Clone()
	return s
}
