package controller

import (
	"rover-remote/internal/control"
	"rover-remote/internal/link"
)

// Snapshot is the state delivered to observers after every change.
type Snapshot struct {
	Throttle        float64    `json:"throttle"`
	Steering        float64    `json:"steering"`
	HandbrakeOn     bool       `json:"handbrakeOn"`
	Keys            []string   `json:"keys"`
	ConceptualLeft  float64    `json:"conceptualLeft"`
	ConceptualRight float64    `json:"conceptualRight"`
	Running         bool       `json:"running"`
	Link            link.State `json:"link"`
}

func newSnapshot(cs control.State, ls link.State, running bool) Snapshot {
	return Snapshot{
		Throttle:        cs.Throttle,
		Steering:        cs.Steering,
		HandbrakeOn:     cs.HandbrakeOn,
		Keys:            cs.Keys.Sorted(),
		ConceptualLeft:  cs.ConceptualLeft,
		ConceptualRight: cs.ConceptualRight,
		Running:         running,
		Link:            ls,
	}
}

// Command returns the wire values of the last mix.
func (s Snapshot) Command() (left, right int) {
	return control.WireValue(s.ConceptualLeft), control.WireValue(s.ConceptualRight)
}
