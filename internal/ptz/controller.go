// Package ptz drives the platform camera: a client for the camera backend
// and the press-to-move behaviour used by the console.
package ptz

import "context"

// Controller defines the interface for PTZ camera control
type Controller interface {
	// Move starts a continuous move at the given velocities
	// pan: -1.0 (left) to 1.0 (right)
	// tilt: -1.0 (down) to 1.0 (up)
	// zoom: -1.0 (out) to 1.0 (in)
	Move(ctx context.Context, pan, tilt, zoom float64) error

	// Stop stops all PTZ movement immediately
	Stop(ctx context.Context) error

	// Close releases the controller
	Close() error
}
