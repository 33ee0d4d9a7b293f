package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Platform commands (client -> platform)
const (
	CommandDrive     = "drive"
	CommandGetStatus = "get_status"
)

// Platform message types (platform -> client)
const (
	PlatformStatusUpdate = "status_update"
	PlatformError        = "error"
)

// Polling endpoints and response statuses
const (
	PathDrive   = "/drive"
	PathStatus  = "/status"
	StatusError = "error"
)

// DriveCommand carries rounded wheel speed percentages.
type DriveCommand struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// Query encodes the command for GET /drive.
func (c DriveCommand) Query() string {
	v := url.Values{}
	v.Set("left", fmt.Sprint(c.Left))
	v.Set("right", fmt.Sprint(c.Right))
	return v.Encode()
}

// PlatformCommand is an outbound message on the persistent session.
type PlatformCommand struct {
	Command string        `json:"command"`
	Payload *DriveCommand `json:"payload,omitempty"`
}

// NewDrive builds a drive command envelope.
func NewDrive(cmd DriveCommand) PlatformCommand {
	return PlatformCommand{Command: CommandDrive, Payload: &cmd}
}

// NewGetStatus builds a status request envelope.
func NewGetStatus() PlatformCommand {
	return PlatformCommand{Command: CommandGetStatus}
}

// PlatformMessage is an inbound message on the persistent session.
type PlatformMessage struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Telemetry is the opaque platform feedback object, e.g. {"motorL":..,"motorR":..}.
type Telemetry map[string]any
