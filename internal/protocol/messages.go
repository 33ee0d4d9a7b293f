package protocol

import "encoding/json"

// Console message types
const (
	TypePing             = "ping"
	TypePong             = "pong"
	TypeStatus           = "status"
	TypeSnapshot         = "snapshot"
	TypeConnectionStatus = "connection_status"
	TypeKeyDown          = "key_down"
	TypeKeyUp            = "key_up"
	TypeHandbrake        = "handbrake"
	TypeSetEndpoint      = "set_endpoint"
	TypeStart            = "start"
	TypeStop             = "stop"
	TypePTZCommand       = "ptz_command"
	TypePTZStop          = "ptz_stop"
	TypeError            = "error"
)

// Error codes
const (
	ErrPlatform       = "PLATFORM_ERROR"
	ErrPTZ            = "PTZ_ERROR"
	ErrInvalidMessage = "INVALID_MESSAGE"
)

// Message is the base envelope for all console WebSocket messages
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingPayload for ping messages
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload for pong messages
type PongPayload struct {
	ClientTimestamp int64 `json:"client_timestamp"`
	ServerTimestamp int64 `json:"server_timestamp"`
}

// StatusPayload describes the daemon setup to a newly connected console
type StatusPayload struct {
	Endpoint      string `json:"endpoint"`
	Transport     string `json:"transport"`
	VideoURL      string `json:"video_url,omitempty"`
	VideoProtocol string `json:"video_protocol,omitempty"`
	VideoOnline   bool   `json:"video_online"`
	CameraType    string `json:"camera_type,omitempty"`
}

// KeyPayload for key_down/key_up messages
type KeyPayload struct {
	Key string `json:"key"`
}

// EndpointPayload for set_endpoint messages
type EndpointPayload struct {
	Endpoint string `json:"endpoint"`
}

// PTZCommandPayload for PTZ control messages
type PTZCommandPayload struct {
	Pan  float64 `json:"pan"`
	Tilt float64 `json:"tilt"`
	Zoom float64 `json:"zoom"`
}

// ConnectionStatusPayload is sent on every platform link transition
type ConnectionStatusPayload struct {
	IsConnected            bool   `json:"isConnected"`
	IsAttemptingConnection bool   `json:"isAttemptingConnection"`
	Endpoint               string `json:"endpoint"`
}

// ErrorPayload for error messages
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given struct
func (m *Message) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
