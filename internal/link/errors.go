package link

import (
	"encoding/json"
	"fmt"
)

// Kind classifies a link error.
type Kind string

const (
	// KindNetwork: the platform could not be reached or the connection dropped.
	KindNetwork Kind = "network"
	// KindProtocol: a payload could not be parsed or had an unexpected shape.
	KindProtocol Kind = "protocol"
	// KindApplication: a well-formed payload reported a failure.
	KindApplication Kind = "application"
)

// Error is the record stored in State.LastError.
type Error struct {
	Kind    Kind            `json:"kind"`
	Message string          `json:"message"`
	Status  int             `json:"status,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func networkError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: fmt.Sprintf("Network request failed: %v", err)}
}

func protocolError(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

func applicationError(status int, message string, details []byte) *Error {
	return &Error{Kind: KindApplication, Message: message, Status: status, Details: details}
}
