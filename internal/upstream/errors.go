package upstream

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame = errors.New("malformed upstream frame")
	ErrConnClosed     = errors.New("upstream connection closed")
)

// ConnectError is returned when the handshake with the upstream service fails.
type ConnectError struct {
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream connect failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream connect failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// UpstreamError carries an explicit error frame sent by the upstream service.
type UpstreamError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("upstream error: %s: %s", e.Code, e.Message)
	case e.Type != "":
		return fmt.Sprintf("upstream error: %s: %s", e.Type, e.Message)
	default:
		return "upstream error: " + e.Message
	}
}
