package errors

import "errors"

// Connectivity errors.
var (
	ErrNotConnected  = errors.New("no active session")
	ErrNoEndpoint    = errors.New("no device endpoint")
	ErrSessionClosed = errors.New("session closed")
)

// Protocol errors. Messages failing with these are dropped.
var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrProtocolVersion  = errors.New("unsupported protocol version")
	ErrUnknownID        = errors.New("unknown request id")
	ErrResultMismatch   = errors.New("result does not match request method")
)

// ErrDeviceError marks an explicit error response from the device.
var ErrDeviceError = errors.New("device reported error")
