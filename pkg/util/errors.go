// Package util provides logging helpers and common error types.
package util

import (
	"errors"
	"fmt"
)

// Sentinel errors for device and protocol failures
var (
	ErrNotConnected   = errors.New("device not connected")
	ErrNotLoggedIn    = errors.New("device not logged in")
	ErrUnsupported    = errors.New("command not supported by device")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrBufferFull     = errors.New("buffer capacity exceeded")
	ErrClientGone     = errors.New("client disconnected")
	ErrServerError    = errors.New("server reported failure")
)

// DeviceError wraps a failure on a particular device with context
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError creates a device error
func NewDeviceError(device, op string, err error) *DeviceError {
	return &DeviceError{Device: device, Op: op, Err: err}
}

// ConfigError reports an invalid configuration element by location
type ConfigError struct {
	Section string
	Name    string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("config %s %q: %s", e.Section, e.Name, e.Reason)
	}
	return fmt.Sprintf("config %s: %s", e.Section, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// NewConfigError creates a config error
func NewConfigError(section, name, reason string) *ConfigError {
	return &ConfigError{Section: section, Name: name, Reason: reason}
}

// NewConfigErrorf creates a config error with a formatted reason
func NewConfigErrorf(section, name, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Section: section, Name: name, Reason: fmt.Sprintf(format, args...)}
}

// ProtocolError reports an unexpected reply from the powerman server
type ProtocolError struct {
	Line string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed server reply: %q", e.Line)
}

func (e *ProtocolError) Unwrap() error {
	return ErrServerError
}
