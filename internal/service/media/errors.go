package media

import (
	"errors"
	"fmt"
)

// Device names a capture device.
type Device string

const (
	DeviceMicrophone Device = "microphone"
	DeviceCamera     Device = "camera"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrNotAcquired       = errors.New("media not acquired")
	ErrReleased          = errors.New("media released")
)

// DeviceError reports a failure to acquire a capture device. It is fatal for
// the session; acquisition is never retried on reconnect.
type DeviceError struct {
	Device Device
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// UserMessage returns the message shown to the candidate, with a retry hint.
func (e *DeviceError) UserMessage() string {
	if errors.Is(e.Err, ErrPermissionDenied) {
		return fmt.Sprintf("Access to your %s was denied. Allow access and retry.", e.Device)
	}
	return fmt.Sprintf("Your %s is not available. Check that it is connected and retry.", e.Device)
}
